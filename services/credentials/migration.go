package credentials

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/tracing"
)

type MigrationReport struct {
	Scanned  int
	Migrated int
	Failed   int
}

// MigrateAll rewrites every stored password that is not in the current format.
// Rows that cannot be decrypted are left untouched and counted as failed.
func MigrateAll(ctx context.Context, repo interfaces.MailboxConfigurationRepository, codec interfaces.CredentialCodec, log logger.Logger) (MigrationReport, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentials.MigrateAll")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	var report MigrationReport
	configurations, err := repo.ListAll(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return report, err
	}

	for _, configuration := range configurations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		encrypted, changed, err := Migrate(codec, configuration.EncryptedPassword)
		if err != nil {
			report.Failed++
			log.Errorf("Cannot migrate credentials of configuration %s: %v", configuration.ID, err)
			continue
		}
		if !changed {
			continue
		}
		if err := repo.UpdateEncryptedPassword(ctx, configuration.ID, encrypted); err != nil {
			report.Failed++
			log.Errorf("Cannot store migrated credentials of configuration %s: %v", configuration.ID, err)
			continue
		}
		report.Migrated++
	}

	span.LogKV("scanned", report.Scanned, "migrated", report.Migrated, "failed", report.Failed)
	if report.Failed > 0 {
		err := fmt.Errorf("%d of %d configuration(s) could not be migrated", report.Failed, report.Scanned)
		tracing.TraceErr(span, err)
		return report, err
	}
	return report, nil
}
