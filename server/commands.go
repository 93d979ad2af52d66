package server

import (
	"context"
	"fmt"

	"github.com/customeros/mailsync/services/credentials"
)

// SyncOnce runs one batch over all active configurations. Per-configuration
// failures are reported in the summary and do not fail the command.
func (s *Server) SyncOnce(ctx context.Context) error {
	defer s.close()
	return s.syncOnce(ctx)
}

func (s *Server) syncOnce(ctx context.Context) error {
	summary, err := s.services.SyncManager.SyncAll(ctx)
	for _, result := range summary.Results {
		switch {
		case result.Err != nil:
			s.log.Warnf("Configuration %s failed: %v", result.ConfigurationID, result.Err)
		case result.Skipped:
			s.log.Infof("Configuration %s skipped: %s", result.ConfigurationID, result.SkipReason)
		default:
			s.log.Infof("Configuration %s: %d fetched, %d new, %d archived, watermark %d",
				result.ConfigurationID, result.Fetched, result.Inserted, result.Archived, result.Watermark)
		}
	}
	s.log.Infof("Sync batch done: %d configuration(s), %d succeeded, %d failed, %d skipped, %d new message(s)",
		summary.Configurations, summary.Succeeded, summary.Failed, summary.Skipped, summary.Inserted)
	if err != nil {
		return fmt.Errorf("sync batch interrupted: %w", err)
	}
	return nil
}

// ArchiveBacklog moves already-imported messages of one configuration into its archive folder.
func (s *Server) ArchiveBacklog(ctx context.Context, configurationID string) error {
	defer s.close()

	moved, err := s.services.SyncManager.ArchiveBacklog(ctx, configurationID)
	if err != nil {
		return fmt.Errorf("archive backlog of %s: %w", configurationID, err)
	}
	s.log.Infof("Archived %d message(s) for configuration %s", moved, configurationID)
	return nil
}

// MigrateCredentials re-encrypts every legacy stored password in the current format.
func (s *Server) MigrateCredentials(ctx context.Context) error {
	defer s.close()

	report, err := credentials.MigrateAll(ctx, s.repositories.MailboxConfigurationRepository, s.services.Codec, s.log)
	s.log.Infof("Credential migration: %d scanned, %d migrated, %d failed", report.Scanned, report.Migrated, report.Failed)
	return err
}
