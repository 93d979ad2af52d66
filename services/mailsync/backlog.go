package mailsync

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"

	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/tracing"
)

// ArchiveBacklog moves already imported but not yet archived messages of one
// configuration into its archive folder. It returns the number of messages moved.
func (s *SyncManager) ArchiveBacklog(ctx context.Context, configurationID string) (moved int, err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncManager.ArchiveBacklog")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagConfiguration(span, configurationID)

	configuration, err := s.repos.MailboxConfigurationRepository.GetByID(ctx, configurationID)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	if configuration == nil {
		return 0, mailsyncerrors.ErrConfigurationNotFound
	}
	if configuration.ArchiveFolder == "" {
		return 0, fmt.Errorf("%w: configuration %s has no archive folder", mailsyncerrors.ErrInvalidFolder, configurationID)
	}

	lease, acquired, err := s.acquireLease(ctx, configurationID)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	if !acquired {
		return 0, mailsyncerrors.ErrSyncInProgress
	}
	defer func() {
		var runErr error
		if err != nil {
			runErr = mailsyncerrors.NewSyncError(configurationID, mailsyncerrors.StepArchive, err)
		}
		lease.release(ctx, runErr)
	}()

	client, err := s.connect(ctx, configuration)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	defer client.Disconnect()

	for {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if err := lease.renew(ctx); err != nil {
			tracing.TraceErr(span, err)
			return moved, err
		}
		records, err := s.repos.EmailInboxRepository.ListNotArchived(ctx, configurationID, backlogBatchSize)
		if err != nil {
			tracing.TraceErr(span, err)
			return moved, err
		}
		if len(records) == 0 {
			break
		}

		uids := make([]uint32, 0, len(records))
		messageIDs := make([]string, 0, len(records))
		for _, record := range records {
			uids = append(uids, record.UID)
			messageIDs = append(messageIDs, record.MessageID)
		}

		count, err := client.MoveMessages(ctx, uids, configuration.ArchiveFolder)
		if err != nil {
			tracing.TraceErr(span, err)
			return moved, err
		}
		moved += count

		// records whose uid is gone from INBOX are flagged too, or the loop never ends
		marked, err := s.repos.EmailInboxRepository.MarkArchived(ctx, messageIDs, configuration.UserID, configuration.ArchiveFolder)
		if err != nil {
			tracing.TraceErr(span, err)
			return moved, err
		}
		if marked == 0 {
			break
		}
	}

	span.LogKV("moved", moved)
	s.log.Infof("[%s] Archived %d backlog message(s) into %s", configurationID, moved, configuration.ArchiveFolder)
	return moved, nil
}
