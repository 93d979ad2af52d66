package mailsync

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/dto"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/repository"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/internal/utils"
	"github.com/customeros/mailsync/services/storage"
)

const (
	SkipReasonInactive   = "inactive"
	SkipReasonLeaseTaken = "sync already in progress"

	backlogBatchSize = 100
)

type Dependencies struct {
	SyncConfig    *config.SyncConfig
	ImapConfig    *config.ImapConfig
	Log           logger.Logger
	Repositories  *repository.Repositories
	Codec         interfaces.CredentialCodec
	ClientFactory interfaces.MailboxClientFactory
	// optional
	Publisher interfaces.EventPublisher
	Storage   interfaces.StorageService
}

// SyncManager imports new messages from every active mailbox configuration.
// Concurrent runs of one configuration are excluded by the store lease, not in process.
type SyncManager struct {
	cfg       *config.SyncConfig
	imapCfg   *config.ImapConfig
	log       logger.Logger
	repos     *repository.Repositories
	codec     interfaces.CredentialCodec
	newClient interfaces.MailboxClientFactory
	publisher interfaces.EventPublisher
	storage   interfaces.StorageService

	mu          sync.RWMutex
	lastSummary *interfaces.BatchSummary
	lastRunAt   time.Time
}

func NewSyncManager(deps Dependencies) *SyncManager {
	syncCfg := deps.SyncConfig
	if syncCfg == nil {
		syncCfg = &config.SyncConfig{MaxMessagesPerRun: 50, DelayBetweenConfigurations: 2 * time.Second, LeaseTTL: 10 * time.Minute}
	}
	imapCfg := deps.ImapConfig
	if imapCfg == nil {
		imapCfg = &config.ImapConfig{DefaultHost: "imap.gmail.com", DefaultPort: 993, DefaultSecure: true}
	}
	return &SyncManager{
		cfg:       syncCfg,
		imapCfg:   imapCfg,
		log:       deps.Log,
		repos:     deps.Repositories,
		codec:     deps.Codec,
		newClient: deps.ClientFactory,
		publisher: deps.Publisher,
		storage:   deps.Storage,
	}
}

// LastSummary returns the most recent SyncAll result, if any.
func (s *SyncManager) LastSummary() (interfaces.BatchSummary, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSummary == nil {
		return interfaces.BatchSummary{}, time.Time{}, false
	}
	return *s.lastSummary, s.lastRunAt, true
}

// SyncAll runs every active configuration one at a time. A failing configuration
// never fails the batch; only listing configurations or cancellation does.
func (s *SyncManager) SyncAll(ctx context.Context) (interfaces.BatchSummary, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncManager.SyncAll")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	summary := interfaces.BatchSummary{}

	configurations, err := s.repos.MailboxConfigurationRepository.ListActive(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return summary, fmt.Errorf("failed to list active configurations: %w", err)
	}
	summary.Configurations = len(configurations)
	s.log.Infof("Starting sync of %d mailbox configuration(s)", len(configurations))

	for i, configuration := range configurations {
		if i > 0 && s.cfg.DelayBetweenConfigurations > 0 {
			select {
			case <-ctx.Done():
				s.recordSummary(summary)
				return summary, ctx.Err()
			case <-time.After(s.cfg.DelayBetweenConfigurations):
			}
		}
		if err := ctx.Err(); err != nil {
			s.recordSummary(summary)
			return summary, err
		}

		result := s.SyncConfiguration(ctx, configuration)
		summary.Results = append(summary.Results, result)
		summary.Inserted += result.Inserted
		switch {
		case result.Skipped:
			summary.Skipped++
		case result.Err != nil:
			summary.Failed++
		default:
			summary.Succeeded++
		}
	}

	span.LogKV("succeeded", summary.Succeeded, "failed", summary.Failed, "skipped", summary.Skipped, "inserted", summary.Inserted)
	s.log.Infof("Sync finished: %d succeeded, %d failed, %d skipped, %d new message(s)",
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Inserted)
	s.recordSummary(summary)
	return summary, nil
}

func (s *SyncManager) recordSummary(summary interfaces.BatchSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSummary = &summary
	s.lastRunAt = utils.Now()
}

type importedMessage struct {
	uid       uint32
	messageID string
}

// SyncConfiguration performs one run for a single configuration. Errors are
// returned in the result and recorded on the configuration, never panicked.
func (s *SyncManager) SyncConfiguration(ctx context.Context, configuration *models.MailboxConfiguration) (result interfaces.SyncResult) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncManager.SyncConfiguration")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagConfiguration(span, configuration.ID)
	tracing.TagUser(span, configuration.UserID)

	result.ConfigurationID = configuration.ID

	if !configuration.IsActive {
		result.Skipped, result.SkipReason = true, SkipReasonInactive
		return result
	}

	lease, acquired, err := s.acquireLease(ctx, configuration.ID)
	if err != nil {
		result.Err = s.syncError(span, configuration.ID, mailsyncerrors.StepLock, err)
		return result
	}
	if !acquired {
		s.log.Infof("[%s] Skipping, %s", configuration.ID, SkipReasonLeaseTaken)
		result.Skipped, result.SkipReason = true, SkipReasonLeaseTaken
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = s.syncError(span, configuration.ID, mailsyncerrors.StepFetch, fmt.Errorf("panic: %v", r))
		}
		lease.release(ctx, result.Err)
	}()

	result = s.run(ctx, span, configuration, lease)
	return result
}

// syncLease is one acquisition of a configuration's lease, with its own holder token.
type syncLease struct {
	s               *SyncManager
	configurationID string
	holder          string
	renewedAt       time.Time
}

func (s *SyncManager) acquireLease(ctx context.Context, configurationID string) (*syncLease, bool, error) {
	lease := &syncLease{s: s, configurationID: configurationID, holder: utils.GenerateUUID(), renewedAt: utils.Now()}
	acquired, err := s.repos.MailboxConfigurationRepository.AcquireSyncLease(ctx, configurationID, lease.holder, s.cfg.LeaseTTL)
	if err != nil || !acquired {
		return nil, false, err
	}
	return lease, true, nil
}

// renewIfDue extends the lease once half of its TTL has passed.
func (l *syncLease) renewIfDue(ctx context.Context) error {
	if utils.Now().Sub(l.renewedAt) < l.s.cfg.LeaseTTL/2 {
		return nil
	}
	return l.renew(ctx)
}

// renew extends the lease, failing with ErrLeaseLost when it expired or changed hands.
func (l *syncLease) renew(ctx context.Context) error {
	renewed, err := l.s.repos.MailboxConfigurationRepository.RenewSyncLease(ctx, l.configurationID, l.holder, l.s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !renewed {
		return mailsyncerrors.ErrLeaseLost
	}
	l.renewedAt = utils.Now()
	return nil
}

func (l *syncLease) release(ctx context.Context, runErr error) {
	status, lastError := enum.SyncStatusIdle, ""
	if runErr != nil {
		status, lastError = enum.SyncStatusError, runErr.Error()
	}
	err := l.s.repos.MailboxConfigurationRepository.ReleaseSyncLease(context.WithoutCancel(ctx), l.configurationID, l.holder, status, lastError)
	if err != nil {
		l.s.log.Errorf("[%s] Failed to release sync lease: %v", l.configurationID, err)
	}
}

func (s *SyncManager) run(ctx context.Context, span opentracing.Span, configuration *models.MailboxConfiguration, lease *syncLease) interfaces.SyncResult {
	result := interfaces.SyncResult{ConfigurationID: configuration.ID}
	configurationRepo := s.repos.MailboxConfigurationRepository

	client, err := s.connect(ctx, configuration)
	if err != nil {
		result.Err = s.syncError(span, configuration.ID, stepOf(err), err)
		return result
	}
	defer client.Disconnect()

	watermark, err := configurationRepo.GetWatermark(ctx, configuration.ID)
	if err != nil {
		result.Err = s.syncError(span, configuration.ID, mailsyncerrors.StepLoad, err)
		return result
	}
	result.Watermark = watermark

	stream, err := client.FetchSince(ctx, watermark, s.cfg.MaxMessagesPerRun)
	if err != nil {
		result.Err = s.syncError(span, configuration.ID, mailsyncerrors.StepFetch, err)
		return result
	}
	defer stream.Close()

	var runErrs []error
	highest := watermark
	storeFailed := false
	leaseLost := false
	var imported []importedMessage

	for stream.Next() {
		if err := lease.renewIfDue(ctx); err != nil {
			runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepLock, err))
			leaseLost = true
			break
		}
		msg := stream.Message()
		result.Fetched++

		record := buildEmailRecord(configuration, msg)
		record.RawObjectKey = s.uploadRaw(ctx, configuration, record, msg.Raw)

		inserted, err := s.repos.EmailInboxRepository.InsertIfAbsent(ctx, configuration.UserID, record)
		if err != nil {
			runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepStore, err))
			storeFailed = true
			break
		}
		if msg.UID > highest {
			highest = msg.UID
		}
		if !inserted {
			continue
		}
		result.Inserted++
		imported = append(imported, importedMessage{uid: msg.UID, messageID: record.MessageID})
		s.publishImported(ctx, record)
	}
	if err := stream.Err(); err != nil && !storeFailed && !leaseLost {
		runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepFetch, err))
	}

	// a run that lost its lease stops touching the mailbox and the watermark
	if !leaseLost && !storeFailed && highest > watermark {
		if err := lease.renew(ctx); err != nil {
			runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepLock, err))
			leaseLost = true
		}
	}

	if !leaseLost && configuration.ArchiveFolder != "" && len(imported) > 0 {
		archived, err := s.archive(ctx, client, configuration, imported)
		result.Archived = archived
		if err != nil {
			runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepArchive, err))
		}
	}

	if !leaseLost && !storeFailed && highest > watermark {
		err := configurationRepo.SetWatermark(ctx, configuration.ID, highest)
		switch {
		case err == nil:
			result.Watermark = highest
		case stderrors.Is(err, mailsyncerrors.ErrStaleWatermark):
			s.log.Errorf("[%s] Rejected watermark %d: %v", configuration.ID, highest, err)
			runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepWatermark, err))
		default:
			runErrs = append(runErrs, s.syncError(span, configuration.ID, mailsyncerrors.StepWatermark, err))
		}
	}

	if len(runErrs) > 0 {
		result.Err = runErrs[0]
		for _, err := range runErrs[1:] {
			s.log.Warnf("[%s] Additional sync error: %v", configuration.ID, err)
		}
	}

	span.LogKV("fetched", result.Fetched, "inserted", result.Inserted, "archived", result.Archived, "watermark", result.Watermark)
	s.log.Infof("[%s] Fetched %d, imported %d, archived %d, watermark %d",
		configuration.ID, result.Fetched, result.Inserted, result.Archived, result.Watermark)
	return result
}

// connect decrypts the credential and opens a session. The returned client is connected.
func (s *SyncManager) connect(ctx context.Context, configuration *models.MailboxConfiguration) (interfaces.MailboxClient, error) {
	password, err := s.codec.Decrypt(configuration.EncryptedPassword)
	if err != nil {
		return nil, &stepError{step: mailsyncerrors.StepDecrypt, err: err}
	}

	conn := interfaces.MailboxConnection{
		ConfigurationID: configuration.ID,
		Host:            utils.FirstNonEmpty(configuration.Host, s.imapCfg.DefaultHost),
		Port:            configuration.Port,
		Secure:          configuration.Secure,
		Username:        configuration.EmailAddress,
		Password:        password,
	}
	if conn.Port == 0 {
		conn.Port = s.imapCfg.DefaultPort
		conn.Secure = s.imapCfg.DefaultSecure
	}

	client := s.newClient()
	if err := client.Connect(ctx, conn); err != nil {
		client.Disconnect()
		return nil, &stepError{step: mailsyncerrors.StepConnect, err: err}
	}
	return client, nil
}

func (s *SyncManager) archive(ctx context.Context, client interfaces.MailboxClient, configuration *models.MailboxConfiguration, messages []importedMessage) (int, error) {
	uids := make([]uint32, 0, len(messages))
	messageIDs := make([]string, 0, len(messages))
	for _, m := range messages {
		uids = append(uids, m.uid)
		messageIDs = append(messageIDs, m.messageID)
	}

	moved, err := client.MoveMessages(ctx, uids, configuration.ArchiveFolder)
	if err != nil {
		return 0, err
	}
	if _, err := s.repos.EmailInboxRepository.MarkArchived(ctx, messageIDs, configuration.UserID, configuration.ArchiveFolder); err != nil {
		return moved, err
	}
	return moved, nil
}

func (s *SyncManager) uploadRaw(ctx context.Context, configuration *models.MailboxConfiguration, record *models.EmailInbox, raw []byte) string {
	if s.storage == nil || len(raw) == 0 {
		return ""
	}
	key := storage.RawMessageKey(configuration.UserID, record.MessageID)
	if err := s.storage.Upload(ctx, key, raw, storage.RawMessageContentType); err != nil {
		s.log.Warnf("[%s] Failed to archive raw message uid %d: %v", configuration.ID, record.UID, err)
		return ""
	}
	return key
}

func (s *SyncManager) publishImported(ctx context.Context, record *models.EmailInbox) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishEmailImported(ctx, dto.EmailImported{
		EmailID:         record.ID,
		UserID:          record.UserID,
		ConfigurationID: record.ConfigurationID,
		MessageID:       record.MessageID,
		UID:             record.UID,
		Subject:         record.Subject,
		FromEmail:       record.FromEmail,
		ReceivedAt:      record.ReceivedAt,
		RawObjectKey:    record.RawObjectKey,
	})
	if err != nil {
		s.log.Warnf("[%s] Failed to publish EmailImported for %s: %v", record.ConfigurationID, record.MessageID, err)
	}
}

func (s *SyncManager) syncError(span opentracing.Span, configurationID string, step mailsyncerrors.SyncStep, err error) error {
	var se *stepError
	if stderrors.As(err, &se) {
		err = se.err
	}
	syncErr := mailsyncerrors.NewSyncError(configurationID, step, err)
	tracing.TraceErr(span, syncErr)
	s.log.Errorf("%v", syncErr)
	return syncErr
}

// stepError tags an error with the step it came from inside connect.
type stepError struct {
	step mailsyncerrors.SyncStep
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func stepOf(err error) mailsyncerrors.SyncStep {
	var se *stepError
	if stderrors.As(err, &se) {
		return se.step
	}
	return mailsyncerrors.StepConnect
}
