package sync_monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"
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
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/internal/utils"
)

type Dependencies struct {
	Config         *config.MonitorConfig
	Log            logger.Logger
	Queue          interfaces.SyncRequestQueue
	Configurations interfaces.MailboxConfigurationRepository
	Requests       interfaces.SyncRequestRepository
	SyncManager    interfaces.SyncManager
	// optional
	Publisher interfaces.EventPublisher
}

// Monitor polls the sync request queue and runs the requesting user's
// configurations through the sync manager.
type Monitor struct {
	cfg            *config.MonitorConfig
	log            logger.Logger
	queue          interfaces.SyncRequestQueue
	configurations interfaces.MailboxConfigurationRepository
	requests       interfaces.SyncRequestRepository
	manager        interfaces.SyncManager
	publisher      interfaces.EventPublisher

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	done        chan struct{}
	staleWarned map[string]struct{}
}

func NewMonitor(deps Dependencies) *Monitor {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.MonitorConfig{PollInterval: 10 * time.Second, ClaimBatchSize: 5, StaleAfter: 5 * time.Minute}
	}
	return &Monitor{
		cfg:            cfg,
		log:            deps.Log,
		queue:          deps.Queue,
		configurations: deps.Configurations,
		requests:       deps.Requests,
		manager:        deps.SyncManager,
		publisher:      deps.Publisher,
		staleWarned:    make(map[string]struct{}),
	}
}

// Start launches the poll loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(ctx, m.stop, m.done)
	m.log.Infof("Sync request monitor started, polling every %v", m.cfg.PollInterval)
}

// Stop stops polling and waits for the in-flight batch to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info("Sync request monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// claimed work is drained even when ctx is cancelled
	workCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.safePoll(workCtx)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) safePoll(ctx context.Context) {
	defer tracing.RecoverAndLogToJaeger(m.log)

	if _, err := m.PollOnce(ctx); err != nil {
		m.log.Errorf("Sync request poll failed: %v", err)
	}
}

// PollOnce claims one batch and processes every claimed request. It returns the number processed.
func (m *Monitor) PollOnce(ctx context.Context) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncMonitor.PollOnce")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagComponentMonitor(span)

	m.warnStale(ctx)

	requests, err := m.queue.Claim(ctx, m.cfg.ClaimBatchSize)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	for _, request := range requests {
		m.ProcessRequest(ctx, request)
	}
	span.LogKV("processed", len(requests))
	return len(requests), nil
}

// ProcessRequest runs a claimed request to a terminal state. Per-configuration
// failures are collected; the request fails only when every configuration failed.
func (m *Monitor) ProcessRequest(ctx context.Context, request *models.SyncRequest) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncMonitor.ProcessRequest")
	defer span.Finish()
	tracing.TagSyncRequest(span, request.ID)
	tracing.TagUser(span, request.UserID)
	ctx = utils.WithCustomContext(ctx, &utils.CustomContext{AppSource: "sync-monitor", UserId: request.UserID})

	m.log.Infof("Processing sync request %s for user %s", request.ID, request.UserID)

	configurations, err := m.configurations.ListActiveByUser(ctx, request.UserID)
	if err != nil {
		tracing.TraceErr(span, err)
		m.fail(ctx, request, fmt.Sprintf("failed to load mailbox configurations: %v", err))
		return
	}
	if len(configurations) == 0 {
		m.fail(ctx, request, mailsyncerrors.ErrNoActiveConfigurations.Error())
		return
	}

	inserted, succeeded, skipped := 0, 0, 0
	var errs, skipReasons []string
	for _, configuration := range configurations {
		result := m.manager.SyncConfiguration(ctx, configuration)
		inserted += result.Inserted
		switch {
		case result.Err != nil:
			errs = append(errs, result.Err.Error())
		case result.Skipped:
			skipped++
			if !slices.Contains(skipReasons, result.SkipReason) {
				skipReasons = append(skipReasons, result.SkipReason)
			}
		default:
			succeeded++
		}
	}

	// skipped runs are not failures, but a request with nothing synced and errors fails
	if succeeded == 0 && len(errs) > 0 {
		m.fail(ctx, request, strings.Join(errs, "; "))
		return
	}

	message := fmt.Sprintf("Synced %d of %d mailbox configuration(s), %d new message(s)", succeeded, len(configurations), inserted)
	if skipped > 0 {
		message += fmt.Sprintf(", %d skipped, %s", skipped, strings.Join(skipReasons, ", "))
	}
	result := models.SyncRequestResult{
		Success:         true,
		Message:         message,
		Error:           strings.Join(errs, "; "),
		EmailsProcessed: inserted,
	}
	if err := m.queue.Complete(ctx, request.ID, result); err != nil {
		tracing.TraceErr(span, err)
		m.log.Errorf("Failed to complete sync request %s: %v", request.ID, err)
		return
	}
	m.log.Infof("Sync request %s completed: %s", request.ID, result.Message)
	m.publishFinished(ctx, request, enum.SyncRequestCompleted, inserted, result.Error)
}

func (m *Monitor) fail(ctx context.Context, request *models.SyncRequest, errMessage string) {
	if err := m.queue.Fail(ctx, request.ID, errMessage); err != nil {
		m.log.Errorf("Failed to mark sync request %s as failed: %v", request.ID, err)
		return
	}
	m.log.Warnf("Sync request %s failed: %s", request.ID, errMessage)
	m.publishFinished(ctx, request, enum.SyncRequestFailed, 0, errMessage)
}

func (m *Monitor) publishFinished(ctx context.Context, request *models.SyncRequest, status enum.SyncRequestStatus, emailsProcessed int, errMessage string) {
	if m.publisher == nil {
		return
	}
	err := m.publisher.PublishSyncRequestFinished(ctx, dto.SyncRequestFinished{
		SyncRequestID:   request.ID,
		UserID:          request.UserID,
		Status:          status,
		EmailsProcessed: emailsProcessed,
		Error:           errMessage,
	})
	if err != nil {
		m.log.Warnf("Failed to publish SyncRequestFinished for %s: %v", request.ID, err)
	}
}

// warnStale reports requests stuck in processing. They are not requeued.
func (m *Monitor) warnStale(ctx context.Context) {
	if m.requests == nil || m.cfg.StaleAfter <= 0 {
		return
	}
	stale, err := m.requests.ListStaleProcessing(ctx, m.cfg.StaleAfter)
	if err != nil {
		m.log.Warnf("Failed to check for stale sync requests: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[string]struct{}, len(stale))
	for _, request := range stale {
		current[request.ID] = struct{}{}
	}
	for id := range m.staleWarned {
		if _, ok := current[id]; !ok {
			delete(m.staleWarned, id)
		}
	}
	for _, request := range stale {
		if _, seen := m.staleWarned[request.ID]; seen {
			continue
		}
		m.staleWarned[request.ID] = struct{}{}
		m.log.Warnf("Sync request %s for user %s has been processing since %v", request.ID, request.UserID, request.ClaimedAt)
	}
}
