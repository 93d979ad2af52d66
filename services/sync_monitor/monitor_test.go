package sync_monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/dto"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/repository/inmemory"
	"github.com/customeros/mailsync/services/sync_requests"
)

type mockSyncManager struct {
	mock.Mock
}

func (m *mockSyncManager) SyncConfiguration(ctx context.Context, configuration *models.MailboxConfiguration) interfaces.SyncResult {
	return m.Called(ctx, configuration).Get(0).(interfaces.SyncResult)
}

func (m *mockSyncManager) SyncAll(ctx context.Context) (interfaces.BatchSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.BatchSummary), args.Error(1)
}

func (m *mockSyncManager) ArchiveBacklog(ctx context.Context, configurationID string) (int, error) {
	args := m.Called(ctx, configurationID)
	return args.Int(0), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishEmailImported(ctx context.Context, event dto.EmailImported) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) PublishSyncRequestFinished(ctx context.Context, event dto.SyncRequestFinished) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) Close() error { return nil }

type fixture struct {
	store     *inmemory.Store
	queue     *sync_requests.Queue
	manager   *mockSyncManager
	publisher *mockPublisher
	monitor   *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewAppLogger(nil)
	log.InitLogger()

	store := inmemory.NewStore()
	repos := store.Repositories()
	f := &fixture{
		store:     store,
		queue:     sync_requests.NewQueue(repos.SyncRequestRepository, log),
		manager:   new(mockSyncManager),
		publisher: new(mockPublisher),
	}
	f.monitor = NewMonitor(Dependencies{
		Config:         &config.MonitorConfig{PollInterval: 10 * time.Millisecond, ClaimBatchSize: 5, StaleAfter: time.Minute},
		Log:            log,
		Queue:          f.queue,
		Configurations: repos.MailboxConfigurationRepository,
		Requests:       repos.SyncRequestRepository,
		SyncManager:    f.manager,
		Publisher:      f.publisher,
	})
	f.publisher.On("PublishSyncRequestFinished", mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *fixture) addConfiguration(t *testing.T, userID string, createdAt time.Time) *models.MailboxConfiguration {
	t.Helper()
	c := &models.MailboxConfiguration{UserID: userID, EmailAddress: userID + "@example.com", IsActive: true, CreatedAt: createdAt}
	require.NoError(t, f.store.Repositories().MailboxConfigurationRepository.Create(context.Background(), c))
	return c
}

func (f *fixture) request(t *testing.T, id string) *models.SyncRequest {
	t.Helper()
	r, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestProcessRequest_ManualSyncRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := f.addConfiguration(t, "user-1", base)
	second := f.addConfiguration(t, "user-1", base.Add(time.Minute))
	f.addConfiguration(t, "user-2", base)

	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	var observed enum.SyncRequestStatus
	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == first.ID })).
		Run(func(mock.Arguments) { observed = f.request(t, request.ID).Status }).
		Return(interfaces.SyncResult{ConfigurationID: first.ID, Inserted: 3}).Once()
	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == second.ID })).
		Return(interfaces.SyncResult{ConfigurationID: second.ID, Inserted: 2}).Once()

	processed, err := f.monitor.PollOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, enum.SyncRequestProcessing, observed)
	f.manager.AssertExpectations(t)

	stored := f.request(t, request.ID)
	assert.Equal(t, enum.SyncRequestCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.Success)
	assert.Equal(t, 5, stored.Result.EmailsProcessed)
	assert.Empty(t, stored.Result.Error)

	f.publisher.AssertCalled(t, "PublishSyncRequestFinished", mock.Anything, mock.MatchedBy(func(e dto.SyncRequestFinished) bool {
		return e.SyncRequestID == request.ID && e.Status == enum.SyncRequestCompleted && e.EmailsProcessed == 5
	}))
}

func TestProcessRequest_NoActiveConfigurations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request, err := f.queue.Enqueue(ctx, "user-without-mailbox")
	require.NoError(t, err)

	_, err = f.monitor.PollOnce(ctx)
	require.NoError(t, err)

	stored := f.request(t, request.ID)
	assert.Equal(t, enum.SyncRequestFailed, stored.Status)
	assert.False(t, stored.Result.Success)
	assert.Contains(t, stored.Result.Error, "no active")
	f.manager.AssertNotCalled(t, "SyncConfiguration", mock.Anything, mock.Anything)
}

func TestProcessRequest_AllConfigurationsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.addConfiguration(t, "user-1", base)
	f.addConfiguration(t, "user-1", base.Add(time.Minute))
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	f.manager.On("SyncConfiguration", mock.Anything, mock.Anything).
		Return(interfaces.SyncResult{Err: mailsyncerrors.NewSyncError("cfg", mailsyncerrors.StepConnect, mailsyncerrors.ErrAuth)}).Twice()

	_, err = f.monitor.PollOnce(ctx)
	require.NoError(t, err)

	stored := f.request(t, request.ID)
	assert.Equal(t, enum.SyncRequestFailed, stored.Status)
	assert.Contains(t, stored.Result.Error, "authentication failed")
	assert.Contains(t, stored.Result.Error, "; ")
}

func TestProcessRequest_PartialSuccessCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := f.addConfiguration(t, "user-1", base)
	bad := f.addConfiguration(t, "user-1", base.Add(time.Minute))
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == good.ID })).
		Return(interfaces.SyncResult{Inserted: 4})
	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == bad.ID })).
		Return(interfaces.SyncResult{Err: errors.New("mailbox connection timeout")})

	_, err = f.monitor.PollOnce(ctx)
	require.NoError(t, err)

	stored := f.request(t, request.ID)
	assert.Equal(t, enum.SyncRequestCompleted, stored.Status)
	assert.True(t, stored.Result.Success)
	assert.Equal(t, 4, stored.Result.EmailsProcessed)
	assert.Contains(t, stored.Result.Error, "timeout")
	assert.Contains(t, stored.Result.Message, "1 of 2")
}

func TestProcessRequest_SkippedConfigurationReportedSeparately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	configuration := f.addConfiguration(t, "user-1", time.Now())
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == configuration.ID })).
		Return(interfaces.SyncResult{ConfigurationID: configuration.ID, Skipped: true, SkipReason: "sync already in progress"})

	_, err = f.monitor.PollOnce(ctx)
	require.NoError(t, err)

	stored := f.request(t, request.ID)
	assert.Equal(t, enum.SyncRequestCompleted, stored.Status)
	assert.Equal(t, "Synced 0 of 1 mailbox configuration(s), 0 new message(s), 1 skipped, sync already in progress", stored.Result.Message)
	assert.Empty(t, stored.Result.Error)
}

func TestProcessRequest_SkipAndFailureFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	busy := f.addConfiguration(t, "user-1", base)
	broken := f.addConfiguration(t, "user-1", base.Add(time.Minute))
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == busy.ID })).
		Return(interfaces.SyncResult{Skipped: true, SkipReason: "sync already in progress"})
	f.manager.On("SyncConfiguration", mock.Anything, mock.MatchedBy(func(c *models.MailboxConfiguration) bool { return c.ID == broken.ID })).
		Return(interfaces.SyncResult{Err: errors.New("mailbox authentication failed")})

	_, err = f.monitor.PollOnce(ctx)
	require.NoError(t, err)

	stored := f.request(t, request.ID)
	assert.Equal(t, enum.SyncRequestFailed, stored.Status)
	assert.Contains(t, stored.Result.Error, "authentication failed")
}

func TestPollOnce_RequestProcessedOnceAcrossMonitors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addConfiguration(t, "user-1", time.Now())
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	f.manager.On("SyncConfiguration", mock.Anything, mock.Anything).Return(interfaces.SyncResult{Inserted: 1})

	other := NewMonitor(Dependencies{
		Config:         f.monitor.cfg,
		Log:            f.monitor.log,
		Queue:          f.queue,
		Configurations: f.store.Repositories().MailboxConfigurationRepository,
		SyncManager:    f.manager,
	})

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, m := range []*Monitor{f.monitor, other} {
		wg.Add(1)
		go func(i int, m *Monitor) {
			defer wg.Done()
			n, err := m.PollOnce(ctx)
			assert.NoError(t, err)
			counts[i] = n
		}(i, m)
	}
	wg.Wait()

	assert.Equal(t, 1, counts[0]+counts[1])
	f.manager.AssertNumberOfCalls(t, "SyncConfiguration", 1)
	assert.Equal(t, enum.SyncRequestCompleted, f.request(t, request.ID).Status)
}

func TestStop_DrainsInFlightRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.addConfiguration(t, "user-1", time.Now())
	request, err := f.queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	f.manager.On("SyncConfiguration", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(interfaces.SyncResult{Inserted: 1}).Once()

	f.monitor.Start(ctx)
	<-started

	stopped := make(chan struct{})
	go func() {
		f.monitor.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight request finished")
	case <-time.After(30 * time.Millisecond):
	}

	// cancelling the parent context must not abort the drained work
	cancel()
	close(release)
	<-stopped

	assert.Equal(t, enum.SyncRequestCompleted, f.request(t, request.ID).Status)
}

func TestStop_IsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.monitor.Stop()
	f.monitor.Start(context.Background())
	f.monitor.Start(context.Background())
	f.monitor.Stop()
	f.monitor.Stop()
}

func TestPollOnce_WarnsAboutStaleRequestsWithoutRequeue(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.store.SetClock(func() time.Time { return now })
	claimedAt := now.Add(-10 * time.Minute)
	f.store.PutSyncRequest(&models.SyncRequest{
		ID:          "stuck",
		UserID:      "user-1",
		Status:      enum.SyncRequestProcessing,
		RequestedAt: claimedAt,
		ClaimedAt:   &claimedAt,
	})

	processed, err := f.monitor.PollOnce(context.Background())

	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Contains(t, f.monitor.staleWarned, "stuck")
	assert.Equal(t, enum.SyncRequestProcessing, f.request(t, "stuck").Status)
}

func TestPollOnce_ForgetsStaleRequestsOnceFinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.store.SetClock(func() time.Time { return now })
	claimedAt := now.Add(-10 * time.Minute)
	f.store.PutSyncRequest(&models.SyncRequest{
		ID:          "stuck",
		UserID:      "user-1",
		Status:      enum.SyncRequestProcessing,
		RequestedAt: claimedAt,
		ClaimedAt:   &claimedAt,
	})

	_, err := f.monitor.PollOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, f.monitor.staleWarned, "stuck")

	require.NoError(t, f.queue.Complete(ctx, "stuck", models.SyncRequestResult{Message: "late finish"}))
	_, err = f.monitor.PollOnce(ctx)
	require.NoError(t, err)

	assert.NotContains(t, f.monitor.staleWarned, "stuck")
}
