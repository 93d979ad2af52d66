package inmemory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/models"
)

func TestInsertIfAbsent_ConcurrentDuplicate(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()

	const callers = 16
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := repos.EmailInboxRepository.InsertIfAbsent(ctx, "user-1", &models.EmailInbox{
				MessageID:       "abc@example.com",
				ConfigurationID: "mbox_1",
				UID:             7,
			})
			assert.NoError(t, err)
			results <- inserted
		}()
	}
	wg.Wait()
	close(results)

	insertedCount := 0
	for inserted := range results {
		if inserted {
			insertedCount++
		}
	}
	assert.Equal(t, 1, insertedCount)
}

func TestInsertIfAbsent_SameMessageDifferentUsers(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()

	first, err := repos.EmailInboxRepository.InsertIfAbsent(ctx, "user-1", &models.EmailInbox{MessageID: "m1"})
	require.NoError(t, err)
	second, err := repos.EmailInboxRepository.InsertIfAbsent(ctx, "user-2", &models.EmailInbox{MessageID: "m1"})
	require.NoError(t, err)

	assert.True(t, first)
	assert.True(t, second)
}

func TestSetWatermark_Monotonic(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	cfg := &models.MailboxConfiguration{UserID: "user-1", IsActive: true}
	require.NoError(t, repos.MailboxConfigurationRepository.Create(ctx, cfg))

	require.NoError(t, repos.MailboxConfigurationRepository.SetWatermark(ctx, cfg.ID, 10))
	err := repos.MailboxConfigurationRepository.SetWatermark(ctx, cfg.ID, 5)
	assert.ErrorIs(t, err, mailsyncerrors.ErrStaleWatermark)

	require.NoError(t, repos.MailboxConfigurationRepository.SetWatermark(ctx, cfg.ID, 12))
	watermark, err := repos.MailboxConfigurationRepository.GetWatermark(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), watermark)

	_, err = repos.MailboxConfigurationRepository.GetWatermark(ctx, "missing")
	assert.ErrorIs(t, err, mailsyncerrors.ErrConfigurationNotFound)
}

func TestClaimPending_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	request, err := repos.SyncRequestRepository.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	const claimers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var received []*models.SyncRequest
	empty := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := repos.SyncRequestRepository.ClaimPending(ctx, 1, fmt.Sprintf("token-%d", i))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if len(claimed) == 0 {
				empty++
			}
			received = append(received, claimed...)
		}(i)
	}
	wg.Wait()

	require.Len(t, received, 1)
	assert.Equal(t, request.ID, received[0].ID)
	assert.Equal(t, enum.SyncRequestProcessing, received[0].Status)
	assert.Equal(t, claimers-1, empty)
}

func TestClaimPending_OrderedByRequestTime(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repos := store.Repositories()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.PutSyncRequest(&models.SyncRequest{ID: "late", UserID: "u", Status: enum.SyncRequestPending, RequestedAt: base.Add(time.Minute)})
	store.PutSyncRequest(&models.SyncRequest{ID: "early", UserID: "u", Status: enum.SyncRequestPending, RequestedAt: base})
	store.PutSyncRequest(&models.SyncRequest{ID: "done", UserID: "u", Status: enum.SyncRequestCompleted, RequestedAt: base.Add(-time.Hour)})

	claimed, err := repos.SyncRequestRepository.ClaimPending(ctx, 1, "t1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "early", claimed[0].ID)

	claimed, err = repos.SyncRequestRepository.ClaimPending(ctx, 5, "t2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "late", claimed[0].ID)
}

func TestTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	request, err := repos.SyncRequestRepository.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, repos.SyncRequestRepository.Complete(ctx, request.ID, models.SyncRequestResult{Success: true, EmailsProcessed: 3}))

	err = repos.SyncRequestRepository.Fail(ctx, request.ID, "late failure")
	assert.ErrorIs(t, err, mailsyncerrors.ErrSyncRequestTerminal)
	err = repos.SyncRequestRepository.Complete(ctx, request.ID, models.SyncRequestResult{Success: true})
	assert.ErrorIs(t, err, mailsyncerrors.ErrSyncRequestTerminal)

	stored, err := repos.SyncRequestRepository.GetByID(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.SyncRequestCompleted, stored.Status)
	assert.Equal(t, 3, stored.Result.EmailsProcessed)

	err = repos.SyncRequestRepository.Fail(ctx, "missing", "x")
	assert.ErrorIs(t, err, mailsyncerrors.ErrSyncRequestNotFound)
}

func TestPurgeOlderThan_KeepsRecentAndActive(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repos := store.Repositories()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	old := now.AddDate(0, 0, -8)
	recent := now.AddDate(0, 0, -1)

	store.PutSyncRequest(&models.SyncRequest{ID: "old-done", Status: enum.SyncRequestCompleted, RequestedAt: old, ProcessedAt: &old})
	store.PutSyncRequest(&models.SyncRequest{ID: "old-failed", Status: enum.SyncRequestFailed, RequestedAt: old, ProcessedAt: &old})
	store.PutSyncRequest(&models.SyncRequest{ID: "old-pending", Status: enum.SyncRequestPending, RequestedAt: old})
	store.PutSyncRequest(&models.SyncRequest{ID: "recent-done", Status: enum.SyncRequestCompleted, RequestedAt: recent, ProcessedAt: &recent})

	deleted, err := repos.SyncRequestRepository.PurgeOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = repos.SyncRequestRepository.GetByID(ctx, "old-pending")
	assert.NoError(t, err)
	_, err = repos.SyncRequestRepository.GetByID(ctx, "recent-done")
	assert.NoError(t, err)
	_, err = repos.SyncRequestRepository.GetByID(ctx, "old-done")
	assert.ErrorIs(t, err, mailsyncerrors.ErrSyncRequestNotFound)
}

func TestSyncLease_ExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repos := store.Repositories()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	cfg := &models.MailboxConfiguration{UserID: "user-1", IsActive: true}
	require.NoError(t, repos.MailboxConfigurationRepository.Create(ctx, cfg))

	acquired, err := repos.MailboxConfigurationRepository.AcquireSyncLease(ctx, cfg.ID, "runner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = repos.MailboxConfigurationRepository.AcquireSyncLease(ctx, cfg.ID, "runner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	now = now.Add(2 * time.Minute)
	acquired, err = repos.MailboxConfigurationRepository.AcquireSyncLease(ctx, cfg.ID, "runner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// a stale holder cannot release someone else's lease
	require.NoError(t, repos.MailboxConfigurationRepository.ReleaseSyncLease(ctx, cfg.ID, "runner-a", enum.SyncStatusIdle, ""))
	assert.Equal(t, enum.SyncStatusSyncing, store.Configuration(cfg.ID).SyncStatus)

	require.NoError(t, repos.MailboxConfigurationRepository.ReleaseSyncLease(ctx, cfg.ID, "runner-b", enum.SyncStatusError, "boom"))
	stored := store.Configuration(cfg.ID)
	assert.Equal(t, enum.SyncStatusError, stored.SyncStatus)
	assert.Equal(t, "boom", stored.LastError)
	assert.NotNil(t, stored.LastSyncedAt)
}

func TestSyncLease_RenewOnlyByLiveHolder(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	repos := store.Repositories()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	cfg := &models.MailboxConfiguration{UserID: "user-1", IsActive: true}
	require.NoError(t, repos.MailboxConfigurationRepository.Create(ctx, cfg))

	acquired, err := repos.MailboxConfigurationRepository.AcquireSyncLease(ctx, cfg.ID, "runner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	now = now.Add(50 * time.Second)
	renewed, err := repos.MailboxConfigurationRepository.RenewSyncLease(ctx, cfg.ID, "runner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, now.Add(time.Minute), *store.Configuration(cfg.ID).LeaseExpiresAt)

	renewed, err = repos.MailboxConfigurationRepository.RenewSyncLease(ctx, cfg.ID, "runner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	now = now.Add(2 * time.Minute)
	renewed, err = repos.MailboxConfigurationRepository.RenewSyncLease(ctx, cfg.ID, "runner-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestMarkArchived(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	for i, id := range []string{"a", "b", "c"} {
		_, err := repos.EmailInboxRepository.InsertIfAbsent(ctx, "user-1", &models.EmailInbox{MessageID: id, ConfigurationID: "mbox_1", UID: uint32(i + 1)})
		require.NoError(t, err)
	}

	count, err := repos.EmailInboxRepository.MarkArchived(ctx, []string{"a", "c", "missing"}, "user-1", "Processed/Trades")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	remaining, err := repos.EmailInboxRepository.ListNotArchived(ctx, "mbox_1", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].MessageID)
}
