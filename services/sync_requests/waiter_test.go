package sync_requests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/models"
)

func TestWaiter_ReturnsTerminalStatus(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue()
	request, err := queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = queue.Claim(ctx, 1)
		_ = queue.Complete(ctx, request.ID, models.SyncRequestResult{EmailsProcessed: 2})
	}()

	waiter := NewWaiter(queue, 50, 10*time.Millisecond)
	stored, status, err := waiter.Wait(ctx, request.ID)

	require.NoError(t, err)
	assert.Equal(t, enum.SyncRequestCompleted, status)
	assert.Equal(t, 2, stored.Result.EmailsProcessed)
}

func TestWaiter_TimeoutIsUnknownNotFailure(t *testing.T) {
	ctx := context.Background()
	queue, _ := newTestQueue()
	request, err := queue.Enqueue(ctx, "user-1")
	require.NoError(t, err)

	waiter := NewWaiter(queue, 3, time.Millisecond)
	stored, status, err := waiter.Wait(ctx, request.ID)

	require.NoError(t, err)
	assert.Equal(t, enum.SyncRequestUnknown, status)
	assert.Equal(t, enum.SyncRequestPending, stored.Status)
}

func TestWaiter_UnknownRequest(t *testing.T) {
	queue, _ := newTestQueue()

	_, status, err := NewWaiter(queue, 3, time.Millisecond).Wait(context.Background(), "missing")

	assert.ErrorIs(t, err, mailsyncerrors.ErrSyncRequestNotFound)
	assert.Equal(t, enum.SyncRequestUnknown, status)
}

func TestWaiter_Defaults(t *testing.T) {
	waiter := NewWaiter(nil, 0, 0)

	assert.Equal(t, DefaultWaitAttempts, waiter.attempts)
	assert.Equal(t, DefaultWaitInterval, waiter.interval)
}
