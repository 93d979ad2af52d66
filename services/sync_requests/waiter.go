package sync_requests

import (
	"context"
	"time"

	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/models"
)

const (
	DefaultWaitAttempts = 30
	DefaultWaitInterval = time.Second
)

// Waiter polls a request until it is terminal. Running out of attempts is not a
// failure: the caller gets SyncRequestUnknown and is expected to check later.
type Waiter struct {
	queue    interfaces.SyncRequestQueue
	attempts int
	interval time.Duration
}

func NewWaiter(queue interfaces.SyncRequestQueue, attempts int, interval time.Duration) *Waiter {
	if attempts <= 0 {
		attempts = DefaultWaitAttempts
	}
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	return &Waiter{queue: queue, attempts: attempts, interval: interval}
}

// Wait returns the request and its observed status. The request is the last one read.
func (w *Waiter) Wait(ctx context.Context, id string) (*models.SyncRequest, enum.SyncRequestStatus, error) {
	var last *models.SyncRequest
	for attempt := 0; attempt < w.attempts; attempt++ {
		request, err := w.queue.Get(ctx, id)
		if err != nil {
			return nil, enum.SyncRequestUnknown, err
		}
		last = request
		if request.Status.IsTerminal() {
			return request, request.Status, nil
		}

		if attempt == w.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return last, enum.SyncRequestUnknown, nil
		case <-time.After(w.interval):
		}
	}
	return last, enum.SyncRequestUnknown, nil
}
