package sync_requests

import (
	"context"
	"strings"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailsync/interfaces"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/internal/utils"
)

// Queue is the claim/ack view of the sync_requests table. A request is handed to
// at most one Claim call; after that only Complete or Fail may touch it.
type Queue struct {
	repo interfaces.SyncRequestRepository
	log  logger.Logger
}

func NewQueue(repo interfaces.SyncRequestRepository, log logger.Logger) *Queue {
	return &Queue{repo: repo, log: log}
}

func (q *Queue) Enqueue(ctx context.Context, userID string) (*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncRequestQueue.Enqueue")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagUser(span, userID)

	if strings.TrimSpace(userID) == "" {
		return nil, mailsyncerrors.ErrUserIDNotSet
	}

	request, err := q.repo.Enqueue(ctx, userID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	tracing.TagSyncRequest(span, request.ID)
	q.log.Infof("Enqueued sync request %s for user %s", request.ID, userID)
	return request, nil
}

// Claim moves up to limit pending requests to processing under a fresh claim token.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncRequestQueue.Claim")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("limit", limit)

	if limit <= 0 {
		return nil, nil
	}

	claimToken := utils.GenerateUUID()
	requests, err := q.repo.ClaimPending(ctx, limit, claimToken)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	span.LogKV("claimed", len(requests))
	return requests, nil
}

func (q *Queue) Complete(ctx context.Context, id string, result models.SyncRequestResult) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncRequestQueue.Complete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagSyncRequest(span, id)

	result.Success = true
	if err := q.repo.Complete(ctx, id, result); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, id string, errMessage string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncRequestQueue.Fail")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagSyncRequest(span, id)
	span.LogKV("error", errMessage)

	if err := q.repo.Fail(ctx, id, errMessage); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncRequestQueue.Get")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagSyncRequest(span, id)

	return q.repo.GetByID(ctx, id)
}

// Purge deletes terminal requests older than days.
func (q *Queue) Purge(ctx context.Context, days int) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SyncRequestQueue.Purge")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("days", days)

	deleted, err := q.repo.PurgeOlderThan(ctx, days)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	if deleted > 0 {
		q.log.Infof("Purged %d sync request(s) older than %d day(s)", deleted, days)
	}
	return deleted, nil
}
