package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/internal/utils"
)

type syncRequestRepository struct {
	db *gorm.DB
}

func NewSyncRequestRepository(db *gorm.DB) interfaces.SyncRequestRepository {
	return &syncRequestRepository{db: db}
}

func (r *syncRequestRepository) Enqueue(ctx context.Context, userID string) (*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.Enqueue")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagUser(span, userID)

	request := &models.SyncRequest{
		UserID:      userID,
		RequestType: enum.SyncRequestManual,
		Status:      enum.SyncRequestPending,
		RequestedAt: utils.Now(),
	}
	if err := r.db.WithContext(ctx).Create(request).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to enqueue sync request: %w", err)
	}
	tracing.TagSyncRequest(span, request.ID)
	return request, nil
}

// ClaimPending moves up to limit pending requests to processing under claimToken.
// Rows locked by a concurrent claimer are skipped, and the status guard on the
// UPDATE keeps a row from being claimed twice.
func (r *syncRequestRepository) ClaimPending(ctx context.Context, limit int, claimToken string) ([]*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.ClaimPending")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("limit", limit, "claimToken", claimToken)

	if limit <= 0 {
		return []*models.SyncRequest{}, nil
	}

	var claimed []*models.SyncRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&models.SyncRequest{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", enum.SyncRequestPending).
			Order("requested_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		err = tx.Model(&models.SyncRequest{}).
			Where("id IN ? AND status = ?", ids, enum.SyncRequestPending).
			Updates(map[string]interface{}{
				"status":      enum.SyncRequestProcessing,
				"claim_token": claimToken,
				"claimed_at":  utils.Now(),
			}).Error
		if err != nil {
			return err
		}

		return tx.Where("claim_token = ? AND status = ?", claimToken, enum.SyncRequestProcessing).
			Order("requested_at ASC").
			Find(&claimed).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to claim sync requests: %w", err)
	}

	span.LogKV("result.count", len(claimed))
	return claimed, nil
}

func (r *syncRequestRepository) Complete(ctx context.Context, id string, result models.SyncRequestResult) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.Complete")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagSyncRequest(span, id)

	return r.finish(ctx, span, id, enum.SyncRequestCompleted, result)
}

func (r *syncRequestRepository) Fail(ctx context.Context, id string, errMessage string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.Fail")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagSyncRequest(span, id)

	return r.finish(ctx, span, id, enum.SyncRequestFailed, models.SyncRequestResult{
		Success: false,
		Error:   errMessage,
	})
}

// finish writes a terminal state. Terminal rows are rejected with ErrSyncRequestTerminal.
func (r *syncRequestRepository) finish(ctx context.Context, span opentracing.Span, id string, status enum.SyncRequestStatus, result models.SyncRequestResult) error {
	res := r.db.WithContext(ctx).
		Model(&models.SyncRequest{}).
		Where("id = ? AND status IN ?", id, []enum.SyncRequestStatus{enum.SyncRequestPending, enum.SyncRequestProcessing}).
		Updates(map[string]interface{}{
			"status":       status,
			"result_json":  result,
			"processed_at": utils.Now(),
		})
	if res.Error != nil {
		tracing.TraceErr(span, res.Error)
		return fmt.Errorf("failed to finish sync request: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.SyncRequest{}).Where("id = ?", id).Count(&count).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to finish sync request: %w", err)
	}
	if count == 0 {
		return mailsyncerrors.ErrSyncRequestNotFound
	}
	tracing.TraceErr(span, mailsyncerrors.ErrSyncRequestTerminal)
	return mailsyncerrors.ErrSyncRequestTerminal
}

func (r *syncRequestRepository) GetByID(ctx context.Context, id string) (*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.GetByID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagSyncRequest(span, id)

	var request models.SyncRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, mailsyncerrors.ErrSyncRequestNotFound
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get sync request: %w", err)
	}
	return &request, nil
}

// PurgeOlderThan deletes terminal requests processed more than days ago.
func (r *syncRequestRepository) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.PurgeOlderThan")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("days", days)

	cutoff := utils.Now().AddDate(0, 0, -days)
	result := r.db.WithContext(ctx).
		Where("status IN ? AND COALESCE(processed_at, requested_at) < ?",
			[]enum.SyncRequestStatus{enum.SyncRequestCompleted, enum.SyncRequestFailed}, cutoff).
		Delete(&models.SyncRequest{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, fmt.Errorf("failed to purge sync requests: %w", result.Error)
	}
	span.LogKV("result.deleted", result.RowsAffected)
	return result.RowsAffected, nil
}

func (r *syncRequestRepository) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*models.SyncRequest, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncRequestRepository.ListStaleProcessing")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var requests []*models.SyncRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", enum.SyncRequestProcessing, utils.Now().Add(-olderThan)).
		Order("claimed_at ASC").
		Find(&requests).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list stale sync requests: %w", err)
	}
	return requests, nil
}
