package repository

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/tracing"
)

type emailInboxRepository struct {
	db *gorm.DB
}

func NewEmailInboxRepository(db *gorm.DB) interfaces.EmailInboxRepository {
	return &emailInboxRepository{db: db}
}

// InsertIfAbsent relies on the (user_id, message_id) unique index. A conflicting
// row is left untouched and reported as not inserted.
func (r *emailInboxRepository) InsertIfAbsent(ctx context.Context, userID string, record *models.EmailInbox) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailInboxRepository.InsertIfAbsent")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagUser(span, userID)
	span.SetTag("message.id", record.MessageID)

	record.UserID = userID
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, fmt.Errorf("failed to insert email: %w", result.Error)
	}

	inserted := result.RowsAffected == 1
	span.LogKV("result.inserted", inserted)
	return inserted, nil
}

func (r *emailInboxRepository) MarkArchived(ctx context.Context, messageIDs []string, userID, folder string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailInboxRepository.MarkArchived")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagUser(span, userID)
	span.LogKV("messageIds.count", len(messageIDs), "folder", folder)

	if len(messageIDs) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.EmailInbox{}).
		Where("user_id = ? AND message_id IN ?", userID, messageIDs).
		Updates(map[string]interface{}{
			"archived_in_source": true,
			"archive_folder":     folder,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, fmt.Errorf("failed to mark emails archived: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *emailInboxRepository) ListNotArchived(ctx context.Context, configurationID string, limit int) ([]*models.EmailInbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailInboxRepository.ListNotArchived")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, configurationID)

	query := r.db.WithContext(ctx).
		Where("configuration_id = ? AND archived_in_source = ?", configurationID, false).
		Order("uid ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*models.EmailInbox
	if err := query.Find(&records).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list unarchived emails: %w", err)
	}
	return records, nil
}
