package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/internal/utils"
)

type mailboxConfigurationRepository struct {
	db *gorm.DB
}

func NewMailboxConfigurationRepository(db *gorm.DB) interfaces.MailboxConfigurationRepository {
	return &mailboxConfigurationRepository{db: db}
}

func (r *mailboxConfigurationRepository) Create(ctx context.Context, configuration *models.MailboxConfiguration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.Create")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if err := r.db.WithContext(ctx).Create(configuration).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to create mailbox configuration: %w", err)
	}
	return nil
}

func (r *mailboxConfigurationRepository) GetByID(ctx context.Context, id string) (*models.MailboxConfiguration, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.GetByID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)

	var configuration models.MailboxConfiguration
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&configuration).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get mailbox configuration: %w", err)
	}
	return &configuration, nil
}

func (r *mailboxConfigurationRepository) ListActive(ctx context.Context) ([]*models.MailboxConfiguration, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.ListActive")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var configurations []*models.MailboxConfiguration
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&configurations).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list active mailbox configurations: %w", err)
	}
	span.LogKV("result.count", len(configurations))
	return configurations, nil
}

func (r *mailboxConfigurationRepository) ListActiveByUser(ctx context.Context, userID string) ([]*models.MailboxConfiguration, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.ListActiveByUser")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagUser(span, userID)

	var configurations []*models.MailboxConfiguration
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at ASC").
		Find(&configurations).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list active mailbox configurations for user: %w", err)
	}
	return configurations, nil
}

func (r *mailboxConfigurationRepository) ListAll(ctx context.Context) ([]*models.MailboxConfiguration, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.ListAll")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var configurations []*models.MailboxConfiguration
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&configurations).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list mailbox configurations: %w", err)
	}
	return configurations, nil
}

func (r *mailboxConfigurationRepository) GetWatermark(ctx context.Context, id string) (uint32, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.GetWatermark")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)

	var configuration models.MailboxConfiguration
	err := r.db.WithContext(ctx).
		Select("last_synced_uid").
		Where("id = ?", id).
		First(&configuration).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, mailsyncerrors.ErrConfigurationNotFound
		}
		tracing.TraceErr(span, err)
		return 0, fmt.Errorf("failed to get watermark: %w", err)
	}
	return configuration.LastSyncedUID, nil
}

// SetWatermark only moves the watermark forward. The comparison happens in the
// UPDATE so racing writers cannot regress it.
func (r *mailboxConfigurationRepository) SetWatermark(ctx context.Context, id string, value uint32) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.SetWatermark")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)
	span.LogKV("watermark", value)

	result := r.db.WithContext(ctx).
		Model(&models.MailboxConfiguration{}).
		Where("id = ? AND last_synced_uid <= ?", id, value).
		Updates(map[string]interface{}{
			"last_synced_uid": value,
			"updated_at":      utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to set watermark: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// nothing updated: either the row is gone or the stored value is higher
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.MailboxConfiguration{}).Where("id = ?", id).Count(&count).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	if count == 0 {
		return mailsyncerrors.ErrConfigurationNotFound
	}
	tracing.TraceErr(span, mailsyncerrors.ErrStaleWatermark)
	return mailsyncerrors.ErrStaleWatermark
}

// AcquireSyncLease marks the configuration as syncing for holder. It succeeds
// only when no other holder has an unexpired lease.
func (r *mailboxConfigurationRepository) AcquireSyncLease(ctx context.Context, id, holder string, ttl time.Duration) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.AcquireSyncLease")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)

	now := utils.Now()
	expiresAt := now.Add(ttl)
	result := r.db.WithContext(ctx).
		Model(&models.MailboxConfiguration{}).
		Where("id = ?", id).
		Where("sync_status <> ? OR lease_expires_at IS NULL OR lease_expires_at < ?", enum.SyncStatusSyncing, now).
		Updates(map[string]interface{}{
			"sync_status":      enum.SyncStatusSyncing,
			"lease_holder":     holder,
			"lease_expires_at": expiresAt,
			"updated_at":       now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, fmt.Errorf("failed to acquire sync lease: %w", result.Error)
	}
	span.LogKV("result.acquired", result.RowsAffected == 1)
	return result.RowsAffected == 1, nil
}

// RenewSyncLease extends an unexpired lease still owned by holder.
func (r *mailboxConfigurationRepository) RenewSyncLease(ctx context.Context, id, holder string, ttl time.Duration) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.RenewSyncLease")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)

	now := utils.Now()
	result := r.db.WithContext(ctx).
		Model(&models.MailboxConfiguration{}).
		Where("id = ? AND lease_holder = ? AND sync_status = ?", id, holder, enum.SyncStatusSyncing).
		Where("lease_expires_at >= ?", now).
		Updates(map[string]interface{}{
			"lease_expires_at": now.Add(ttl),
			"updated_at":       now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, fmt.Errorf("failed to renew sync lease: %w", result.Error)
	}
	span.LogKV("result.renewed", result.RowsAffected == 1)
	return result.RowsAffected == 1, nil
}

func (r *mailboxConfigurationRepository) ReleaseSyncLease(ctx context.Context, id, holder string, status enum.SyncStatus, lastError string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.ReleaseSyncLease")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)

	now := utils.Now()
	result := r.db.WithContext(ctx).
		Model(&models.MailboxConfiguration{}).
		Where("id = ? AND lease_holder = ?", id, holder).
		Updates(map[string]interface{}{
			"sync_status":      status,
			"last_error":       lastError,
			"last_synced_at":   now,
			"lease_holder":     "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to release sync lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		span.LogKV("result.released", false)
	}
	return nil
}

func (r *mailboxConfigurationRepository) UpdateEncryptedPassword(ctx context.Context, id, encryptedPassword string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxConfigurationRepository.UpdateEncryptedPassword")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagConfiguration(span, id)

	result := r.db.WithContext(ctx).
		Model(&models.MailboxConfiguration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"encrypted_password": encryptedPassword,
			"updated_at":         utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to update encrypted password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return mailsyncerrors.ErrConfigurationNotFound
	}
	return nil
}
