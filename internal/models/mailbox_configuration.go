package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/utils"
)

// MailboxConfiguration is one user's mailbox connection plus its sync progress.
type MailboxConfiguration struct {
	ID                string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	UserID            string `gorm:"column:user_id;type:varchar(100);index;not null" json:"userId"`
	EmailAddress      string `gorm:"column:email_address;type:varchar(255);not null" json:"emailAddress"`
	EncryptedPassword string `gorm:"column:encrypted_password;type:text;not null" json:"-"`
	// IMAP Configuration
	Host          string `gorm:"column:host;type:varchar(255)" json:"host"`
	Port          int    `gorm:"column:port" json:"port"`
	Secure        bool   `gorm:"column:secure;not null;default:true" json:"secure"`
	IsActive      bool   `gorm:"column:is_active;not null;default:true;index" json:"isActive"`
	ArchiveFolder string `gorm:"column:archive_folder;type:varchar(255)" json:"archiveFolder"`
	// Sync state
	LastSyncedUID  uint32          `gorm:"column:last_synced_uid;not null;default:0" json:"lastSyncedUid"`
	SyncStatus     enum.SyncStatus `gorm:"column:sync_status;type:varchar(20);not null;default:idle" json:"syncStatus"`
	LastError      string          `gorm:"column:last_error;type:text" json:"lastError"`
	LastSyncedAt   *time.Time      `gorm:"column:last_synced_at;type:timestamp" json:"lastSyncedAt"`
	LeaseHolder    string          `gorm:"column:lease_holder;type:varchar(100)" json:"-"`
	LeaseExpiresAt *time.Time      `gorm:"column:lease_expires_at;type:timestamp" json:"-"`
	// Standard timestamps
	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (MailboxConfiguration) TableName() string {
	return "mailbox_configurations"
}

func (m *MailboxConfiguration) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("mbox", 16)
	}
	if m.SyncStatus == "" {
		m.SyncStatus = enum.SyncStatusIdle
	}
	return nil
}

// Address returns host:port for dialing.
func (m *MailboxConfiguration) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LeaseHeld reports whether another runner holds an unexpired sync lease at now.
func (m *MailboxConfiguration) LeaseHeld(now time.Time) bool {
	return m.SyncStatus == enum.SyncStatusSyncing && m.LeaseExpiresAt != nil && m.LeaseExpiresAt.After(now)
}
