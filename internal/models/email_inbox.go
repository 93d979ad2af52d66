package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/utils"
)

// EmailInbox is one imported message. (user_id, message_id) is the dedup key.
type EmailInbox struct {
	ID              string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	UserID          string `gorm:"column:user_id;type:varchar(100);not null;uniqueIndex:idx_email_inbox_user_message" json:"userId"`
	MessageID       string `gorm:"column:message_id;type:varchar(998);not null;uniqueIndex:idx_email_inbox_user_message" json:"messageId"`
	ConfigurationID string `gorm:"column:configuration_id;type:varchar(50);index;not null" json:"configurationId"`
	UID             uint32 `gorm:"column:uid;not null" json:"uid"`

	// Core email metadata
	Subject     string         `gorm:"column:subject;type:varchar(1000)" json:"subject"`
	FromEmail   string         `gorm:"column:from_email;type:varchar(255);index" json:"fromEmail"`
	FromName    string         `gorm:"column:from_name;type:varchar(255)" json:"fromName"`
	ToAddresses pq.StringArray `gorm:"column:to_addresses;type:text[]" json:"toAddresses"`
	ReceivedAt  *time.Time     `gorm:"column:received_at;type:timestamp;index" json:"receivedAt"`

	// Content
	BodyText     string  `gorm:"column:body_text;type:text" json:"bodyText"`
	Headers      JSONMap `gorm:"column:headers;type:jsonb" json:"headers"`
	RawObjectKey string  `gorm:"column:raw_object_key;type:varchar(500)" json:"rawObjectKey"`

	// Source mailbox state
	ArchivedInSource bool   `gorm:"column:archived_in_source;not null;default:false" json:"archivedInSource"`
	ArchiveFolder    string `gorm:"column:archive_folder;type:varchar(255)" json:"archiveFolder"`

	State     enum.EmailState `gorm:"column:state;type:varchar(20);not null;default:inbound" json:"state"`
	CreatedAt time.Time       `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
}

func (EmailInbox) TableName() string {
	return "email_inbox"
}

func (e *EmailInbox) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = utils.GenerateNanoIDWithPrefix("email", 24)
	}
	if e.State == "" {
		e.State = enum.EmailStateInbound
	}
	e.CreatedAt = utils.Now()
	return nil
}
