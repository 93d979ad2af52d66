package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/models"
)

// Repositories is the persistence gateway handed to every service.
type Repositories struct {
	MailboxConfigurationRepository interfaces.MailboxConfigurationRepository
	EmailInboxRepository           interfaces.EmailInboxRepository
	SyncRequestRepository          interfaces.SyncRequestRepository
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		MailboxConfigurationRepository: NewMailboxConfigurationRepository(db),
		EmailInboxRepository:           NewEmailInboxRepository(db),
		SyncRequestRepository:          NewSyncRequestRepository(db),
	}
}

func MigrateMailsyncDB(dbConfig *config.MailsyncDatabaseConfig, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	sqlDB.SetMaxOpenConns(5)

	err = db.AutoMigrate(
		&models.MailboxConfiguration{},
		&models.EmailInbox{},
		&models.SyncRequest{},
	)

	sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConn)
	sqlDB.SetMaxOpenConns(dbConfig.MaxConn)
	sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Minute)

	return err
}
