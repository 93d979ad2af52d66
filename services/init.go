package services

import (
	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/repository"
	"github.com/customeros/mailsync/services/credentials"
	"github.com/customeros/mailsync/services/events"
	"github.com/customeros/mailsync/services/imap"
	"github.com/customeros/mailsync/services/mailsync"
	"github.com/customeros/mailsync/services/storage"
	"github.com/customeros/mailsync/services/sync_monitor"
	"github.com/customeros/mailsync/services/sync_requests"
)

type Services struct {
	Codec          interfaces.CredentialCodec
	EventPublisher interfaces.EventPublisher
	Storage        interfaces.StorageService
	SyncManager    *mailsync.SyncManager
	SyncRequests   *sync_requests.Queue
	Waiter         *sync_requests.Waiter
	Monitor        *sync_monitor.Monitor
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories) (*Services, error) {
	publisher, err := events.NewEventPublisher(cfg.AppConfig.RabbitMQURL, log, events.DefaultPublisherConfig())
	if err != nil {
		return nil, err
	}

	rawStore, err := storage.NewR2RawMessageStore(cfg.R2StorageConfig)
	if err != nil {
		publisher.Close()
		return nil, err
	}
	if rawStore == nil {
		log.Info("R2 storage not configured, raw messages will not be archived")
	}

	codec := credentials.NewCodec(cfg.CredentialsConfig.EncryptionKey, cfg.CredentialsConfig.KDFSalt)

	syncManager := mailsync.NewSyncManager(mailsync.Dependencies{
		SyncConfig:    cfg.SyncConfig,
		ImapConfig:    cfg.ImapConfig,
		Log:           log,
		Repositories:  repos,
		Codec:         codec,
		ClientFactory: imap.NewClientFactory(cfg.ImapConfig, log),
		Publisher:     publisher,
		Storage:       rawStore,
	})

	queue := sync_requests.NewQueue(repos.SyncRequestRepository, log)

	services := Services{
		Codec:          codec,
		EventPublisher: publisher,
		Storage:        rawStore,
		SyncManager:    syncManager,
		SyncRequests:   queue,
		Waiter:         sync_requests.NewWaiter(queue, cfg.MonitorConfig.WaitAttempts, cfg.MonitorConfig.WaitInterval),
		Monitor: sync_monitor.NewMonitor(sync_monitor.Dependencies{
			Config:         cfg.MonitorConfig,
			Log:            log,
			Queue:          queue,
			Configurations: repos.MailboxConfigurationRepository,
			Requests:       repos.SyncRequestRepository,
			SyncManager:    syncManager,
			Publisher:      publisher,
		}),
	}

	return &services, nil
}

func (s *Services) Close() error {
	if s.EventPublisher == nil {
		return nil
	}
	return s.EventPublisher.Close()
}
