package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/tracing"
)

type Config struct {
	AppConfig              *AppConfig
	Logger                 *logger.Config
	Tracing                *tracing.JaegerConfig
	MailsyncDatabaseConfig *MailsyncDatabaseConfig
	ImapConfig             *ImapConfig
	SyncConfig             *SyncConfig
	MonitorConfig          *MonitorConfig
	CredentialsConfig      *CredentialsConfig
	R2StorageConfig        *R2StorageConfig
}

func InitConfig() (*Config, error) {
	config := &Config{
		AppConfig:              &AppConfig{},
		Logger:                 &logger.Config{},
		Tracing:                &tracing.JaegerConfig{},
		MailsyncDatabaseConfig: &MailsyncDatabaseConfig{},
		ImapConfig:             &ImapConfig{},
		SyncConfig:             &SyncConfig{},
		MonitorConfig:          &MonitorConfig{},
		CredentialsConfig:      &CredentialsConfig{},
		R2StorageConfig:        &R2StorageConfig{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	if err = env.Parse(config); err != nil {
		return nil, err
	}

	return config, nil
}
