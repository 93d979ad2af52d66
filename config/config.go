package config

import "time"

type AppConfig struct {
	APIPort      string `env:"PORT" envDefault:"12222"`
	APIKey       string `env:"API_KEY"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`
	PodName      string `env:"POD_NAME" envDefault:"local"`
	PodNamespace string `env:"POD_NAMESPACE"`
	LocalDev     bool   `env:"LOCAL_DEV" envDefault:"false"`
}

type MailsyncDatabaseConfig struct {
	Host            string `env:"MAILSYNC_POSTGRES_HOST,required"`
	Port            string `env:"MAILSYNC_POSTGRES_PORT,required"`
	User            string `env:"MAILSYNC_POSTGRES_USER,required"`
	DBName          string `env:"MAILSYNC_POSTGRES_DB_NAME,required"`
	Password        string `env:"MAILSYNC_POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"MAILSYNC_POSTGRES_DB_MAX_CONN" envDefault:"20"`
	MaxIdleConn     int    `env:"MAILSYNC_POSTGRES_DB_MAX_IDLE_CONN" envDefault:"5"`
	ConnMaxLifetime int    `env:"MAILSYNC_POSTGRES_DB_CONN_MAX_LIFETIME" envDefault:"60"`
	LogLevel        string `env:"MAILSYNC_POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"MAILSYNC_POSTGRES_SSL_MODE" envDefault:"require"`
}

// ImapConfig holds the defaults applied to configurations that leave host settings empty.
type ImapConfig struct {
	DefaultHost    string        `env:"IMAP_DEFAULT_HOST" envDefault:"imap.gmail.com"`
	DefaultPort    int           `env:"IMAP_DEFAULT_PORT" envDefault:"993"`
	DefaultSecure  bool          `env:"IMAP_DEFAULT_SECURE" envDefault:"true"`
	ConnectTimeout time.Duration `env:"IMAP_CONNECT_TIMEOUT" envDefault:"10s"`
	CommandTimeout time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"60s"`
}

type SyncConfig struct {
	MaxMessagesPerRun          int           `env:"SYNC_MAX_MESSAGES_PER_RUN" envDefault:"50"`
	PollIntervalMinutes        int           `env:"SYNC_POLL_INTERVAL_MINUTES" envDefault:"5"`
	DelayBetweenConfigurations time.Duration `env:"SYNC_DELAY_BETWEEN_CONFIGURATIONS" envDefault:"2s"`
	LeaseTTL                   time.Duration `env:"SYNC_LEASE_TTL" envDefault:"10m"`
	RunOnce                    bool          `env:"SYNC_RUN_ONCE" envDefault:"false"`
}

type MonitorConfig struct {
	PollInterval         time.Duration `env:"SYNC_MONITOR_POLL_INTERVAL" envDefault:"10s"`
	ClaimBatchSize       int           `env:"SYNC_MONITOR_CLAIM_BATCH" envDefault:"5"`
	StaleAfter           time.Duration `env:"SYNC_MONITOR_STALE_AFTER" envDefault:"5m"`
	RequestRetentionDays int           `env:"SYNC_REQUEST_RETENTION_DAYS" envDefault:"7"`
	WaitAttempts         int           `env:"SYNC_REQUEST_WAIT_ATTEMPTS" envDefault:"30"`
	WaitInterval         time.Duration `env:"SYNC_REQUEST_WAIT_INTERVAL" envDefault:"1s"`
}

type CredentialsConfig struct {
	EncryptionKey string `env:"CREDENTIALS_ENCRYPTION_KEY,required"`
	KDFSalt       string `env:"CREDENTIALS_KDF_SALT" envDefault:"mailsync-credentials"`
}

// R2StorageConfig is optional; raw message archiving is skipped when AccountID is empty.
type R2StorageConfig struct {
	AccountID       string `env:"CLOUDFLARE_R2_ACCOUNT_ID"`
	AccessKeyID     string `env:"CLOUDFLARE_R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"CLOUDFLARE_R2_ACCESS_KEY_SECRET"`
	RawEmailBucket  string `env:"BUCKET_NAME_RAW_EMAIL" envDefault:"raw-emails"`
}

func (c *R2StorageConfig) Enabled() bool {
	return c != nil && c.AccountID != "" && c.AccessKeyID != "" && c.AccessKeySecret != ""
}
