package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("MAILSYNC_POSTGRES_HOST", "localhost")
	t.Setenv("MAILSYNC_POSTGRES_PORT", "5432")
	t.Setenv("MAILSYNC_POSTGRES_USER", "mailsync")
	t.Setenv("MAILSYNC_POSTGRES_DB_NAME", "mailsync")
	t.Setenv("MAILSYNC_POSTGRES_PASSWORD", "secret")
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", "a-very-secret-key")
}

func TestInitConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := InitConfig()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.SyncConfig.MaxMessagesPerRun)
	assert.Equal(t, 5, cfg.SyncConfig.PollIntervalMinutes)
	assert.Equal(t, 2*time.Second, cfg.SyncConfig.DelayBetweenConfigurations)
	assert.False(t, cfg.SyncConfig.RunOnce)
	assert.Equal(t, 10*time.Second, cfg.ImapConfig.ConnectTimeout)
	assert.Equal(t, 993, cfg.ImapConfig.DefaultPort)
	assert.Equal(t, 10*time.Second, cfg.MonitorConfig.PollInterval)
	assert.Equal(t, 7, cfg.MonitorConfig.RequestRetentionDays)
	assert.Equal(t, 30, cfg.MonitorConfig.WaitAttempts)
	assert.False(t, cfg.R2StorageConfig.Enabled())
}

func TestInitConfig_MissingEncryptionKey(t *testing.T) {
	setRequiredEnv(t)
	require.NoError(t, os.Unsetenv("CREDENTIALS_ENCRYPTION_KEY"))

	_, err := InitConfig()
	assert.Error(t, err)
}

func TestInitConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_RUN_ONCE", "true")
	t.Setenv("SYNC_MAX_MESSAGES_PER_RUN", "10")
	t.Setenv("CLOUDFLARE_R2_ACCOUNT_ID", "acc")
	t.Setenv("CLOUDFLARE_R2_ACCESS_KEY_ID", "key")
	t.Setenv("CLOUDFLARE_R2_ACCESS_KEY_SECRET", "secret")

	cfg, err := InitConfig()
	require.NoError(t, err)

	assert.True(t, cfg.SyncConfig.RunOnce)
	assert.Equal(t, 10, cfg.SyncConfig.MaxMessagesPerRun)
	assert.True(t, cfg.R2StorageConfig.Enabled())
}
