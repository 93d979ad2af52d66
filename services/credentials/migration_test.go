package credentials

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/repository/inmemory"
)

// unpaddedLegacyValue is a legacy-shaped value whose plaintext ends in a zero byte, so unpadding always fails.
func unpaddedLegacyValue(t *testing.T, secret string) string {
	t.Helper()
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	iv := bytes.Repeat([]byte{0x02}, aes.BlockSize)
	out := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, make([]byte, aes.BlockSize))
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out)
}

func TestMigrateAll(t *testing.T) {
	ctx := context.Background()
	log := logger.NewAppLogger(nil)
	log.InitLogger()

	codec := NewCodec("top-secret", testSalt)
	current, err := codec.Encrypt("already-current")
	require.NoError(t, err)

	store := inmemory.NewStore()
	repo := store.Repositories().MailboxConfigurationRepository
	rows := map[string]string{
		"legacy":    legacyEncrypt(t, "top-secret", "legacy-password", []byte("0123456789abcdef")),
		"plaintext": "plain-app-password",
		"current":   current,
		"broken":    unpaddedLegacyValue(t, "top-secret"),
	}
	for id, stored := range rows {
		require.NoError(t, repo.Create(ctx, &models.MailboxConfiguration{
			ID:                id,
			UserID:            "user-1",
			EmailAddress:      id + "@example.com",
			EncryptedPassword: stored,
			IsActive:          true,
		}))
	}

	report, err := MigrateAll(ctx, repo, codec, log)

	require.Error(t, err)
	assert.Equal(t, MigrationReport{Scanned: 4, Migrated: 2, Failed: 1}, report)

	for id, want := range map[string]string{"legacy": "legacy-password", "plaintext": "plain-app-password", "current": "already-current"} {
		stored := store.Configuration(id).EncryptedPassword
		assert.False(t, codec.NeedsMigration(stored), id)
		plaintext, err := codec.Decrypt(stored)
		require.NoError(t, err, id)
		assert.Equal(t, want, plaintext, id)
	}
	assert.Equal(t, rows["current"], store.Configuration("current").EncryptedPassword)
	assert.Equal(t, rows["broken"], store.Configuration("broken").EncryptedPassword)
}

func TestMigrateAll_NothingToDo(t *testing.T) {
	ctx := context.Background()
	log := logger.NewAppLogger(nil)
	log.InitLogger()

	report, err := MigrateAll(ctx, inmemory.NewStore().Repositories().MailboxConfigurationRepository, NewCodec("top-secret", testSalt), log)

	require.NoError(t, err)
	assert.Equal(t, MigrationReport{}, report)
}
