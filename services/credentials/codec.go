package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"github.com/customeros/mailsync/interfaces"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
)

const (
	// VersionPrefix tags every value written by Encrypt.
	VersionPrefix = "v1:"

	pbkdf2Iterations = 100000
	keySize          = 32
)

// legacy rows were stored as hex(iv):hex(aes-256-cbc ciphertext)
var legacyCBCPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}:(?:[0-9a-fA-F]{32})+$`)

type Codec struct {
	key       []byte
	legacyKey []byte
}

// NewCodec derives the AES-256 key from secret. An empty secret yields a codec
// whose every operation fails with ErrDecryption.
func NewCodec(secret, salt string) interfaces.CredentialCodec {
	if secret == "" {
		return &Codec{}
	}
	legacyKey := sha256.Sum256([]byte(secret))
	return &Codec{
		key:       pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, keySize, sha256.New),
		legacyKey: legacyKey[:],
	}
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, mailsyncerrors.ErrMissingSecretKey.Error())
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return VersionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt accepts current v1 values, legacy CBC values and legacy plaintext.
// Untagged values that do not look like legacy ciphertext are returned unchanged.
func (c *Codec) Decrypt(stored string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, mailsyncerrors.ErrMissingSecretKey.Error())
	}

	switch {
	case strings.HasPrefix(stored, VersionPrefix):
		return c.decryptV1(strings.TrimPrefix(stored, VersionPrefix))
	case legacyCBCPattern.MatchString(stored):
		return c.decryptLegacyCBC(stored)
	default:
		return stored, nil
	}
}

// NeedsMigration reports whether stored was written by anything other than Encrypt.
func (c *Codec) NeedsMigration(stored string) bool {
	return !strings.HasPrefix(stored, VersionPrefix)
}

// Migrate re-encodes a legacy value in the current format. The second return
// value is false when stored is already current.
func Migrate(codec interfaces.CredentialCodec, stored string) (string, bool, error) {
	if !codec.NeedsMigration(stored) {
		return stored, false, nil
	}
	plaintext, err := codec.Decrypt(stored)
	if err != nil {
		return "", false, err
	}
	encrypted, err := codec.Encrypt(plaintext)
	if err != nil {
		return "", false, err
	}
	return encrypted, true, nil
}

func (c *Codec) decryptV1(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, "malformed base64")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, err.Error())
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, "ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, "authentication failed, key rotated or value corrupt")
	}
	return string(plaintext), nil
}

func (c *Codec) decryptLegacyCBC(stored string) (string, error) {
	parts := strings.SplitN(stored, ":", 2)
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, "malformed legacy iv")
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, "malformed legacy ciphertext")
	}
	block, err := aes.NewCipher(c.legacyKey)
	if err != nil {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, err.Error())
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil || !utf8.Valid(unpadded) {
		return "", errors.Wrap(mailsyncerrors.ErrDecryption, "legacy padding invalid, key rotated or value corrupt")
	}
	return string(unpadded), nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding size")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding byte")
		}
	}
	return data[:len(data)-padLen], nil
}
