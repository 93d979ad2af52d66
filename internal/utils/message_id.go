package utils

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// NormalizeMessageID strips whitespace and angle brackets from a Message-ID header value.
func NormalizeMessageID(messageID string) string {
	messageID = strings.TrimSpace(messageID)
	messageID = strings.TrimPrefix(messageID, "<")
	messageID = strings.TrimSuffix(messageID, ">")
	return strings.TrimSpace(messageID)
}

// SyntheticMessageID derives a stable identifier for messages without a Message-ID
// header, so repeated fetches of the same message map to the same dedup key.
func SyntheticMessageID(configurationID string, uid uint32, from, subject string, date time.Time) string {
	metadata := fmt.Sprintf("%s|%d|%s|%s|%d", configurationID, uid, strings.ToLower(from), subject, date.Unix())
	hash := sha256.Sum256([]byte(metadata))
	return fmt.Sprintf("generated.%x@mailsync.local", hash[:12])
}
