package mailsync

import (
	"bytes"
	"strings"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/jhillyerd/enmime"
	"github.com/lib/pq"

	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/enum"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/utils"
)

const (
	maxSubjectLength = 1000
	maxNameLength    = 255
)

// buildEmailRecord maps a fetched message onto an inbox row. A message that
// enmime cannot parse is still imported with its envelope data only.
func buildEmailRecord(configuration *models.MailboxConfiguration, msg *interfaces.FetchedMessage) *models.EmailInbox {
	envelope := msg.Envelope

	record := &models.EmailInbox{
		UserID:          configuration.UserID,
		ConfigurationID: configuration.ID,
		UID:             msg.UID,
		Subject:         envelope.Subject,
		FromName:        envelope.FromName,
		State:           enum.EmailStateInbound,
	}

	parsed, err := enmime.ReadEnvelope(bytes.NewReader(msg.Raw))
	if err == nil {
		record.BodyText = parsed.Text
		record.Headers = headersOf(parsed)
		if record.Subject == "" {
			record.Subject = parsed.GetHeader("Subject")
		}
		if envelope.MessageID == "" {
			envelope.MessageID = parsed.GetHeader("Message-ID")
		}
		if envelope.FromEmail == "" {
			if from, err := parsed.AddressList("From"); err == nil && len(from) > 0 {
				envelope.FromEmail = from[0].Address
				record.FromName = utils.FirstNonEmpty(record.FromName, from[0].Name)
			}
		}
	}

	record.FromEmail = cleanAddress(envelope.FromEmail)
	record.ToAddresses = cleanAddresses(envelope.To)
	record.Subject = utils.Truncate(strings.TrimSpace(record.Subject), maxSubjectLength)
	record.FromName = utils.Truncate(strings.TrimSpace(record.FromName), maxNameLength)
	if !envelope.Date.IsZero() {
		record.ReceivedAt = utils.TimePtr(envelope.Date.UTC())
	}

	record.MessageID = utils.NormalizeMessageID(envelope.MessageID)
	if record.MessageID == "" {
		record.MessageID = utils.SyntheticMessageID(configuration.ID, msg.UID, record.FromEmail, record.Subject, envelope.Date)
	}
	return record
}

func headersOf(parsed *enmime.Envelope) models.JSONMap {
	headers := make(models.JSONMap)
	for _, key := range parsed.GetHeaderKeys() {
		if values := parsed.GetHeaderValues(key); len(values) > 0 {
			headers[key] = values
		}
	}
	return headers
}

func cleanAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	validation := mailvalidate.ValidateEmailSyntax(address)
	if validation.IsValid {
		return strings.ToLower(validation.CleanEmail)
	}
	return strings.ToLower(address)
}

func cleanAddresses(addresses []string) pq.StringArray {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if cleaned := cleanAddress(address); strings.Contains(cleaned, "@") {
			result = append(result, cleaned)
		}
	}
	return pq.StringArray(result)
}
