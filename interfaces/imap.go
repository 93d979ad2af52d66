package interfaces

import (
	"context"
	"time"
)

// MailboxConnection carries everything needed to open one session.
type MailboxConnection struct {
	ConfigurationID string
	Host            string
	Port            int
	Secure          bool
	Username        string
	Password        string
}

type MessageEnvelope struct {
	MessageID string
	Subject   string
	Date      time.Time
	FromName  string
	FromEmail string
	To        []string
}

// FetchedMessage is one message read from the source mailbox.
type FetchedMessage struct {
	UID      uint32
	Raw      []byte
	Envelope MessageEnvelope
	Flags    []string
}

// MessageStream is a lazy, finite, non-restartable sequence of messages in ascending UID order.
//
//	for stream.Next() { msg := stream.Message() }
//	if err := stream.Err(); err != nil { ... }
type MessageStream interface {
	Next() bool
	Message() *FetchedMessage
	Err() error
	Close() error
}

// MailboxClient is one IMAP session against a user's mailbox.
type MailboxClient interface {
	Connect(ctx context.Context, conn MailboxConnection) error
	FetchSince(ctx context.Context, watermark uint32, limit int) (MessageStream, error)
	MoveMessages(ctx context.Context, uids []uint32, folder string) (int, error)
	Disconnect()
}

type MailboxClientFactory func() MailboxClient
