package imap

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/customeros/mailsync/interfaces"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
)

// messageStream fetches pending UIDs lazily, FetchBatchSize at a time.
type messageStream struct {
	ctx     context.Context
	client  *Client
	pending []uint32
	buffer  []*interfaces.FetchedMessage
	current *interfaces.FetchedMessage
	err     error
	closed  bool
}

func newMessageStream(ctx context.Context, c *Client, pending []uint32) *messageStream {
	return &messageStream{ctx: ctx, client: c, pending: pending}
}

func (s *messageStream) Next() bool {
	s.current = nil
	if s.closed {
		return false
	}
	for len(s.buffer) == 0 {
		if s.err != nil || len(s.pending) == 0 {
			return false
		}
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
		batchSize := FetchBatchSize
		if len(s.pending) < batchSize {
			batchSize = len(s.pending)
		}
		batch := s.pending[:batchSize]
		s.pending = s.pending[batchSize:]

		// on error the messages before the failing uid are still yielded
		messages, err := s.client.fetchBatch(batch)
		s.buffer = messages
		if err != nil {
			s.err = err
			s.pending = nil
		}
	}
	s.current = s.buffer[0]
	s.buffer = s.buffer[1:]
	return true
}

func (s *messageStream) Message() *interfaces.FetchedMessage {
	return s.current
}

func (s *messageStream) Err() error {
	return s.err
}

func (s *messageStream) Close() error {
	s.closed = true
	s.pending = nil
	s.buffer = nil
	return nil
}

// fetchBatch fetches the given UIDs and returns them in the order requested.
// UIDs expunged since the search are silently absent. A UID whose body cannot
// be read ends the batch: the ascending prefix before it is returned with an error.
func (c *Client) fetchBatch(uids []uint32) ([]*interfaces.FetchedMessage, error) {
	if c.session == nil {
		return nil, mailsyncerrors.ErrNotConnected
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.session.UidFetch(toSeqSet(uids), items, messages)
	}()

	byUID := make(map[uint32]*interfaces.FetchedMessage, len(uids))
	unreadable := map[uint32]error{}
	for msg := range messages {
		if msg == nil || msg.Uid == 0 {
			continue
		}
		fetched, err := toFetchedMessage(msg, section)
		if err != nil {
			unreadable[msg.Uid] = err
			continue
		}
		byUID[msg.Uid] = fetched
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch %d message(s): %w", len(uids), err)
	}

	result := make([]*interfaces.FetchedMessage, 0, len(byUID))
	for _, uid := range uids {
		if err, ok := unreadable[uid]; ok {
			c.log.Warnf("[%s] Stopping fetch at uid %d: %v", c.configurationID, uid, err)
			return result, fmt.Errorf("uid %d: %w", uid, err)
		}
		if msg, ok := byUID[uid]; ok {
			result = append(result, msg)
		}
	}
	return result, nil
}

func toFetchedMessage(msg *imap.Message, section *imap.BodySectionName) (*interfaces.FetchedMessage, error) {
	body := msg.GetBody(section)
	if body == nil {
		for _, literal := range msg.Body {
			body = literal
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("no message body returned")
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	fetched := &interfaces.FetchedMessage{
		UID:   msg.Uid,
		Raw:   raw,
		Flags: msg.Flags,
	}
	fetched.Envelope.Date = msg.InternalDate

	if env := msg.Envelope; env != nil {
		fetched.Envelope.MessageID = strings.TrimSpace(env.MessageId)
		fetched.Envelope.Subject = env.Subject
		if !env.Date.IsZero() {
			fetched.Envelope.Date = env.Date
		}
		if len(env.From) > 0 && env.From[0] != nil {
			fetched.Envelope.FromName = env.From[0].PersonalName
			if address := env.From[0].Address(); address != "@" {
				fetched.Envelope.FromEmail = address
			}
		}
		for _, addr := range env.To {
			if addr == nil {
				continue
			}
			if address := addr.Address(); address != "" && address != "@" {
				fetched.Envelope.To = append(fetched.Envelope.To, address)
			}
		}
	}
	return fetched, nil
}
