package mailsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/customeros/mailsync/interfaces"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
)

// fakeServer hands out clients bound to one fakeMailbox per configuration.
type fakeServer struct {
	mu    sync.Mutex
	boxes map[string]*fakeMailbox
}

func newFakeServer() *fakeServer {
	return &fakeServer{boxes: map[string]*fakeMailbox{}}
}

func (s *fakeServer) box(configurationID string) *fakeMailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[configurationID]
	if !ok {
		b = &fakeMailbox{inbox: map[uint32]*interfaces.FetchedMessage{}, folders: map[string][]uint32{}}
		s.boxes[configurationID] = b
	}
	return b
}

func (s *fakeServer) factory() interfaces.MailboxClientFactory {
	return func() interfaces.MailboxClient {
		return &fakeClient{server: s}
	}
}

type fakeMailbox struct {
	mu          sync.Mutex
	inbox       map[uint32]*interfaces.FetchedMessage
	folders     map[string][]uint32
	connectErr  error
	moveErr     error
	failAfter   int // stream fails after yielding this many messages, 0 disables
	onFetch     func()
	connects    int
	disconnects int
	passwords   []string
}

func (b *fakeMailbox) add(uids ...uint32) *fakeMailbox {
	for _, uid := range uids {
		b.addMessage(uid, fmt.Sprintf("<msg-%d@example.com>", uid))
	}
	return b
}

func (b *fakeMailbox) addMessage(uid uint32, messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	header := ""
	if messageID != "" {
		header = "Message-ID: " + messageID + "\r\n"
	}
	raw := fmt.Sprintf("%sFrom: Bank Alerts <alerts@bank.example>\r\nTo: me@example.com\r\nSubject: Transaction %d\r\nContent-Type: text/plain\r\n\r\nYou spent $%d.00\r\n", header, uid, uid)
	b.inbox[uid] = &interfaces.FetchedMessage{
		UID: uid,
		Raw: []byte(raw),
		Envelope: interfaces.MessageEnvelope{
			MessageID: messageID,
			Subject:   fmt.Sprintf("Transaction %d", uid),
			Date:      time.Date(2024, 3, 1, 10, 0, int(uid), 0, time.UTC),
			FromName:  "Bank Alerts",
			FromEmail: "Alerts@Bank.example",
			To:        []string{"me@example.com"},
		},
	}
}

func (b *fakeMailbox) inboxUIDs() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	uids := make([]uint32, 0, len(b.inbox))
	for uid := range b.inbox {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

type fakeClient struct {
	server *fakeServer
	box    *fakeMailbox
}

func (c *fakeClient) Connect(_ context.Context, conn interfaces.MailboxConnection) error {
	box := c.server.box(conn.ConfigurationID)
	box.mu.Lock()
	defer box.mu.Unlock()
	box.connects++
	box.passwords = append(box.passwords, conn.Password)
	if box.connectErr != nil {
		return box.connectErr
	}
	c.box = box
	return nil
}

func (c *fakeClient) FetchSince(_ context.Context, watermark uint32, limit int) (interfaces.MessageStream, error) {
	if c.box == nil {
		return nil, mailsyncerrors.ErrNotConnected
	}
	c.box.mu.Lock()
	hook := c.box.onFetch
	c.box.onFetch = nil
	c.box.mu.Unlock()
	if hook != nil {
		hook()
	}
	c.box.mu.Lock()
	defer c.box.mu.Unlock()

	var messages []*interfaces.FetchedMessage
	for uid, msg := range c.box.inbox {
		if uid > watermark {
			messages = append(messages, msg)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return &sliceStream{messages: messages, failAfter: c.box.failAfter}, nil
}

func (c *fakeClient) MoveMessages(_ context.Context, uids []uint32, folder string) (int, error) {
	if c.box == nil {
		return 0, mailsyncerrors.ErrNotConnected
	}
	c.box.mu.Lock()
	defer c.box.mu.Unlock()
	if c.box.moveErr != nil {
		return 0, c.box.moveErr
	}
	moved := 0
	for _, uid := range uids {
		if _, ok := c.box.inbox[uid]; ok {
			delete(c.box.inbox, uid)
			c.box.folders[folder] = append(c.box.folders[folder], uid)
			moved++
		}
	}
	return moved, nil
}

func (c *fakeClient) Disconnect() {
	box := c.box
	if box == nil {
		return
	}
	box.mu.Lock()
	box.disconnects++
	box.mu.Unlock()
	c.box = nil
}

type sliceStream struct {
	messages  []*interfaces.FetchedMessage
	failAfter int
	yielded   int
	current   *interfaces.FetchedMessage
	err       error
}

func (s *sliceStream) Next() bool {
	if s.failAfter > 0 && s.yielded == s.failAfter {
		s.err = fmt.Errorf("%w: connection reset by peer", mailsyncerrors.ErrConnection)
		return false
	}
	if s.yielded >= len(s.messages) {
		return false
	}
	s.current = s.messages[s.yielded]
	s.yielded++
	return true
}

func (s *sliceStream) Message() *interfaces.FetchedMessage { return s.current }
func (s *sliceStream) Err() error                          { return s.err }
func (s *sliceStream) Close() error                        { return nil }
