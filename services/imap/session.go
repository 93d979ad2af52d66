package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/customeros/mailsync/interfaces"
)

// session is the part of *client.Client the mailbox client relies on.
type session interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Create(name string) error
	Logout() error
	SetTimeout(timeout time.Duration)
}

type clientSession struct {
	*client.Client
}

func (s *clientSession) SetTimeout(timeout time.Duration) {
	s.Client.Timeout = timeout
}

type dialFunc func(ctx context.Context, conn interfaces.MailboxConnection, timeout time.Duration) (session, error)

// dialIMAP opens the TCP (optionally TLS) connection. The dial is bounded by
// timeout and by the context deadline, whichever comes first.
func dialIMAP(ctx context.Context, conn interfaces.MailboxConnection, timeout time.Duration) (session, error) {
	serverAddr := fmt.Sprintf("%s:%d", conn.Host, conn.Port)

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var c *client.Client
	var err error
	if conn.Secure {
		c, err = client.DialWithDialerTLS(dialer, serverAddr, &tls.Config{ServerName: conn.Host})
	} else {
		c, err = client.DialWithDialer(dialer, serverAddr)
	}
	if err != nil {
		return nil, err
	}
	return &clientSession{Client: c}, nil
}
