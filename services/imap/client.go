package imap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/interfaces"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/tracing"
)

const (
	InboxFolder = "INBOX"

	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	LogoutTimeout         = 5 * time.Second
	FetchBatchSize        = 20
)

// Client is a single IMAP session. It is not safe for concurrent use.
type Client struct {
	log            logger.Logger
	dial           dialFunc
	connectTimeout time.Duration
	commandTimeout time.Duration

	session         session
	configurationID string
}

func NewClient(cfg *config.ImapConfig, log logger.Logger) *Client {
	c := &Client{
		log:            log,
		dial:           dialIMAP,
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
	if cfg != nil {
		if cfg.ConnectTimeout > 0 {
			c.connectTimeout = cfg.ConnectTimeout
		}
		if cfg.CommandTimeout > 0 {
			c.commandTimeout = cfg.CommandTimeout
		}
	}
	return c
}

// NewClientFactory returns a factory producing one fresh client per sync attempt.
func NewClientFactory(cfg *config.ImapConfig, log logger.Logger) interfaces.MailboxClientFactory {
	return func() interfaces.MailboxClient {
		return NewClient(cfg, log)
	}
}

// Connect dials, logs in and selects INBOX. It does not retry.
func (c *Client) Connect(ctx context.Context, conn interfaces.MailboxConnection) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ImapClient.Connect")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagConfiguration(span, conn.ConfigurationID)
	span.SetTag("server", conn.Host)
	span.SetTag("port", conn.Port)
	span.SetTag("tls", conn.Secure)

	if c.session != nil {
		c.Disconnect()
	}
	c.configurationID = conn.ConfigurationID

	s, err := c.dial(ctx, conn, c.connectTimeout)
	if err != nil {
		err = classifyDialError(err)
		tracing.TraceErr(span, err)
		return err
	}

	s.SetTimeout(c.connectTimeout)
	if err := s.Login(conn.Username, conn.Password); err != nil {
		c.logout(s)
		err = classifyLoginError(err)
		tracing.TraceErr(span, err)
		return err
	}

	if _, err := s.Select(InboxFolder, false); err != nil {
		c.logout(s)
		if isTimeout(err) {
			err = fmt.Errorf("%w: select %s: %v", mailsyncerrors.ErrTimeout, InboxFolder, err)
		} else {
			err = fmt.Errorf("%w: select %s: %v", mailsyncerrors.ErrConnection, InboxFolder, err)
		}
		tracing.TraceErr(span, err)
		return err
	}
	s.SetTimeout(c.commandTimeout)

	c.session = s
	c.log.Infof("[%s] Connected to %s:%d", conn.ConfigurationID, conn.Host, conn.Port)
	return nil
}

// FetchSince returns messages with UID greater than watermark, ascending, at most limit.
// A non-positive limit means no cap.
func (c *Client) FetchSince(ctx context.Context, watermark uint32, limit int) (interfaces.MessageStream, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ImapClient.FetchSince")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagConfiguration(span, c.configurationID)
	span.LogKV("watermark", watermark, "limit", limit)

	if c.session == nil {
		return nil, mailsyncerrors.ErrNotConnected
	}
	if watermark == ^uint32(0) {
		return newMessageStream(ctx, c, nil), nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(watermark+1, 0)

	uids, err := c.session.UidSearch(criteria)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to search messages since uid %d: %w", watermark, err)
	}

	// "n:*" always matches the highest UID, even when it is below n
	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > watermark {
			pending = append(pending, uid)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	span.LogKV("result.count", len(pending))
	c.log.Debugf("[%s] %d message(s) above uid %d", c.configurationID, len(pending), watermark)
	return newMessageStream(ctx, c, pending), nil
}

// Disconnect logs out with a bounded wait. Safe to call at any time.
func (c *Client) Disconnect() {
	if c == nil || c.session == nil {
		return
	}
	s := c.session
	c.session = nil
	c.logout(s)
}

func (c *Client) logout(s session) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnf("[%s] Recovered during logout: %v", c.configurationID, r)
		}
	}()

	s.SetTimeout(LogoutTimeout)
	done := make(chan error, 1)
	go func() {
		done <- s.Logout()
	}()

	select {
	case err := <-done:
		if err != nil {
			c.log.Debugf("[%s] Error during logout: %v", c.configurationID, err)
		}
	case <-time.After(LogoutTimeout):
		c.log.Warnf("[%s] Logout timed out", c.configurationID)
	}
}

func toSeqSet(uids []uint32) *imap.SeqSet {
	seqset := new(imap.SeqSet)
	for _, uid := range uids {
		seqset.AddNum(uid)
	}
	return seqset
}
