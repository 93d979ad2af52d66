package imap

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/emersion/go-imap"
	"github.com/opentracing/opentracing-go"

	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/tracing"
)

const defaultDelimiter = "/"

// ValidateFolder rejects folder paths that cannot be used as an archive target.
func ValidateFolder(folder string) error {
	if strings.TrimSpace(folder) == "" {
		return fmt.Errorf("%w: folder name is empty", mailsyncerrors.ErrInvalidFolder)
	}
	if strings.EqualFold(folder, InboxFolder) {
		return fmt.Errorf("%w: cannot archive into %s", mailsyncerrors.ErrInvalidFolder, InboxFolder)
	}
	for _, r := range folder {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: folder name contains control characters", mailsyncerrors.ErrInvalidFolder)
		}
	}
	for _, segment := range strings.Split(folder, defaultDelimiter) {
		if strings.TrimSpace(segment) == "" {
			return fmt.Errorf("%w: empty segment in %q", mailsyncerrors.ErrInvalidFolder, folder)
		}
	}
	return nil
}

// MoveMessages moves the given UIDs from INBOX into folder, creating the folder
// hierarchy when needed. It returns the number of UIDs that were present and moved.
func (c *Client) MoveMessages(ctx context.Context, uids []uint32, folder string) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ImapClient.MoveMessages")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagConfiguration(span, c.configurationID)
	span.LogKV("folder", folder, "count", len(uids))

	if err := ValidateFolder(folder); err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	if c.session == nil {
		return 0, mailsyncerrors.ErrNotConnected
	}
	if len(uids) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := c.ensureFolder(folder); err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = toSeqSet(uids)
	present, err := c.session.UidSearch(criteria)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, fmt.Errorf("failed to resolve uids before move: %w", err)
	}

	requested := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		requested[uid] = struct{}{}
	}
	movable := make([]uint32, 0, len(present))
	for _, uid := range present {
		if _, ok := requested[uid]; ok {
			movable = append(movable, uid)
			delete(requested, uid)
		}
	}
	if len(movable) == 0 {
		return 0, nil
	}

	if err := c.session.UidMove(toSeqSet(movable), folder); err != nil {
		tracing.TraceErr(span, err)
		return 0, fmt.Errorf("failed to move %d message(s) to %s: %w", len(movable), folder, err)
	}

	c.log.Infof("[%s] Moved %d message(s) to %s", c.configurationID, len(movable), folder)
	return len(movable), nil
}

// ensureFolder creates every level of the folder path using the server delimiter.
func (c *Client) ensureFolder(folder string) error {
	delimiter := c.delimiter()

	segments := strings.Split(folder, defaultDelimiter)
	path := ""
	for _, segment := range segments {
		if path == "" {
			path = segment
		} else {
			path = path + delimiter + segment
		}
		if err := c.session.Create(path); err != nil && !isAlreadyExists(err) {
			if c.folderExists(path) {
				continue
			}
			return fmt.Errorf("failed to create folder %s: %w", path, err)
		}
	}
	return nil
}

func (c *Client) delimiter() string {
	mailboxes := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.session.List("", "", mailboxes)
	}()

	delimiter := ""
	for m := range mailboxes {
		if m != nil && m.Delimiter != "" && delimiter == "" {
			delimiter = m.Delimiter
		}
	}
	if err := <-done; err != nil || delimiter == "" {
		return defaultDelimiter
	}
	return delimiter
}

func (c *Client) folderExists(path string) bool {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.session.List("", path, mailboxes)
	}()

	found := false
	for m := range mailboxes {
		if m != nil && m.Name == path {
			found = true
		}
	}
	return <-done == nil && found
}
