package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
)

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "use of closed network connection")
}

// classifyDialError maps a dial failure to ErrTimeout or ErrConnection.
func classifyDialError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", mailsyncerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", mailsyncerrors.ErrConnection, err)
}

// classifyLoginError maps a LOGIN failure. Anything that is not a transport
// problem is treated as rejected credentials.
func classifyLoginError(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %v", mailsyncerrors.ErrTimeout, err)
	case isConnectionError(err):
		return fmt.Errorf("%w: %v", mailsyncerrors.ErrConnection, err)
	default:
		return fmt.Errorf("%w: %v", mailsyncerrors.ErrAuth, err)
	}
}

func isAlreadyExists(err error) bool {
	errStr := strings.ToUpper(err.Error())
	return strings.Contains(errStr, "ALREADYEXISTS") || strings.Contains(errStr, "ALREADY EXISTS")
}
