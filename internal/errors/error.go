package errors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// credential errors
	ErrDecryption       = errors.New("credential decryption failed")
	ErrMissingSecretKey = errors.New("credential encryption key is not configured")

	// mailbox errors
	ErrConnection    = errors.New("mailbox connection failed")
	ErrAuth          = errors.New("mailbox authentication failed")
	ErrTimeout       = errors.New("mailbox connection timeout")
	ErrInvalidFolder = errors.New("invalid folder name")
	ErrNotConnected  = errors.New("mailbox client is not connected")

	// store errors
	ErrStaleWatermark         = errors.New("stale watermark")
	ErrConfigurationNotFound  = errors.New("mailbox configuration not found")
	ErrSyncRequestNotFound    = errors.New("sync request not found")
	ErrSyncRequestTerminal    = errors.New("sync request already in a terminal state")
	ErrNoActiveConfigurations = errors.New("no active mailbox configurations for user")
	ErrSyncInProgress         = errors.New("sync already in progress")
	ErrLeaseLost              = errors.New("sync lease expired or taken over")

	// request errors
	ErrUserIDNotSet = errors.New("userId not set")
)

// SyncStep names the stage of a configuration sync run.
type SyncStep string

const (
	StepLoad       SyncStep = "load"
	StepLock       SyncStep = "lock"
	StepDecrypt    SyncStep = "decrypt"
	StepConnect    SyncStep = "connect"
	StepFetch      SyncStep = "fetch"
	StepStore      SyncStep = "store"
	StepArchive    SyncStep = "archive"
	StepWatermark  SyncStep = "watermark"
	StepDisconnect SyncStep = "disconnect"
)

// SyncError records which configuration failed, at which step and when.
type SyncError struct {
	ConfigurationID string
	Step            SyncStep
	At              time.Time
	Err             error
}

func NewSyncError(configurationID string, step SyncStep, err error) *SyncError {
	return &SyncError{
		ConfigurationID: configurationID,
		Step:            step,
		At:              time.Now().UTC(),
		Err:             err,
	}
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("[%s] configuration %s failed at %s: %v",
		e.At.Format(time.RFC3339), e.ConfigurationID, e.Step, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
