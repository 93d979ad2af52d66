package enum

type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

func (s SyncStatus) String() string {
	return string(s)
}

type SyncRequestStatus string

const (
	SyncRequestPending    SyncRequestStatus = "pending"
	SyncRequestProcessing SyncRequestStatus = "processing"
	SyncRequestCompleted  SyncRequestStatus = "completed"
	SyncRequestFailed     SyncRequestStatus = "failed"
	// SyncRequestUnknown is only reported to waiting callers, never stored.
	SyncRequestUnknown SyncRequestStatus = "unknown"
)

func (s SyncRequestStatus) String() string {
	return string(s)
}

func (s SyncRequestStatus) IsTerminal() bool {
	return s == SyncRequestCompleted || s == SyncRequestFailed
}

type SyncRequestType string

const (
	SyncRequestManual SyncRequestType = "manual_sync"
)

func (t SyncRequestType) String() string {
	return string(t)
}
