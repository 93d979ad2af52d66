package dto

import (
	"time"

	"github.com/customeros/mailsync/internal/enum"
)

type Event struct {
	Event    EventDetails  `json:"event"`
	Metadata EventMetadata `json:"metadata"`
}

type EventDetails struct {
	Id         string          `json:"id"`
	EntityId   string          `json:"entityId"`
	EntityType enum.EntityType `json:"entityType"`
	EventType  string          `json:"eventType"`
	Data       interface{}     `json:"data"`
}

type EventMetadata struct {
	UberTraceId string `json:"uber-trace-id"`
	AppSource   string `json:"appSource"`
	UserId      string `json:"userId"`
	Timestamp   string `json:"timestamp"`
}

// EmailImported is published once per newly inserted message.
type EmailImported struct {
	EmailID         string     `json:"emailId"`
	UserID          string     `json:"userId"`
	ConfigurationID string     `json:"configurationId"`
	MessageID       string     `json:"messageId"`
	UID             uint32     `json:"uid"`
	Subject         string     `json:"subject"`
	FromEmail       string     `json:"fromEmail"`
	ReceivedAt      *time.Time `json:"receivedAt,omitempty"`
	RawObjectKey    string     `json:"rawObjectKey,omitempty"`
}

type SyncRequestFinished struct {
	SyncRequestID   string                 `json:"syncRequestId"`
	UserID          string                 `json:"userId"`
	Status          enum.SyncRequestStatus `json:"status"`
	EmailsProcessed int                    `json:"emailsProcessed"`
	Error           string                 `json:"error,omitempty"`
}
