package collab

import (
	"context"
	"errors"
	"time"

	"snippetCollab/backend/internal/protocol"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrMalformedEvent = errors.New("malformed event")
	ErrNotInRoom      = errors.New("connection has not joined the document")
)

type UserProfile struct {
	UserID      string
	DisplayName string
	Email       string
}

// UserDirectory resolves display identity. Failures are never fatal: the
// room falls back to a placeholder name.
type UserDirectory interface {
	ResolveUser(ctx context.Context, userID string) (UserProfile, error)
}

// CollabEvent 事件类型
const (
	EventUserJoined     = "USER_JOINED"
	EventUserLeft       = "USER_LEFT"
	EventDocumentSaved  = "DOCUMENT_SAVED"
	EventSessionEvicted = "SESSION_EVICTED"
)

// CollabEvent is what the persistence side learns about editing activity.
// Field content is never part of it.
type CollabEvent struct {
	EventType    string    `json:"eventType"`
	EventID      string    `json:"eventId"`
	DocumentID   string    `json:"documentId"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Fields       []string  `json:"fields,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// EventPublisher hands events to an asynchronous pipeline. Enqueue must not
// block past ctx.
type EventPublisher interface {
	Enqueue(ctx context.Context, evt CollabEvent) error
}

type SaveRecord struct {
	EventID    string
	DocumentID string
	UserID     string
	Fields     []string
	SavedAt    time.Time
}

// SaveLog keeps an audit trail of save announcements.
type SaveLog interface {
	RecordSave(ctx context.Context, rec SaveRecord) error
}

type PresenceMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// PresenceMirror copies room membership to shared storage so other
// instances and HTTP readers can see it.
type PresenceMirror interface {
	Touch(ctx context.Context, documentID, userID, displayName string, ttl time.Duration) error
	Remove(ctx context.Context, documentID, userID string) error
	Alive(ctx context.Context, documentID string) ([]PresenceMember, error)
}

// Fanout forwards room broadcasts to the other server instances.
type Fanout interface {
	Publish(ctx context.Context, documentID string, msg protocol.OutboundMessage) error
}
