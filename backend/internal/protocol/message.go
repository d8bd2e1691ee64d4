package protocol

import (
	"encoding/json"
	"time"
)

// 客户端 -> 服务端
const (
	TypeJoinDocumentEdit     = "join-document-edit"
	TypeLeaveDocumentEdit    = "leave-document-edit"
	TypeContentChange        = "content-change"
	TypeCursorPositionChange = "cursor-position-change"
	TypeDocumentSaved        = "document-saved"
	TypePing                 = "ping"
)

// 服务端 -> 客户端
const (
	TypeActiveUsersUpdate     = "active-users-update"
	TypeUserJoinedEdit        = "user-joined-edit"
	TypeUserLeftEdit          = "user-left-edit"
	TypeContentChanged        = "content-changed"
	TypeCursorPositionChanged = "cursor-position-changed"
	TypeSavedByUser           = "saved-by-user"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Logical field names of a snippet document.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldContent     = "content"
	FieldContentType = "contentType"
	FieldTags        = "tags"
)

const (
	ContextPersonal   = "personal"
	ContextCollection = "collection"
)

// ClientMessage is the union of every frame a client may send. Value is a
// pointer so a missing value can be told apart from an empty field.
type ClientMessage struct {
	Type           string         `json:"type"`
	DocumentID     string         `json:"documentId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Field          string         `json:"field,omitempty"`
	Value          *string        `json:"value,omitempty"`
	CursorPosition *int           `json:"cursorPosition,omitempty"`
	Position       *int           `json:"position,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Context        string         `json:"context,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type UserView struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Email          string    `json:"email,omitempty"`
	JoinedAt       time.Time `json:"joinedAt,omitzero"`
	CursorPosition *int      `json:"cursorPosition,omitempty"`
	Field          string    `json:"field,omitempty"`
}

type ActiveUsersUpdate struct {
	Type  string     `json:"type"`
	Users []UserView `json:"users"`
}

type UserJoinedEdit struct {
	Type string `json:"type"`
	UserView
}

type UserLeftEdit struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ContentChanged is the relayed form of a ChangeEvent. Value is always the
// complete new field value.
type ContentChanged struct {
	Type           string `json:"type"`
	DocumentID     string `json:"documentId,omitempty"`
	UserID         string `json:"userId"`
	Field          string `json:"field"`
	Value          string `json:"value"`
	CursorPosition *int   `json:"cursorPosition,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	MessageID      string `json:"messageId"`
	Context        string `json:"context,omitempty"`
}

type CursorPositionChanged struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	UserID     string `json:"userId"`
	Field      string `json:"field"`
	Position   int    `json:"position"`
	Timestamp  int64  `json:"timestamp"`
}

type SavedByUser struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId,omitempty"`
	UserID     string         `json:"userId"`
	Data       map[string]any `json:"data"`
	Timestamp  int64          `json:"timestamp"`
}

type Pong struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (m ActiveUsersUpdate) MessageType() string     { return m.Type }
func (m UserJoinedEdit) MessageType() string        { return m.Type }
func (m UserLeftEdit) MessageType() string          { return m.Type }
func (m ContentChanged) MessageType() string        { return m.Type }
func (m CursorPositionChanged) MessageType() string { return m.Type }
func (m SavedByUser) MessageType() string           { return m.Type }
func (m Pong) MessageType() string                  { return m.Type }
func (m ErrorMessage) MessageType() string          { return m.Type }
func (m ClientMessage) MessageType() string         { return m.Type }

// RawMessage is a server frame that is already encoded, for example one
// forwarded from another instance.
type RawMessage struct {
	Type string
	Body json.RawMessage
}

func (m RawMessage) MessageType() string          { return m.Type }
func (m RawMessage) MarshalJSON() ([]byte, error) { return m.Body, nil }

// ServerMessage is the client-side decoding target: the union of every
// frame the server may send.
type ServerMessage struct {
	Type           string         `json:"type"`
	DocumentID     string         `json:"documentId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	DisplayName    string         `json:"displayName,omitempty"`
	Email          string         `json:"email,omitempty"`
	JoinedAt       time.Time      `json:"joinedAt,omitzero"`
	Users          []UserView     `json:"users,omitempty"`
	Field          string         `json:"field,omitempty"`
	Value          *string        `json:"value,omitempty"`
	CursorPosition *int           `json:"cursorPosition,omitempty"`
	Position       *int           `json:"position,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Context        string         `json:"context,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Content        string         `json:"content,omitempty"`
}

// NowMillis is the wire clock: milliseconds since the Unix epoch.
func NowMillis() int64 { return time.Now().UnixMilli() }

// IntPtr is a helper for optional positions.
func IntPtr(v int) *int { return &v }

// StringPtr is a helper for optional values.
func StringPtr(v string) *string { return &v }
