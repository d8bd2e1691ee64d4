package editsync

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"snippetCollab/backend/config"
	"snippetCollab/backend/internal/protocol"
)

var (
	ErrClosed       = errors.New("edit session closed")
	ErrNotConnected = errors.New("not connected")
)

// DocumentOptions wires a Document to its transport and its owner.
type DocumentOptions struct {
	DocumentID string
	UserID     string
	// personal 或 collection，默认 personal
	Context  string
	Tunables config.Tunables
	Now      func() time.Time

	// Send hands a frame to the transport. Errors mean the frame was dropped.
	Send func(protocol.ClientMessage) error

	OnChange        func(field, value string)
	OnCursorRestore func(field string, offset int)
	OnUsers         func([]protocol.UserView)
	OnSaved         func(userID string, data map[string]any)
	OnError         func(content string)
}

// Document is one user's edit session on one snippet: a FieldSession per
// field, one change queue, and the list of other active editors.
type Document struct {
	opts DocumentOptions
	tun  config.Tunables

	queue *ChangeQueue
	// 远端内容与保存事件串行应用
	applyMu sync.Mutex

	mu     sync.Mutex
	fields map[string]*FieldSession
	users  []protocol.UserView
	closed bool
}

func NewDocument(opts DocumentOptions, initial map[string]string) *Document {
	if opts.Context == "" {
		opts.Context = protocol.ContextPersonal
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Send == nil {
		opts.Send = func(protocol.ClientMessage) error { return ErrNotConnected }
	}
	d := &Document{
		opts:   opts,
		tun:    opts.Tunables.WithDefaults(),
		fields: make(map[string]*FieldSession),
	}
	d.queue = NewChangeQueue(d.applyQueued, QueueOptions{
		MaxSize:    d.tun.QueueSize,
		BatchDelay: d.tun.BatchDelay,
	})
	for name, value := range initial {
		d.fields[name] = d.newField(name, value)
	}
	return d
}

func (d *Document) ID() string     { return d.opts.DocumentID }
func (d *Document) UserID() string { return d.opts.UserID }

func (d *Document) newField(name, initial string) *FieldSession {
	cfg := FieldConfig{
		Field:           name,
		SelfUserID:      d.opts.UserID,
		Initial:         initial,
		Debounce:        d.tun.Debounce,
		LocalEditWindow: d.tun.LocalEditWindow,
		AntiThrash:      d.tun.AntiThrash,
		Now:             d.opts.Now,
		Emit:            d.emit,
	}
	if d.opts.OnChange != nil {
		cfg.OnChange = func(v string) { d.opts.OnChange(name, v) }
	}
	if d.opts.OnCursorRestore != nil {
		cfg.OnCursorRestore = func(off int) { d.opts.OnCursorRestore(name, off) }
	}
	return NewFieldSession(cfg)
}

// Field returns the session for name, creating an empty one on first use.
func (d *Document) Field(name string) *FieldSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fields[name]
	if !ok {
		f = d.newField(name, "")
		d.fields[name] = f
	}
	return f
}

func (d *Document) Value(field string) string { return d.Field(field).Value() }

// Values snapshots every known field.
func (d *Document) Values() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.fields))
	for name, f := range d.fields {
		out[name] = f.Value()
	}
	return out
}

// ActiveUsers returns a copy of the other editors currently in the document.
func (d *Document) ActiveUsers() []protocol.UserView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.users)
}

func (d *Document) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// emit stamps an outbound field frame with document and user ids.
func (d *Document) emit(msg protocol.ClientMessage) {
	msg.DocumentID = d.opts.DocumentID
	msg.UserID = d.opts.UserID
	if msg.Type == protocol.TypeContentChange {
		msg.Context = d.opts.Context
	}
	if err := d.opts.Send(msg); err != nil {
		// 断线期间的编辑直接丢弃，重连后由保存或后续编辑收敛
		log.Printf("drop %s user=%s doc=%s field=%s: %v", msg.Type, d.opts.UserID, d.opts.DocumentID, msg.Field, err)
	}
}

// JoinMessage is the frame announcing this editor; the transport sends it on
// every (re)connect.
func (d *Document) JoinMessage() protocol.ClientMessage {
	return protocol.ClientMessage{
		Type:       protocol.TypeJoinDocumentEdit,
		DocumentID: d.opts.DocumentID,
		UserID:     d.opts.UserID,
	}
}

// Save announces a persisted snapshot to the other editors.
func (d *Document) Save(data map[string]any) error {
	if d.isClosed() {
		return ErrClosed
	}
	err := d.opts.Send(protocol.ClientMessage{
		Type:       protocol.TypeDocumentSaved,
		DocumentID: d.opts.DocumentID,
		UserID:     d.opts.UserID,
		Data:       data,
		Timestamp:  d.opts.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("send document-saved: %w", err)
	}
	return nil
}

// Leave cancels pending timers and queued changes, then tells the room.
func (d *Document) Leave() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	fields := make([]*FieldSession, 0, len(d.fields))
	for _, f := range d.fields {
		fields = append(fields, f)
	}
	d.users = nil
	d.mu.Unlock()

	d.queue.Close()
	for _, f := range fields {
		f.Close()
	}
	err := d.opts.Send(protocol.ClientMessage{
		Type:       protocol.TypeLeaveDocumentEdit,
		DocumentID: d.opts.DocumentID,
		UserID:     d.opts.UserID,
	})
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// ResetPresence forgets the active users; used when the connection drops.
func (d *Document) ResetPresence() {
	d.mu.Lock()
	d.users = nil
	users := []protocol.UserView{}
	d.mu.Unlock()
	d.notifyUsers(users)
}

// Handle routes one inbound server frame.
func (d *Document) Handle(msg protocol.ServerMessage) {
	if d.isClosed() {
		return
	}
	if msg.DocumentID != "" && msg.DocumentID != d.opts.DocumentID {
		return
	}
	switch msg.Type {
	case protocol.TypeActiveUsersUpdate:
		d.setUsers(msg.Users)
	case protocol.TypeUserJoinedEdit:
		d.userJoined(protocol.UserView{
			UserID:      msg.UserID,
			DisplayName: msg.DisplayName,
			Email:       msg.Email,
			JoinedAt:    msg.JoinedAt,
		})
	case protocol.TypeUserLeftEdit:
		d.userLeft(msg.UserID)
	case protocol.TypeContentChanged:
		if msg.Value == nil || msg.Field == "" {
			log.Printf("doc=%s: content-changed without field or value from user=%s", d.opts.DocumentID, msg.UserID)
			return
		}
		d.queue.Add(protocol.ContentChanged{
			Type:           msg.Type,
			DocumentID:     msg.DocumentID,
			UserID:         msg.UserID,
			Field:          msg.Field,
			Value:          *msg.Value,
			CursorPosition: msg.CursorPosition,
			Timestamp:      msg.Timestamp,
			MessageID:      msg.MessageID,
			Context:        msg.Context,
		})
	case protocol.TypeCursorPositionChanged:
		if msg.Position == nil {
			return
		}
		d.cursorMoved(msg.UserID, msg.Field, *msg.Position)
	case protocol.TypeSavedByUser:
		d.applySaved(msg)
	case protocol.TypePong:
	case protocol.TypeError:
		log.Printf("doc=%s: server error: %s", d.opts.DocumentID, msg.Content)
		if d.opts.OnError != nil {
			d.opts.OnError(msg.Content)
		}
	default:
		log.Printf("doc=%s: unknown message type %q", d.opts.DocumentID, msg.Type)
	}
}

func (d *Document) applyQueued(evt protocol.ContentChanged) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	f := d.Field(evt.Field)
	if dec := f.ApplyRemote(evt); !dec.Accepted() {
		log.Printf("doc=%s field=%s: %s from user=%s ts=%d", d.opts.DocumentID, evt.Field, dec, evt.UserID, evt.Timestamp)
	}
}

func (d *Document) applySaved(msg protocol.ServerMessage) {
	if msg.UserID == d.opts.UserID {
		return
	}
	d.applyMu.Lock()
	for name, raw := range msg.Data {
		value, ok := savedFieldValue(raw)
		if !ok {
			continue
		}
		d.Field(name).ApplySaved(value, msg.Timestamp)
	}
	d.applyMu.Unlock()
	if d.opts.OnSaved != nil {
		d.opts.OnSaved(msg.UserID, msg.Data)
	}
}

// savedFieldValue turns a saved JSON value into field text; tag lists are
// comma-joined.
func savedFieldValue(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []string:
		return strings.Join(v, ","), true
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	default:
		return "", false
	}
}

func (d *Document) setUsers(users []protocol.UserView) {
	d.mu.Lock()
	next := make([]protocol.UserView, 0, len(users))
	for _, u := range users {
		if u.UserID == d.opts.UserID {
			continue
		}
		next = append(next, u)
	}
	d.users = next
	snapshot := slices.Clone(next)
	d.mu.Unlock()
	d.notifyUsers(snapshot)
}

func (d *Document) userJoined(u protocol.UserView) {
	if u.UserID == "" || u.UserID == d.opts.UserID {
		return
	}
	d.mu.Lock()
	if slices.ContainsFunc(d.users, func(x protocol.UserView) bool { return x.UserID == u.UserID }) {
		d.mu.Unlock()
		return
	}
	d.users = append(d.users, u)
	snapshot := slices.Clone(d.users)
	d.mu.Unlock()
	d.notifyUsers(snapshot)
}

func (d *Document) userLeft(userID string) {
	d.mu.Lock()
	before := len(d.users)
	d.users = slices.DeleteFunc(d.users, func(x protocol.UserView) bool { return x.UserID == userID })
	changed := len(d.users) != before
	snapshot := slices.Clone(d.users)
	d.mu.Unlock()
	if changed {
		d.notifyUsers(snapshot)
	}
}

func (d *Document) cursorMoved(userID, field string, pos int) {
	d.mu.Lock()
	i := slices.IndexFunc(d.users, func(x protocol.UserView) bool { return x.UserID == userID })
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.users[i].CursorPosition = protocol.IntPtr(pos)
	d.users[i].Field = field
	snapshot := slices.Clone(d.users)
	d.mu.Unlock()
	d.notifyUsers(snapshot)
}

func (d *Document) notifyUsers(users []protocol.UserView) {
	if d.opts.OnUsers != nil {
		d.opts.OnUsers(users)
	}
}
