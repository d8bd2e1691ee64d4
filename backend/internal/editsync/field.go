package editsync

import (
	"log"
	"sync"
	"time"

	"snippetCollab/backend/internal/protocol"
	"snippetCollab/backend/internal/textdiff"
)

// State of one field of one editor.
type State int

const (
	StateIdle State = iota
	// the user is typing; remote values are held off
	StateLocalEditing
	// a remote value is replacing the local one; local input is ignored
	StateApplyingRemote
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalEditing:
		return "local-editing"
	case StateApplyingRemote:
		return "applying-remote"
	default:
		return "unknown"
	}
}

// Decision is the outcome of offering a remote change to a field.
type Decision int

const (
	Applied Decision = iota
	// same value as the local one; marked as applied, owner not notified
	AppliedUnchanged
	RejectedMalformed
	RejectedOwnEcho
	RejectedDuplicate
	RejectedStale
	RejectedPendingEcho
	RejectedRecentInput
	RejectedBusy
	RejectedClosed
)

func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case AppliedUnchanged:
		return "applied-unchanged"
	case RejectedMalformed:
		return "rejected-malformed"
	case RejectedOwnEcho:
		return "rejected-own-echo"
	case RejectedDuplicate:
		return "rejected-duplicate"
	case RejectedStale:
		return "rejected-stale"
	case RejectedPendingEcho:
		return "rejected-pending-echo"
	case RejectedRecentInput:
		return "rejected-recent-input"
	case RejectedBusy:
		return "rejected-busy"
	case RejectedClosed:
		return "rejected-closed"
	default:
		return "unknown"
	}
}

// Accepted reports whether the remote value now backs the field.
func (d Decision) Accepted() bool { return d == Applied || d == AppliedUnchanged }

// FieldConfig wires a FieldSession. Emit receives outbound content-change and
// cursor-position-change frames without document or user ids; the owning
// Document fills those in.
type FieldConfig struct {
	Field      string
	SelfUserID string
	Initial    string

	Debounce        time.Duration
	LocalEditWindow time.Duration
	AntiThrash      time.Duration
	Now             func() time.Time

	Emit            func(protocol.ClientMessage)
	OnChange        func(value string)
	OnCursorRestore func(offset int)
}

// FieldSession owns the local value of one field for one editor.
type FieldSession struct {
	field      string
	selfUserID string

	debounce        time.Duration
	localEditWindow time.Duration
	antiThrash      time.Duration
	now             func() time.Time

	emit            func(protocol.ClientMessage)
	onChange        func(string)
	onCursorRestore func(int)

	// 发送与 Close 串行：Close 返回后不会再有帧发出。加锁顺序 emitMu -> mu
	emitMu sync.Mutex

	mu                  sync.Mutex
	state               State
	value               string
	cursor              int
	focused             bool
	lastLocalChangeAt   time.Time
	// 最近一次本地发出的 content-change 时间戳
	lastLocalEmitTS     int64
	// 最近一次应用的远端时间戳（去重标记）
	lastAppliedRemoteTS int64
	appliedAny          bool
	ignoreNextEcho      bool
	// 本地修改已记录但 debounce 尚未发出
	pendingEmit         bool
	debounceTimer       *time.Timer
	editTimer           *time.Timer
	closed              bool
}

func NewFieldSession(cfg FieldConfig) *FieldSession {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.LocalEditWindow <= 0 {
		cfg.LocalEditWindow = 300 * time.Millisecond
	}
	if cfg.AntiThrash < 0 {
		cfg.AntiThrash = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Emit == nil {
		cfg.Emit = func(protocol.ClientMessage) {}
	}
	return &FieldSession{
		field:           cfg.Field,
		selfUserID:      cfg.SelfUserID,
		debounce:        cfg.Debounce,
		localEditWindow: cfg.LocalEditWindow,
		antiThrash:      cfg.AntiThrash,
		now:             cfg.Now,
		emit:            cfg.Emit,
		onChange:        cfg.OnChange,
		onCursorRestore: cfg.OnCursorRestore,
		value:           cfg.Initial,
	}
}

func (f *FieldSession) Field() string { return f.field }

func (f *FieldSession) Value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *FieldSession) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Cursor returns the cursor offset and whether the field has focus.
func (f *FieldSession) Cursor() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, f.focused
}

// Input records a keystroke: the value is replaced immediately and a
// content-change is emitted once the debounce delay passes without further
// input. Input is ignored while a remote value is being applied.
func (f *FieldSession) Input(value string, cursor int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.state == StateApplyingRemote {
		return false
	}
	f.lastLocalChangeAt = f.now()
	f.state = StateLocalEditing
	f.value = value
	if f.focused {
		f.cursor = cursor
	}
	f.ignoreNextEcho = true
	f.pendingEmit = true

	if f.editTimer != nil {
		f.editTimer.Stop()
	}
	f.editTimer = time.AfterFunc(f.localEditWindow, f.expireLocalEditing)

	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
	}
	f.debounceTimer = time.AfterFunc(f.debounce, f.emitCurrent)
	return true
}

func (f *FieldSession) expireLocalEditing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateLocalEditing {
		f.state = StateIdle
	}
}

// emitCurrent sends the value as it is when the debounce fires, stamped with
// the fire time.
func (f *FieldSession) emitCurrent() {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	f.mu.Lock()
	// a remote apply or save may have cancelled the edit after the timer fired
	if f.closed || !f.pendingEmit {
		f.mu.Unlock()
		return
	}
	f.pendingEmit = false
	ts := f.now().UnixMilli()
	if ts <= f.lastLocalEmitTS {
		ts = f.lastLocalEmitTS + 1
	}
	f.lastLocalEmitTS = ts
	msg := protocol.ClientMessage{
		Type:      protocol.TypeContentChange,
		Field:     f.field,
		Value:     protocol.StringPtr(f.value),
		Timestamp: ts,
	}
	if f.focused {
		msg.CursorPosition = protocol.IntPtr(f.cursor)
	}
	f.mu.Unlock()
	f.emit(msg)
}

// Flush emits a pending debounced change right away. It reports whether
// anything was pending.
func (f *FieldSession) Flush() bool {
	f.mu.Lock()
	if f.debounceTimer == nil || !f.debounceTimer.Stop() {
		f.mu.Unlock()
		return false
	}
	f.debounceTimer = nil
	f.mu.Unlock()
	f.emitCurrent()
	return true
}

// ApplyRemote offers a relayed change to the field.
func (f *FieldSession) ApplyRemote(evt protocol.ContentChanged) Decision {
	if evt.Field != f.field {
		log.Printf("field %s: dropping change addressed to field %q (msg=%s)", f.field, evt.Field, evt.MessageID)
		return RejectedMalformed
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return RejectedClosed
	}
	if f.state == StateApplyingRemote {
		f.mu.Unlock()
		return RejectedBusy
	}
	if evt.UserID == f.selfUserID {
		// 自己的回声：同时消费掉回声标记
		f.ignoreNextEcho = false
		f.mu.Unlock()
		return RejectedOwnEcho
	}
	if f.appliedAny && evt.Timestamp == f.lastAppliedRemoteTS {
		f.mu.Unlock()
		return RejectedDuplicate
	}
	if f.isStale(evt) {
		f.mu.Unlock()
		return RejectedStale
	}
	if f.ignoreNextEcho {
		// once our change is on the wire, timestamps arbitrate instead
		f.ignoreNextEcho = false
		if f.pendingEmit {
			f.mu.Unlock()
			return RejectedPendingEcho
		}
	}
	if !f.lastLocalChangeAt.IsZero() && f.now().Sub(f.lastLocalChangeAt) < f.antiThrash {
		f.mu.Unlock()
		return RejectedRecentInput
	}

	f.lastAppliedRemoteTS = evt.Timestamp
	f.appliedAny = true
	f.cancelPendingLocked()
	if evt.Value == f.value {
		f.mu.Unlock()
		return AppliedUnchanged
	}
	f.replaceLocked(evt.Value)
	return Applied
}

// isStale: the highest timestamp seen for this field wins. A tie against our
// own last emit is broken by user id so both sides pick the same winner.
func (f *FieldSession) isStale(evt protocol.ContentChanged) bool {
	if f.appliedAny && evt.Timestamp < f.lastAppliedRemoteTS {
		return true
	}
	if evt.Timestamp < f.lastLocalEmitTS {
		return true
	}
	return evt.Timestamp == f.lastLocalEmitTS && evt.UserID < f.selfUserID
}

// ApplySaved installs a persisted value. A save always wins over live edits:
// pending debounced input is discarded.
func (f *FieldSession) ApplySaved(value string, timestamp int64) Decision {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return RejectedClosed
	}
	if f.state == StateApplyingRemote {
		f.mu.Unlock()
		return RejectedBusy
	}
	f.cancelPendingLocked()
	f.ignoreNextEcho = false
	if timestamp > f.lastAppliedRemoteTS {
		f.lastAppliedRemoteTS = timestamp
		f.appliedAny = true
	}
	if value == f.value {
		f.mu.Unlock()
		return AppliedUnchanged
	}
	f.replaceLocked(value)
	return Applied
}

func (f *FieldSession) cancelPendingLocked() {
	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
		f.debounceTimer = nil
	}
	f.pendingEmit = false
}

// replaceLocked must be called with f.mu held; it releases it. The owner is
// notified outside the lock while the state is ApplyingRemote, so an Input
// triggered from inside OnChange is ignored instead of echoed back.
func (f *FieldSession) replaceLocked(next string) {
	f.state = StateApplyingRemote
	old := f.value
	focused := f.focused
	cursor := f.cursor
	if focused {
		cursor = textdiff.AdjustCursor(old, next, cursor)
		f.cursor = cursor
	}
	f.value = next
	onChange := f.onChange
	onCursorRestore := f.onCursorRestore
	f.mu.Unlock()

	if onChange != nil {
		onChange(next)
	}
	if focused && onCursorRestore != nil {
		onCursorRestore(cursor)
	}

	f.mu.Lock()
	if f.state == StateApplyingRemote {
		f.state = StateIdle
	}
	f.mu.Unlock()
}

// Focus marks the field as focused with the cursor at offset.
func (f *FieldSession) Focus(offset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = true
	f.cursor = clampOffset(f.value, offset)
}

func (f *FieldSession) Blur() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = false
}

// MoveCursor records a local cursor move and emits a cursor-position-change.
func (f *FieldSession) MoveCursor(offset int) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.focused = true
	f.cursor = clampOffset(f.value, offset)
	msg := protocol.ClientMessage{
		Type:      protocol.TypeCursorPositionChange,
		Field:     f.field,
		Position:  protocol.IntPtr(f.cursor),
		Timestamp: f.now().UnixMilli(),
	}
	f.mu.Unlock()
	f.emit(msg)
}

// Close cancels pending timers and waits for an emit in progress. Nothing is
// emitted after Close returns.
func (f *FieldSession) Close() {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cancelPendingLocked()
	if f.editTimer != nil {
		f.editTimer.Stop()
		f.editTimer = nil
	}
	f.state = StateIdle
}

func clampOffset(value string, offset int) int {
	n := len([]rune(value))
	return max(0, min(offset, n))
}
