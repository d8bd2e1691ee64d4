package editsync

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"snippetCollab/backend/config"
	"snippetCollab/backend/internal/protocol"
)

// memRoom relays frames between documents the way the room server does:
// never back to the sender.
type memRoom struct {
	mu   sync.Mutex
	docs map[string]*Document
	sent []protocol.ClientMessage
	seq  int
}

func newMemRoom() *memRoom { return &memRoom{docs: make(map[string]*Document)} }

func (r *memRoom) sender(userID string) func(protocol.ClientMessage) error {
	return func(m protocol.ClientMessage) error {
		r.mu.Lock()
		r.sent = append(r.sent, m)
		r.seq++
		var out protocol.ServerMessage
		switch m.Type {
		case protocol.TypeContentChange:
			out = protocol.ServerMessage{
				Type:           protocol.TypeContentChanged,
				DocumentID:     m.DocumentID,
				UserID:         m.UserID,
				Field:          m.Field,
				Value:          m.Value,
				CursorPosition: m.CursorPosition,
				Timestamp:      m.Timestamp,
				MessageID:      fmt.Sprintf("m-%d", r.seq),
				Context:        m.Context,
			}
		case protocol.TypeDocumentSaved:
			out = protocol.ServerMessage{
				Type: protocol.TypeSavedByUser, DocumentID: m.DocumentID,
				UserID: m.UserID, Data: m.Data, Timestamp: m.Timestamp,
			}
		default:
			r.mu.Unlock()
			return nil
		}
		var targets []*Document
		for id, d := range r.docs {
			if id != userID {
				targets = append(targets, d)
			}
		}
		r.mu.Unlock()
		for _, d := range targets {
			d.Handle(out)
		}
		return nil
	}
}

func (r *memRoom) join(t *testing.T, userID string, now func() time.Time, initial map[string]string) *Document {
	t.Helper()
	tun := config.DefaultTunables()
	tun.Debounce = 20 * time.Millisecond
	tun.LocalEditWindow = 20 * time.Millisecond
	d := NewDocument(DocumentOptions{
		DocumentID: "doc-1",
		UserID:     userID,
		Tunables:   tun,
		Now:        now,
		Send:       r.sender(userID),
	}, initial)
	r.mu.Lock()
	r.docs[userID] = d
	r.mu.Unlock()
	t.Cleanup(func() { _ = d.Leave() })
	return d
}

func (r *memRoom) sentOfType(typ string) []protocol.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.ClientMessage
	for _, m := range r.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDocument_TypingReachesOtherEditor(t *testing.T) {
	room := newMemRoom()
	a := room.join(t, "user-a", nil, nil)
	b := room.join(t, "user-b", nil, nil)

	a.Field(protocol.FieldContent).Input("foo", 3)

	eventually(t, "B to show foo", func() bool { return b.Value(protocol.FieldContent) == "foo" })
	if a.Value(protocol.FieldContent) != "foo" {
		t.Fatalf("A value = %q", a.Value(protocol.FieldContent))
	}
	sent := room.sentOfType(protocol.TypeContentChange)
	if len(sent) != 1 {
		t.Fatalf("A sent %d content-change frames, want 1", len(sent))
	}
	if sent[0].DocumentID != "doc-1" || sent[0].UserID != "user-a" || sent[0].Context != protocol.ContextPersonal {
		t.Fatalf("frame not stamped: %+v", sent[0])
	}
}

func TestDocument_ConcurrentEditsConvergeOnNewest(t *testing.T) {
	room := newMemRoom()
	clockA, clockB := newFakeClock(), newFakeClock()
	clockB.Advance(5 * time.Millisecond)
	initial := map[string]string{protocol.FieldContent: "line1\nline2"}
	a := room.join(t, "user-a", clockA.Now, initial)
	b := room.join(t, "user-b", clockB.Now, initial)

	a.Field(protocol.FieldContent).Input("line1\nline2\nline3", 17)
	b.Field(protocol.FieldContent).Input("line1 edited", 12)
	clockA.Advance(time.Second)
	clockB.Advance(time.Second)
	// a's stamp is older than b's by 5ms
	a.Field(protocol.FieldContent).Flush()
	b.Field(protocol.FieldContent).Flush()

	eventually(t, "both editors to show line1 edited", func() bool {
		return a.Value(protocol.FieldContent) == "line1 edited" &&
			b.Value(protocol.FieldContent) == "line1 edited"
	})
}

func TestDocument_QueueKeepsNewestOfBatch(t *testing.T) {
	room := newMemRoom()
	c := room.join(t, "user-c", nil, map[string]string{protocol.FieldContent: "line1\nline2"})

	older := "line1\nline2\nline3"
	newer := "line1 edited"
	c.Handle(protocol.ServerMessage{Type: protocol.TypeContentChanged, DocumentID: "doc-1", UserID: "user-b",
		Field: protocol.FieldContent, Value: &newer, Timestamp: 105, MessageID: "m2"})
	c.Handle(protocol.ServerMessage{Type: protocol.TypeContentChanged, DocumentID: "doc-1", UserID: "user-a",
		Field: protocol.FieldContent, Value: &older, Timestamp: 100, MessageID: "m1"})

	eventually(t, "C to apply", func() bool { return c.Value(protocol.FieldContent) == newer })
	time.Sleep(30 * time.Millisecond)
	if got := c.Value(protocol.FieldContent); got != newer {
		t.Fatalf("value = %q, want %q", got, newer)
	}
}

func TestDocument_OwnEchoIgnored(t *testing.T) {
	room := newMemRoom()
	a := room.join(t, "user-a", nil, map[string]string{protocol.FieldTitle: "mine"})

	v := "from a stale echo"
	a.Handle(protocol.ServerMessage{Type: protocol.TypeContentChanged, DocumentID: "doc-1", UserID: "user-a",
		Field: protocol.FieldTitle, Value: &v, Timestamp: 1})
	// missing value
	a.Handle(protocol.ServerMessage{Type: protocol.TypeContentChanged, DocumentID: "doc-1", UserID: "user-b",
		Field: protocol.FieldTitle, Timestamp: 2})

	time.Sleep(40 * time.Millisecond)
	if got := a.Value(protocol.FieldTitle); got != "mine" {
		t.Fatalf("title = %q", got)
	}
}

func TestDocument_ActiveUsers(t *testing.T) {
	room := newMemRoom()
	var notified [][]protocol.UserView
	var mu sync.Mutex
	tun := config.DefaultTunables()
	d := NewDocument(DocumentOptions{
		DocumentID: "doc-1",
		UserID:     "me",
		Tunables:   tun,
		Send:       room.sender("me"),
		OnUsers: func(u []protocol.UserView) {
			mu.Lock()
			notified = append(notified, u)
			mu.Unlock()
		},
	}, nil)
	defer d.Leave()

	d.Handle(protocol.ServerMessage{Type: protocol.TypeActiveUsersUpdate, Users: []protocol.UserView{
		{UserID: "me", DisplayName: "Me"},
		{UserID: "bob", DisplayName: "Bob"},
	}})
	d.Handle(protocol.ServerMessage{Type: protocol.TypeUserJoinedEdit, UserID: "carol", DisplayName: "Carol"})
	d.Handle(protocol.ServerMessage{Type: protocol.TypeUserJoinedEdit, UserID: "carol", DisplayName: "Carol"})
	d.Handle(protocol.ServerMessage{Type: protocol.TypeCursorPositionChanged, UserID: "bob",
		Field: protocol.FieldContent, Position: protocol.IntPtr(4)})

	users := d.ActiveUsers()
	if len(users) != 2 || users[0].UserID != "bob" || users[1].UserID != "carol" {
		t.Fatalf("users = %+v", users)
	}
	if users[0].CursorPosition == nil || *users[0].CursorPosition != 4 || users[0].Field != protocol.FieldContent {
		t.Fatalf("bob cursor not tracked: %+v", users[0])
	}

	d.Handle(protocol.ServerMessage{Type: protocol.TypeUserLeftEdit, UserID: "bob"})
	users = d.ActiveUsers()
	if len(users) != 1 || users[0].UserID != "carol" {
		t.Fatalf("after leave users = %+v", users)
	}

	mu.Lock()
	n := len(notified)
	mu.Unlock()
	// active-users, carol joined, bob cursor, bob left; the duplicate join is silent
	if n != 4 {
		t.Fatalf("OnUsers called %d times, want 4", n)
	}
}

func TestDocument_SavedByOtherUserWins(t *testing.T) {
	room := newMemRoom()
	d := room.join(t, "me", nil, map[string]string{protocol.FieldContent: "draft"})
	d.Field(protocol.FieldContent).Input("draft 2", 7)

	d.Handle(protocol.ServerMessage{Type: protocol.TypeSavedByUser, DocumentID: "doc-1", UserID: "bob", Timestamp: 50,
		Data: map[string]any{
			protocol.FieldContent: "persisted",
			protocol.FieldTags:    []any{"go", "sync"},
			"version":             float64(3),
		}})

	if got := d.Value(protocol.FieldContent); got != "persisted" {
		t.Fatalf("content = %q", got)
	}
	if got := d.Value(protocol.FieldTags); got != "go,sync" {
		t.Fatalf("tags = %q", got)
	}
	time.Sleep(60 * time.Millisecond)
	if n := len(room.sentOfType(protocol.TypeContentChange)); n != 0 {
		t.Fatalf("pending draft emitted after save: %d frames", n)
	}
}

func TestDocument_LeaveStopsEverything(t *testing.T) {
	room := newMemRoom()
	d := room.join(t, "me", nil, nil)
	d.Field(protocol.FieldContent).Input("unsent", 6)

	if err := d.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := len(room.sentOfType(protocol.TypeContentChange)); n != 0 {
		t.Fatalf("edit emitted after leave")
	}
	if n := len(room.sentOfType(protocol.TypeLeaveDocumentEdit)); n != 1 {
		t.Fatalf("leave frames = %d", n)
	}
	if err := d.Save(map[string]any{"content": "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Save after leave: %v", err)
	}
	if err := d.Leave(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Leave: %v", err)
	}
}

func TestDocument_SendFailureDropsEdit(t *testing.T) {
	tun := config.DefaultTunables()
	tun.Debounce = 10 * time.Millisecond
	var attempts int
	var mu sync.Mutex
	d := NewDocument(DocumentOptions{
		DocumentID: "doc-1",
		UserID:     "me",
		Tunables:   tun,
		Send: func(protocol.ClientMessage) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return ErrNotConnected
		},
	}, nil)

	d.Field(protocol.FieldContent).Input("offline", 7)
	eventually(t, "send attempt", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1
	})
	if got := d.Value(protocol.FieldContent); got != "offline" {
		t.Fatalf("local value lost: %q", got)
	}
	if err := d.Save(nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Save while offline: %v", err)
	}
	if err := d.Leave(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Leave while offline: %v", err)
	}
}
