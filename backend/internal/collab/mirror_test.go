package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"snippetCollab/backend/internal/protocol"
)

type fakePresence struct {
	mu      sync.Mutex
	members map[string]map[string]string // doc -> user -> name
	touches int
}

func newFakePresence() *fakePresence {
	return &fakePresence{members: map[string]map[string]string{}}
}

func (p *fakePresence) Touch(ctx context.Context, documentID, userID, displayName string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.members[documentID] == nil {
		p.members[documentID] = map[string]string{}
	}
	p.members[documentID][userID] = displayName
	p.touches++
	return nil
}

func (p *fakePresence) Remove(ctx context.Context, documentID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members[documentID], userID)
	return nil
}

func (p *fakePresence) Alive(ctx context.Context, documentID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PresenceMember
	for id, name := range p.members[documentID] {
		out = append(out, PresenceMember{UserID: id, DisplayName: name})
	}
	return out, nil
}

type fakeFanout struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeFanout) Publish(ctx context.Context, documentID string, msg protocol.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, documentID+":"+msg.MessageType())
	return nil
}

func TestRoomServer_PresenceMirrorAndFanout(t *testing.T) {
	presence := newFakePresence()
	fanout := &fakeFanout{}
	s, _ := newTestServer(t, Options{Presence: presence, Fanout: fanout})
	ctx := context.Background()
	a := newPeer("conn-a")

	if _, err := s.Join(ctx, a, "doc-1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	s.Heartbeat(ctx, a)
	if presence.touches != 2 {
		t.Fatalf("touches = %d, want join + heartbeat", presence.touches)
	}

	// 其他实例上的编辑者只存在于镜像里
	_ = presence.Touch(ctx, "doc-1", "remote-bob", "Bob", time.Minute)
	editors := s.Editors(ctx, "doc-1")
	if len(editors) != 2 || editors[0].UserID != "alice" || editors[1].UserID != "remote-bob" {
		t.Fatalf("Editors = %+v", editors)
	}

	if _, err := s.RelayContentChange(ctx, a, protocol.ClientMessage{
		Type: protocol.TypeContentChange, DocumentID: "doc-1", Field: "content", Value: strp("x"),
	}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if err := s.Leave(ctx, a, "doc-1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if members, _ := presence.Alive(ctx, "doc-1"); len(members) != 1 || members[0].UserID != "remote-bob" {
		t.Fatalf("mirror after leave = %+v", members)
	}

	fanout.mu.Lock()
	defer fanout.mu.Unlock()
	want := []string{"doc-1:user-joined-edit", "doc-1:content-changed", "doc-1:user-left-edit"}
	if len(fanout.sent) != len(want) {
		t.Fatalf("published %v", fanout.sent)
	}
	for i := range want {
		if fanout.sent[i] != want[i] {
			t.Fatalf("published %v, want %v", fanout.sent, want)
		}
	}
}
