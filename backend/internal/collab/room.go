package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"snippetCollab/backend/config"
	"snippetCollab/backend/internal/metrics"
	"snippetCollab/backend/internal/protocol"
)

// Peer is the room's view of a connection. Enqueue must not block: a full
// send buffer drops the message and returns false.
type Peer interface {
	ID() string
	Enqueue(msg protocol.OutboundMessage) bool
	Alive() bool
}

type Options struct {
	Registry  *Registry
	Directory UserDirectory
	Events    EventPublisher
	Saves     SaveLog
	Presence  PresenceMirror
	Fanout    Fanout
	Metrics   *metrics.Collab
	Tunables  config.Tunables
	// 限制同时进行的身份查询
	LookupSem *SemaphoreControl
	Now       func() time.Time
}

// RoomServer tracks who is editing which document and relays edits, cursor
// moves and save notices between the connections in a room. It never holds
// field content.
type RoomServer struct {
	registry *Registry
	dir      UserDirectory
	events   EventPublisher
	saves    SaveLog
	presence PresenceMirror
	fanout   Fanout
	metrics  *metrics.Collab
	sem      *SemaphoreControl
	now      func() time.Time

	mu  sync.Mutex
	tun config.Tunables
	// documentID -> connectionID -> peer
	rooms map[string]map[string]Peer
	// connectionID -> peer
	peers map[string]Peer
	// connectionID -> documentID -> userID
	joined map[string]map[string]string
}

func NewRoomServer(opt Options) *RoomServer {
	if opt.Registry == nil {
		opt.Registry = NewRegistry()
	}
	if opt.LookupSem == nil {
		opt.LookupSem = NewSemaphoreControl(100)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &RoomServer{
		registry: opt.Registry,
		dir:      opt.Directory,
		events:   opt.Events,
		saves:    opt.Saves,
		presence: opt.Presence,
		fanout:   opt.Fanout,
		metrics:  opt.Metrics,
		sem:      opt.LookupSem,
		now:      opt.Now,
		tun:      opt.Tunables.WithDefaults(),
		rooms:    make(map[string]map[string]Peer),
		peers:    make(map[string]Peer),
		joined:   make(map[string]map[string]string),
	}
}

func (s *RoomServer) Registry() *Registry { return s.registry }

func (s *RoomServer) Tunables() config.Tunables {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tun
}

// UpdateTunables applies reloaded configuration to later operations.
func (s *RoomServer) UpdateTunables(t config.Tunables) {
	s.mu.Lock()
	s.tun = t.WithDefaults()
	s.mu.Unlock()
}

// placeholderName mirrors what users saw before profiles existed:
// "User" plus the last four characters of the id.
func placeholderName(userID string) string {
	if len(userID) <= 4 {
		return "User" + userID
	}
	return "User" + userID[len(userID)-4:]
}

func (s *RoomServer) resolve(ctx context.Context, userID string) (UserProfile, bool) {
	fallback := UserProfile{UserID: userID, DisplayName: placeholderName(userID)}
	if s.dir == nil {
		return fallback, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.Tunables().IdentityTimeout)
	defer cancel()
	if err := s.sem.Acquire(ctx); err != nil {
		log.Printf("resolve user=%s: %v", userID, err)
		return fallback, false
	}
	defer s.sem.Release()

	start := time.Now()
	p, err := s.dir.ResolveUser(ctx, userID)
	s.metrics.ObserveIdentity(time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			log.Printf("resolve user=%s: %v", userID, err)
		}
		return fallback, false
	}
	p.UserID = userID
	if p.DisplayName == "" {
		p.DisplayName = fallback.DisplayName
	}
	return p, true
}

// Join registers the connection as userID in documentID, tells the room and
// sends the joiner the current editor list.
func (s *RoomServer) Join(ctx context.Context, peer Peer, documentID, userID string) (EditSession, error) {
	if documentID == "" || userID == "" {
		s.metrics.Rejected("malformed")
		return EditSession{}, fmt.Errorf("join: %w", ErrMalformedEvent)
	}
	profile, ok := s.resolve(ctx, userID)
	if !ok {
		s.metrics.IdentityFallback()
	}
	sess := EditSession{
		ConnectionID: peer.ID(),
		UserID:       userID,
		DocumentID:   documentID,
		DisplayName:  profile.DisplayName,
		Email:        profile.Email,
		JoinedAt:     s.now(),
	}
	joinedMsg := protocol.UserJoinedEdit{Type: protocol.TypeUserJoinedEdit, UserView: sess.View()}

	s.mu.Lock()
	// 同一连接换了身份重新加入：先让旧身份离开
	var replaced []EditSession
	if prev, ok := s.joined[peer.ID()][documentID]; ok && prev != userID {
		if gone, removed := s.removeLocked(peer.ID(), documentID, prev); removed {
			replaced = append(replaced, gone)
		}
	}
	if s.rooms[documentID] == nil {
		s.rooms[documentID] = make(map[string]Peer)
	}
	s.rooms[documentID][peer.ID()] = peer
	s.peers[peer.ID()] = peer
	if s.joined[peer.ID()] == nil {
		s.joined[peer.ID()] = make(map[string]string)
	}
	s.joined[peer.ID()][documentID] = userID
	s.registry.Put(sess)

	s.broadcastLocked(documentID, peer.ID(), joinedMsg)
	s.sendLocked(peer, protocol.ActiveUsersUpdate{
		Type:  protocol.TypeActiveUsersUpdate,
		Users: views(s.registry.List(documentID)),
	})
	ttl := s.tun.StaleAfter
	s.mu.Unlock()

	if len(replaced) > 0 {
		log.Printf("conn=%s rejoined doc=%s as user=%s, dropping user=%s", peer.ID(), documentID, userID, replaced[0].UserID)
		s.afterRemoval(ctx, replaced, EventUserLeft)
	}
	log.Printf("user=%s (%s) joined doc=%s conn=%s", userID, sess.DisplayName, documentID, peer.ID())
	s.metrics.SetSessions(s.registry.Len())
	if s.presence != nil {
		if err := s.presence.Touch(ctx, documentID, userID, sess.DisplayName, ttl); err != nil {
			log.Printf("presence touch doc=%s user=%s: %v", documentID, userID, err)
		}
	}
	s.publishRemote(documentID, joinedMsg)
	s.emit(CollabEvent{
		EventType:    EventUserJoined,
		DocumentID:   documentID,
		UserID:       userID,
		DisplayName:  sess.DisplayName,
		ConnectionID: peer.ID(),
	})
	return sess, nil
}

// Leave removes the connection from the document. The user that joined on
// this connection is authoritative; a different userID is only logged.
func (s *RoomServer) Leave(ctx context.Context, peer Peer, documentID, userID string) error {
	s.mu.Lock()
	joinedAs, ok := s.joined[peer.ID()][documentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("leave doc=%s: %w", documentID, ErrNotInRoom)
	}
	if userID != "" && userID != joinedAs {
		log.Printf("leave doc=%s conn=%s: user=%s does not match joined user=%s", documentID, peer.ID(), userID, joinedAs)
	}
	userID = joinedAs
	sess, removed := s.removeLocked(peer.ID(), documentID, userID)
	s.mu.Unlock()

	log.Printf("user=%s left doc=%s conn=%s", userID, documentID, peer.ID())
	if removed {
		s.afterRemoval(ctx, []EditSession{sess}, EventUserLeft)
	}
	return nil
}

// Disconnect removes every session the connection owned. Safe to call more
// than once.
func (s *RoomServer) Disconnect(peer Peer) {
	s.mu.Lock()
	var gone []EditSession
	for documentID, userID := range s.joined[peer.ID()] {
		if sess, removed := s.removeLocked(peer.ID(), documentID, userID); removed {
			gone = append(gone, sess)
		}
	}
	delete(s.joined, peer.ID())
	delete(s.peers, peer.ID())
	s.mu.Unlock()

	if len(gone) > 0 {
		s.afterRemoval(context.Background(), gone, EventUserLeft)
	}
}

// removeLocked drops the connection from the room and, if it still owns the
// user's session, removes the session and tells the remaining peers.
func (s *RoomServer) removeLocked(connectionID, documentID, userID string) (EditSession, bool) {
	if room, ok := s.rooms[documentID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(s.rooms, documentID)
		}
	}
	if docs, ok := s.joined[connectionID]; ok {
		delete(docs, documentID)
		if len(docs) == 0 {
			delete(s.joined, connectionID)
		}
	}
	sess, removed := s.registry.Remove(documentID, userID, connectionID)
	if !removed {
		return EditSession{}, false
	}
	s.broadcastLocked(documentID, "", leftMessage(sess))
	return sess, true
}

func leftMessage(sess EditSession) protocol.UserLeftEdit {
	return protocol.UserLeftEdit{
		Type:        protocol.TypeUserLeftEdit,
		UserID:      sess.UserID,
		DisplayName: sess.DisplayName,
	}
}

func (s *RoomServer) afterRemoval(ctx context.Context, gone []EditSession, eventType string) {
	s.metrics.SetSessions(s.registry.Len())
	for _, sess := range gone {
		if s.presence != nil {
			if err := s.presence.Remove(ctx, sess.DocumentID, sess.UserID); err != nil {
				log.Printf("presence remove doc=%s user=%s: %v", sess.DocumentID, sess.UserID, err)
			}
		}
		s.publishRemote(sess.DocumentID, leftMessage(sess))
		s.emit(CollabEvent{
			EventType:    eventType,
			DocumentID:   sess.DocumentID,
			UserID:       sess.UserID,
			DisplayName:  sess.DisplayName,
			ConnectionID: sess.ConnectionID,
		})
	}
}

func (s *RoomServer) userOf(peer Peer, documentID string) (string, bool) {
	userID, ok := s.joined[peer.ID()][documentID]
	return userID, ok
}

// RelayContentChange stamps a content change with a message id (and the
// server time when the client sent none) and forwards it to everyone else
// in the room.
func (s *RoomServer) RelayContentChange(ctx context.Context, peer Peer, msg protocol.ClientMessage) (protocol.ContentChanged, error) {
	if msg.DocumentID == "" || msg.Field == "" || msg.Value == nil {
		s.metrics.Rejected("malformed")
		return protocol.ContentChanged{}, fmt.Errorf("content-change: %w", ErrMalformedEvent)
	}
	ts := msg.Timestamp
	if ts <= 0 {
		ts = s.now().UnixMilli()
	}
	changeContext := msg.Context
	if changeContext == "" {
		changeContext = protocol.ContextPersonal
	}

	s.mu.Lock()
	userID, ok := s.userOf(peer, msg.DocumentID)
	if !ok {
		s.mu.Unlock()
		s.metrics.Rejected("not-in-room")
		return protocol.ContentChanged{}, fmt.Errorf("content-change doc=%s: %w", msg.DocumentID, ErrNotInRoom)
	}
	out := protocol.ContentChanged{
		Type:           protocol.TypeContentChanged,
		DocumentID:     msg.DocumentID,
		UserID:         userID,
		Field:          msg.Field,
		Value:          *msg.Value,
		CursorPosition: msg.CursorPosition,
		Timestamp:      ts,
		MessageID:      ulid.Make().String(),
		Context:        changeContext,
	}
	s.broadcastLocked(msg.DocumentID, peer.ID(), out)
	s.mu.Unlock()

	s.metrics.Relayed(out.Type)
	s.publishRemote(msg.DocumentID, out)
	return out, nil
}

// RelayCursorPosition forwards a cursor move and remembers it for the
// editor list.
func (s *RoomServer) RelayCursorPosition(ctx context.Context, peer Peer, msg protocol.ClientMessage) (protocol.CursorPositionChanged, error) {
	if msg.DocumentID == "" || msg.Field == "" || msg.Position == nil {
		s.metrics.Rejected("malformed")
		return protocol.CursorPositionChanged{}, fmt.Errorf("cursor-position-change: %w", ErrMalformedEvent)
	}
	ts := msg.Timestamp
	if ts <= 0 {
		ts = s.now().UnixMilli()
	}

	s.mu.Lock()
	userID, ok := s.userOf(peer, msg.DocumentID)
	if !ok {
		s.mu.Unlock()
		s.metrics.Rejected("not-in-room")
		return protocol.CursorPositionChanged{}, fmt.Errorf("cursor-position-change doc=%s: %w", msg.DocumentID, ErrNotInRoom)
	}
	s.registry.UpdateCursor(msg.DocumentID, userID, msg.Field, *msg.Position)
	out := protocol.CursorPositionChanged{
		Type:       protocol.TypeCursorPositionChanged,
		DocumentID: msg.DocumentID,
		UserID:     userID,
		Field:      msg.Field,
		Position:   *msg.Position,
		Timestamp:  ts,
	}
	s.broadcastLocked(msg.DocumentID, peer.ID(), out)
	s.mu.Unlock()

	s.metrics.Relayed(out.Type)
	s.publishRemote(msg.DocumentID, out)
	return out, nil
}

// RelaySave tells the room that a snapshot was persisted, then records the
// save asynchronously.
func (s *RoomServer) RelaySave(ctx context.Context, peer Peer, msg protocol.ClientMessage) (protocol.SavedByUser, error) {
	if msg.DocumentID == "" {
		s.metrics.Rejected("malformed")
		return protocol.SavedByUser{}, fmt.Errorf("document-saved: %w", ErrMalformedEvent)
	}
	ts := msg.Timestamp
	if ts <= 0 {
		ts = s.now().UnixMilli()
	}
	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}

	s.mu.Lock()
	userID, ok := s.userOf(peer, msg.DocumentID)
	if !ok {
		s.mu.Unlock()
		s.metrics.Rejected("not-in-room")
		return protocol.SavedByUser{}, fmt.Errorf("document-saved doc=%s: %w", msg.DocumentID, ErrNotInRoom)
	}
	out := protocol.SavedByUser{
		Type:       protocol.TypeSavedByUser,
		DocumentID: msg.DocumentID,
		UserID:     userID,
		Data:       data,
		Timestamp:  ts,
	}
	s.broadcastLocked(msg.DocumentID, peer.ID(), out)
	s.mu.Unlock()

	s.metrics.Relayed(out.Type)
	s.publishRemote(msg.DocumentID, out)

	fields := make([]string, 0, len(data))
	for k := range data {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	eventID := ulid.Make().String()
	s.emit(CollabEvent{
		EventType:    EventDocumentSaved,
		EventID:      eventID,
		DocumentID:   msg.DocumentID,
		UserID:       userID,
		ConnectionID: peer.ID(),
		Fields:       fields,
	})
	if s.saves != nil {
		rec := SaveRecord{
			EventID:    eventID,
			DocumentID: msg.DocumentID,
			UserID:     userID,
			Fields:     fields,
			SavedAt:    time.UnixMilli(ts),
		}
		go s.recordSave(rec)
	}
	return out, nil
}

func (s *RoomServer) recordSave(rec SaveRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.saves.RecordSave(ctx, rec); err != nil {
		log.Printf("record save doc=%s user=%s: %v", rec.DocumentID, rec.UserID, err)
	}
}

// Heartbeat refreshes the presence mirror for every document the
// connection has joined.
func (s *RoomServer) Heartbeat(ctx context.Context, peer Peer) {
	if s.presence == nil {
		return
	}
	s.mu.Lock()
	var sessions []EditSession
	for documentID, userID := range s.joined[peer.ID()] {
		if sess, ok := s.registry.Get(documentID, userID); ok && sess.ConnectionID == peer.ID() {
			sessions = append(sessions, sess)
		}
	}
	ttl := s.tun.StaleAfter
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := s.presence.Touch(ctx, sess.DocumentID, sess.UserID, sess.DisplayName, ttl); err != nil {
			log.Printf("presence refresh doc=%s user=%s: %v", sess.DocumentID, sess.UserID, err)
		}
	}
}

// Sweep evicts sessions older than StaleAfter whose connection is gone or
// no longer alive.
func (s *RoomServer) Sweep(now time.Time) []EditSession {
	s.mu.Lock()
	cutoff := now.Add(-s.tun.StaleAfter)
	var evicted []EditSession
	for _, sess := range s.registry.OlderThan(cutoff) {
		if p, ok := s.peers[sess.ConnectionID]; ok && p.Alive() {
			continue
		}
		if gone, removed := s.removeLocked(sess.ConnectionID, sess.DocumentID, sess.UserID); removed {
			evicted = append(evicted, gone)
		}
		if _, still := s.joined[sess.ConnectionID]; !still {
			delete(s.peers, sess.ConnectionID)
		}
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		log.Printf("sweeper evicted %d stale sessions", len(evicted))
		s.metrics.Evicted(len(evicted))
		s.afterRemoval(context.Background(), evicted, EventSessionEvicted)
	}
	return evicted
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (s *RoomServer) RunSweeper(ctx context.Context) {
	interval := s.Tunables().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
			if next := s.Tunables().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// DeliverRemote hands a broadcast that originated on another instance to the
// local members of the room.
func (s *RoomServer) DeliverRemote(documentID string, msg protocol.OutboundMessage) {
	s.mu.Lock()
	s.broadcastLocked(documentID, "", msg)
	s.mu.Unlock()
}

// Editors lists the document's editors on this instance, plus those the
// presence mirror knows from other instances.
func (s *RoomServer) Editors(ctx context.Context, documentID string) []protocol.UserView {
	out := views(s.registry.List(documentID))
	if s.presence == nil {
		return out
	}
	members, err := s.presence.Alive(ctx, documentID)
	if err != nil {
		log.Printf("presence alive doc=%s: %v", documentID, err)
		return out
	}
	for _, m := range members {
		if slices.ContainsFunc(out, func(v protocol.UserView) bool { return v.UserID == m.UserID }) {
			continue
		}
		out = append(out, protocol.UserView{UserID: m.UserID, DisplayName: m.DisplayName})
	}
	return out
}

// broadcastLocked enqueues msg to every peer in the room except one. The
// caller holds s.mu, so a peer removed earlier never sees msg.
func (s *RoomServer) broadcastLocked(documentID, exceptConnID string, msg protocol.OutboundMessage) int {
	sent := 0
	for id, p := range s.rooms[documentID] {
		if id == exceptConnID {
			continue
		}
		if s.sendLocked(p, msg) {
			sent++
		}
	}
	return sent
}

func (s *RoomServer) sendLocked(p Peer, msg protocol.OutboundMessage) bool {
	if p.Enqueue(msg) {
		return true
	}
	s.metrics.Dropped(msg.MessageType())
	return false
}

func (s *RoomServer) publishRemote(documentID string, msg protocol.OutboundMessage) {
	if s.fanout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.fanout.Publish(ctx, documentID, msg); err != nil {
		log.Printf("fanout publish doc=%s type=%s: %v", documentID, msg.MessageType(), err)
	}
}

func (s *RoomServer) emit(evt CollabEvent) {
	if s.events == nil {
		return
	}
	if evt.EventID == "" {
		evt.EventID = ulid.Make().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.events.Enqueue(ctx, evt); err != nil {
		log.Printf("enqueue %s doc=%s user=%s: %v", evt.EventType, evt.DocumentID, evt.UserID, err)
	}
}

func views(sessions []EditSession) []protocol.UserView {
	out := make([]protocol.UserView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.View())
	}
	return out
}
