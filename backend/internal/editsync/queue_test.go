package editsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snippetCollab/backend/internal/protocol"
)

func change(field string, ts int64, value string) protocol.ContentChanged {
	return protocol.ContentChanged{
		Type:      protocol.TypeContentChanged,
		UserID:    "u-remote",
		Field:     field,
		Value:     value,
		Timestamp: ts,
	}
}

type recorder struct {
	mu  sync.Mutex
	got []protocol.ContentChanged
	ch  chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 64)} }

func (r *recorder) handle(evt protocol.ContentChanged) {
	r.mu.Lock()
	r.got = append(r.got, evt)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []protocol.ContentChanged {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ContentChanged(nil), r.got...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestChangeQueue_KeepsNewestPerField(t *testing.T) {
	rec := newRecorder()
	q := NewChangeQueue(rec.handle, QueueOptions{BatchDelay: 10 * time.Millisecond})
	defer q.Close()

	q.Add(change("content", 100, "a"))
	q.Add(change("content", 105, "b"))

	got := rec.wait(t, 1)
	if len(got) != 1 || got[0].Timestamp != 105 || got[0].Value != "b" {
		t.Fatalf("want only ts=105, got %+v", got)
	}
	time.Sleep(30 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
}

func TestChangeQueue_OlderArrivingLastIsDropped(t *testing.T) {
	rec := newRecorder()
	q := NewChangeQueue(rec.handle, QueueOptions{BatchDelay: 10 * time.Millisecond})
	defer q.Close()

	q.Add(change("content", 105, "new"))
	q.Add(change("content", 100, "old"))

	got := rec.wait(t, 1)
	if got[0].Value != "new" {
		t.Fatalf("want newest value, got %q", got[0].Value)
	}
}

func TestChangeQueue_TieKeepsFirstArrival(t *testing.T) {
	rec := newRecorder()
	q := NewChangeQueue(rec.handle, QueueOptions{BatchDelay: 10 * time.Millisecond})
	defer q.Close()

	q.Add(change("title", 7, "first"))
	q.Add(change("title", 7, "second"))

	got := rec.wait(t, 1)
	if got[0].Value != "first" {
		t.Fatalf("tie: want first arrival, got %q", got[0].Value)
	}
}

func TestChangeQueue_FieldsInFirstSeenOrder(t *testing.T) {
	rec := newRecorder()
	q := NewChangeQueue(rec.handle, QueueOptions{BatchDelay: 10 * time.Millisecond})
	defer q.Close()

	q.Add(change("title", 1, "t"))
	q.Add(change("content", 2, "c"))
	q.Add(change("title", 3, "t2"))

	got := rec.wait(t, 2)
	if got[0].Field != "title" || got[0].Value != "t2" || got[1].Field != "content" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestChangeQueue_OverflowDropsOldest(t *testing.T) {
	rec := newRecorder()
	q := NewChangeQueue(rec.handle, QueueOptions{MaxSize: 2, BatchDelay: 20 * time.Millisecond})
	defer q.Close()

	q.Add(change("title", 1, "t"))
	q.Add(change("content", 2, "c"))
	q.Add(change("tags", 3, "x"))
	if n := q.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}

	got := rec.wait(t, 2)
	for _, evt := range got {
		if evt.Field == "title" {
			t.Fatalf("oldest event should have been dropped: %+v", got)
		}
	}
}

func TestChangeQueue_ClearCancelsFlush(t *testing.T) {
	rec := newRecorder()
	q := NewChangeQueue(rec.handle, QueueOptions{BatchDelay: 10 * time.Millisecond})

	q.Add(change("content", 1, "a"))
	q.Clear()
	time.Sleep(40 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("handler called %d times after Clear", n)
	}

	// still usable after Clear
	q.Add(change("content", 2, "b"))
	rec.wait(t, 1)

	q.Close()
	q.Add(change("content", 3, "c"))
	time.Sleep(40 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("Add after Close delivered, count=%d", n)
	}
}

func TestChangeQueue_DispatchIsSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var calls atomic.Int32
	release := make(chan struct{})
	first := make(chan struct{}, 1)

	handler := func(evt protocol.ContentChanged) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			first <- struct{}{}
			<-release
		}
		inFlight.Add(-1)
	}
	q := NewChangeQueue(handler, QueueOptions{BatchDelay: 5 * time.Millisecond})
	defer q.Close()

	q.Add(change("content", 1, "a"))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("first dispatch never started")
	}

	// arrives while the handler is blocked; its own timer fires into a busy queue
	q.Add(change("content", 2, "b"))
	time.Sleep(30 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Fatalf("event added during dispatch was lost, calls=%d", calls.Load())
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("handler ran concurrently: max in flight %d", maxInFlight.Load())
	}
}
