package editsync

import (
	"sync"
	"time"

	"snippetCollab/backend/internal/protocol"
)

// QueueOptions tune the change queue. Zero values fall back to defaults.
type QueueOptions struct {
	MaxSize    int
	BatchDelay time.Duration
}

// ChangeQueue buffers remote content changes and hands the newest change per
// field to a handler after a short batch delay.
//
// - 有界：超出 MaxSize 时丢弃最老的事件
// - 去重：每个 field 只保留 timestamp 最大的一条（相同 timestamp 保留先到的）
// - handler 串行调用，派发结束后会再次检查队列，避免丢失唤醒
type ChangeQueue struct {
	handler func(protocol.ContentChanged)
	maxSize int
	delay   time.Duration

	mu          sync.Mutex
	items       []protocol.ContentChanged
	timer       *time.Timer
	dispatching bool
	closed      bool
	// generation 在 Clear/Close 时递增，使已取出但尚未派发的批次失效
	generation uint64
}

func NewChangeQueue(handler func(protocol.ContentChanged), opt QueueOptions) *ChangeQueue {
	if opt.MaxSize <= 0 {
		opt.MaxSize = 10
	}
	if opt.BatchDelay <= 0 {
		opt.BatchDelay = 5 * time.Millisecond
	}
	return &ChangeQueue{
		handler: handler,
		maxSize: opt.MaxSize,
		delay:   opt.BatchDelay,
	}
}

// Add buffers one event and re-arms the batch timer.
func (q *ChangeQueue) Add(evt protocol.ContentChanged) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, evt)
	if over := len(q.items) - q.maxSize; over > 0 {
		q.items = append(q.items[:0:0], q.items[over:]...)
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.delay, q.flush)
}

// Clear drops everything buffered and cancels the pending flush.
func (q *ChangeQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.generation++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Close clears the queue; later Adds are ignored.
func (q *ChangeQueue) Close() {
	q.Clear()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Len reports the number of buffered, not yet flushed events.
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ChangeQueue) flush() {
	q.mu.Lock()
	if q.dispatching || q.closed || len(q.items) == 0 {
		// 正在派发的一轮结束后会重新检查队列
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	for {
		batch := dedupeByField(q.items)
		q.items = nil
		gen := q.generation
		q.mu.Unlock()

		for _, evt := range batch {
			q.mu.Lock()
			stale := q.closed || q.generation != gen
			q.mu.Unlock()
			if stale {
				break
			}
			q.handler(evt)
		}

		q.mu.Lock()
		if q.closed || len(q.items) == 0 {
			q.dispatching = false
			q.mu.Unlock()
			return
		}
	}
}

// dedupeByField keeps, per field, the event with the greatest timestamp.
// Fields keep the order in which they were first seen.
func dedupeByField(items []protocol.ContentChanged) []protocol.ContentChanged {
	index := make(map[string]int, len(items))
	out := make([]protocol.ContentChanged, 0, len(items))
	for _, evt := range items {
		i, ok := index[evt.Field]
		if !ok {
			index[evt.Field] = len(out)
			out = append(out, evt)
			continue
		}
		if evt.Timestamp > out[i].Timestamp {
			out[i] = evt
		}
	}
	return out
}
