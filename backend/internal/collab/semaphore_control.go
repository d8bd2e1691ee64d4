package collab

import (
	"context"
	"errors"
	"fmt"
)

var errSemaphoreNotHeld = errors.New("release failed, semaphore is not acquired")

// SemaphoreControl bounds how many lookups or sends run at once.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire semaphore: %w", ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errSemaphoreNotHeld
	}
}

// InUse 当前占用数
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
