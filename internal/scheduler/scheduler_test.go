package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextTimesAlignsToBoundaryPlusOffset(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), time.Hour, 30*time.Second)

	now := time.Date(2024, 3, 1, 10, 20, 0, 0, time.UTC)
	boundary, wake, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), boundary)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 30, 0, time.UTC), wake)
	assert.Equal(t, 40*time.Minute+30*time.Second, wait)

	// inside the offset window of the boundary that just passed
	now = time.Date(2024, 3, 1, 11, 0, 10, 0, time.UTC)
	boundary, wake, wait = s.nextTimes(now)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), boundary)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 30, 0, time.UTC), wake)
	assert.Equal(t, 20*time.Second, wait)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAlignedScheduler(ctx, 20*time.Millisecond, 0)
	s.RunImmediately = true

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(func() {
			if runs.Add(1) == 3 {
				cancel()
			}
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestStartRejectsBadInterval(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), 0, 0)
	called := false
	s.Start(func() { called = true })
	assert.False(t, called)
}
