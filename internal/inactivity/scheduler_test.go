package inactivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fires map[string]int
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{fires: make(map[string]int), ch: make(chan string, 16)}
}

func (r *recorder) fire(_ context.Context, roomID string) {
	r.mu.Lock()
	r.fires[roomID]++
	r.mu.Unlock()
	r.ch <- roomID
}

func (r *recorder) count(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fires[roomID]
}

func TestArm_FiresOnceAfterTimeout(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.fire)
	defer s.Stop()

	s.Arm("r1")
	assert.True(t, s.Pending("r1"))

	select {
	case id := <-rec.ch:
		assert.Equal(t, "r1", id)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count("r1"))
	assert.False(t, s.Pending("r1"))
}

func TestArm_RearmPostponesFiring(t *testing.T) {
	rec := newRecorder()
	s := New(80*time.Millisecond, rec.fire)
	defer s.Stop()

	s.Arm("r1")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		s.Arm("r1")
	}
	// 120ms have passed since the first arm; without re-arming it would
	// have fired at 80ms.
	assert.Equal(t, 0, rec.count("r1"))

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after activity stopped")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count("r1"))
}

func TestCancel_PreventsFiring(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.fire)
	defer s.Stop()

	s.Arm("r1")
	assert.True(t, s.Cancel("r1"))
	assert.False(t, s.Cancel("r1"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count("r1"))
}

func TestRoomsAreIndependent(t *testing.T) {
	rec := newRecorder()
	s := New(30*time.Millisecond, rec.fire)
	defer s.Stop()

	s.Arm("r1")
	s.Arm("r2")
	s.Cancel("r1")

	select {
	case id := <-rec.ch:
		assert.Equal(t, "r2", id)
	case <-time.After(time.Second):
		t.Fatal("r2 did not fire")
	}
	assert.Equal(t, 0, rec.count("r1"))
}

func TestCancel_AbortsRunningFiring(t *testing.T) {
	started := make(chan struct{})
	var aborted atomic.Bool
	done := make(chan struct{})

	s := New(10*time.Millisecond, func(ctx context.Context, _ string) {
		close(started)
		<-ctx.Done()
		aborted.Store(true)
		close(done)
	})
	defer s.Stop()

	s.Arm("r1")
	<-started
	require.True(t, s.Cancel("r1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("running firing was not cancelled")
	}
	assert.True(t, aborted.Load())
}

func TestStop(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.fire)

	s.Arm("r1")
	s.Arm("r2")
	assert.Equal(t, 2, s.Len())

	s.Stop()
	assert.Equal(t, 0, s.Len())

	s.Arm("r3")
	assert.False(t, s.Pending("r3"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count("r1")+rec.count("r2")+rec.count("r3"))
}
