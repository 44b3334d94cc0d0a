package tracking

import (
	"sync"
	"time"
)

// ThrottleWindow admits at most one emission per interval. Emissions inside
// the window are dropped, never queued.
type ThrottleWindow struct {
	mu         sync.Mutex
	lastEmitAt time.Time
}

// TryEmit runs emit when now is outside the window and records now as the
// last emission if emit succeeds.
func (w *ThrottleWindow) TryEmit(now time.Time, minInterval time.Duration, emit func() error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lastEmitAt.IsZero() && now.Sub(w.lastEmitAt) < minInterval {
		return false
	}
	if err := emit(); err != nil {
		return false
	}
	w.lastEmitAt = now
	return true
}

func (w *ThrottleWindow) LastEmitAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEmitAt
}

func (w *ThrottleWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastEmitAt = time.Time{}
}
