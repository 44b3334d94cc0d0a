package round

import (
	"context"
	"sync"
	"time"
)

// State caches the last server snapshot. It is never mutated locally; every
// change comes from Refresh or from a snapshot returned by a mutating call.
type State struct {
	api API

	mu        sync.RWMutex
	snap      Snapshot
	fetchedAt time.Time
}

func NewState(api API) *State {
	return &State{api: api}
}

func (s *State) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := s.api.ActiveRound(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	s.Set(snap)
	return snap, nil
}

// Set replaces the cache with a snapshot the server returned.
func (s *State) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = cloneSnapshot(snap)
	s.fetchedAt = time.Now()
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap)
}

// Active returns the cached active round, nil when none.
func (s *State) Active() *Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.Round == nil {
		return nil
	}
	r := *s.snap.Round
	return &r
}

func (s *State) Checkpoint(id int64) (Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cp := range s.snap.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

func (s *State) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Progress
}

// FetchedAt is when the cache was last replaced.
func (s *State) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := Snapshot{Progress: in.Progress}
	if in.Round != nil {
		r := *in.Round
		out.Round = &r
	}
	if in.Checkpoints != nil {
		out.Checkpoints = append([]Checkpoint(nil), in.Checkpoints...)
	}
	return out
}
