// Package roundtest provides an in-memory round.API with the backend's lap
// and conflict rules, for tests of code built on the round package.
package roundtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/round"
)

type API struct {
	mu          sync.Mutex
	rounds      map[int64]*round.Round
	checkpoints map[int64][]round.Checkpoint
	visited     map[int64]map[int64]bool
	laps        map[int64]*round.Progress
	active      int64

	calls         map[string]int
	errs          map[string]error
	registrations []round.Registration

	// BeforeRegister, when set, runs inside RegisterCheckpoint before the
	// visit is recorded.
	BeforeRegister func()
}

func New() *API {
	return &API{
		rounds:      map[int64]*round.Round{},
		checkpoints: map[int64][]round.Checkpoint{},
		visited:     map[int64]map[int64]bool{},
		laps:        map[int64]*round.Progress{},
		calls:       map[string]int{},
		errs:        map[string]error{},
	}
}

// AddRound seeds an ACTIVE round with n checkpoints numbered firstID..firstID+n-1.
func (a *API) AddRound(id int64, name string, firstID int64, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rounds[id] = &round.Round{ID: id, Name: name, Status: round.StatusActive}
	cps := make([]round.Checkpoint, n)
	for i := range cps {
		cps[i] = round.Checkpoint{
			ID:        firstID + int64(i),
			RoundID:   id,
			Name:      fmt.Sprintf("CP-%d", i+1),
			Position:  i + 1,
			Latitude:  -6.2 + float64(i)*0.001,
			Longitude: 106.8,
		}
	}
	a.checkpoints[id] = cps
	a.visited[id] = map[int64]bool{}
	a.laps[id] = &round.Progress{Total: n, CurrentLap: 1}
}

// MarkInProgress makes id the guard's in-progress round without a start call.
func (a *API) MarkInProgress(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	a.rounds[id].Status = round.StatusInProgress
	a.rounds[id].StartedAt = &now
	a.active = id
}

// Fail makes every call to method return err until cleared with nil.
func (a *API) Fail(method string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.errs, method)
		return
	}
	a.errs[method] = err
}

func (a *API) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func (a *API) Registrations() []round.Registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]round.Registration(nil), a.registrations...)
}

func (a *API) enter(method string) error {
	a.calls[method]++
	return a.errs[method]
}

func (a *API) ListRounds(context.Context) ([]round.Round, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("ListRounds"); err != nil {
		return nil, err
	}
	out := make([]round.Round, 0, len(a.rounds))
	for _, r := range a.rounds {
		out = append(out, *r)
	}
	return out, nil
}

func (a *API) ActiveRound(context.Context) (round.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("ActiveRound"); err != nil {
		return round.Snapshot{}, err
	}
	if a.active == 0 {
		return round.Snapshot{}, nil
	}
	return a.snapshotLocked(a.active), nil
}

func (a *API) StartRound(_ context.Context, id int64) (round.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("StartRound"); err != nil {
		return round.Snapshot{}, err
	}
	r, ok := a.rounds[id]
	if !ok {
		return round.Snapshot{}, round.ErrNotFound
	}
	if a.active != 0 && a.active != id {
		return round.Snapshot{}, apperror.New(apperror.KindConflict, "another round is in progress")
	}
	now := time.Now()
	r.Status = round.StatusInProgress
	r.StartedAt = &now
	a.active = id
	return a.snapshotLocked(id), nil
}

func (a *API) ResumeRound(_ context.Context, id int64) (round.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("ResumeRound"); err != nil {
		return round.Snapshot{}, err
	}
	if a.active != id {
		return round.Snapshot{}, apperror.New(apperror.KindConflict, "round is not in progress")
	}
	return a.snapshotLocked(id), nil
}

func (a *API) EndRound(_ context.Context, id int64, notes string) (round.Round, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("EndRound"); err != nil {
		return round.Round{}, err
	}
	r, ok := a.rounds[id]
	if !ok || a.active != id {
		return round.Round{}, apperror.New(apperror.KindConflict, "round is not in progress")
	}
	now := time.Now()
	r.Status = round.StatusCompleted
	r.EndedAt = &now
	r.Notes = notes
	a.active = 0
	return *r, nil
}

func (a *API) ContinueLap(_ context.Context, id int64) (round.Progress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("ContinueLap"); err != nil {
		return round.Progress{}, err
	}
	p := a.laps[id]
	if p == nil || a.active != id {
		return round.Progress{}, apperror.New(apperror.KindConflict, "round is not in progress")
	}
	if !p.LapComplete() {
		return *p, apperror.New(apperror.KindConflict, "lap is not complete")
	}
	p.CurrentLap++
	p.CompletedLaps++
	p.Done = 0
	a.visited[id] = map[int64]bool{}
	return *p, nil
}

func (a *API) RegisterCheckpoint(_ context.Context, reg round.Registration) (round.Progress, error) {
	if hook := a.BeforeRegister; hook != nil {
		hook()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter("RegisterCheckpoint"); err != nil {
		return round.Progress{}, err
	}
	if a.active != reg.RoundID {
		return round.Progress{}, apperror.New(apperror.KindServerRejected, "round is not in progress")
	}
	found := false
	for _, cp := range a.checkpoints[reg.RoundID] {
		if cp.ID == reg.CheckpointID {
			found = true
			break
		}
	}
	if !found {
		return round.Progress{}, round.ErrNotFound
	}
	a.registrations = append(a.registrations, reg)
	if !a.visited[reg.RoundID][reg.CheckpointID] {
		a.visited[reg.RoundID][reg.CheckpointID] = true
		a.laps[reg.RoundID].Done++
	}
	return *a.laps[reg.RoundID], nil
}

func (a *API) snapshotLocked(id int64) round.Snapshot {
	r := *a.rounds[id]
	cps := make([]round.Checkpoint, len(a.checkpoints[id]))
	for i, cp := range a.checkpoints[id] {
		cp.Done = a.visited[id][cp.ID]
		cps[i] = cp
	}
	return round.Snapshot{Round: &r, Checkpoints: cps, Progress: *a.laps[id]}
}
