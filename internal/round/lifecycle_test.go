package round_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/round"
	"fieldops-patrol/internal/round/roundtest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	mu      sync.Mutex
	starts  int
	stops   int
	stopErr error
}

func (f *fakeTracker) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeTracker) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func newController(api *roundtest.API, tr *fakeTracker) (*round.Controller, *round.State) {
	state := round.NewState(api)
	return round.NewController(api, state, tr, zerolog.Nop()), state
}

func TestStartRoundStartsTracking(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North perimeter", 1, 5)
	tr := &fakeTracker{}
	c, state := newController(api, tr)

	snap, err := c.Start(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, snap.Round)
	assert.Equal(t, round.StatusInProgress, snap.Round.Status)
	assert.Equal(t, int64(10), state.Active().ID)
	assert.Equal(t, 1, tr.starts)
}

func TestStartSameRoundIsNoop(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 3)
	api.MarkInProgress(10)
	c, _ := newController(api, &fakeTracker{})

	_, err := c.Start(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, api.Calls("StartRound"))
}

func TestStartDifferentRoundConflicts(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 3)
	api.AddRound(11, "South", 100, 3)
	api.MarkInProgress(10)
	tr := &fakeTracker{}
	c, state := newController(api, tr)

	_, err := c.Start(context.Background(), 11)
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.Equal(t, "Finish your current round first.", apperror.UserMessage(err))
	assert.Zero(t, api.Calls("StartRound"))
	assert.Equal(t, int64(10), state.Active().ID)
	assert.Zero(t, tr.starts)
}

func TestResumeSkipsStart(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 3)
	api.MarkInProgress(10)
	tr := &fakeTracker{}
	c, _ := newController(api, tr)

	snap, ok, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), snap.Round.ID)
	assert.Zero(t, api.Calls("StartRound"))
	assert.Equal(t, 1, tr.starts)
}

func TestResumeWithNothingInProgress(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 3)
	c, _ := newController(api, &fakeTracker{})

	_, ok, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, api.Calls("ResumeRound"))
}

func TestEndStopsTrackingAndSwallowsStopFailure(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 3)
	tr := &fakeTracker{stopErr: errors.New("gps busy")}
	c, state := newController(api, tr)
	_, err := c.Start(context.Background(), 10)
	require.NoError(t, err)

	ended, err := c.End(context.Background(), 10, "all clear")
	require.NoError(t, err)
	assert.Equal(t, round.StatusCompleted, ended.Status)
	assert.Equal(t, "all clear", ended.Notes)
	assert.Equal(t, 1, tr.stops)
	assert.Nil(t, state.Active())
}

func TestEndFailureStillStopsTracking(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 3)
	api.MarkInProgress(10)
	api.Fail("EndRound", apperror.New(apperror.KindServerRejected, "boom"))
	tr := &fakeTracker{}
	c, _ := newController(api, tr)

	_, err := c.End(context.Background(), 10, "")
	assert.True(t, apperror.IsKind(err, apperror.KindServerRejected))
	assert.Equal(t, 1, tr.stops)
}

func TestContinueLapResetsDoneWithinSameRound(t *testing.T) {
	api := roundtest.New()
	api.AddRound(10, "North", 1, 5)
	c, state := newController(api, &fakeTracker{})
	ctx := context.Background()

	_, err := c.Start(ctx, 10)
	require.NoError(t, err)

	_, err = c.ContinueLap(ctx)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict), "lap not complete yet")

	for id := int64(1); id <= 5; id++ {
		_, err := api.RegisterCheckpoint(ctx, round.Registration{CheckpointID: id, RoundID: 10})
		require.NoError(t, err)
	}
	_, err = state.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, state.Progress().LapComplete())
	assert.Equal(t, 100, state.Progress().Percent())

	progress, err := c.ContinueLap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.CurrentLap)
	assert.Equal(t, 0, progress.Done)
	assert.Equal(t, 1, progress.CompletedLaps)

	assert.Equal(t, int64(10), state.Active().ID, "same round, new lap")
	for _, cp := range state.Snapshot().Checkpoints {
		assert.False(t, cp.Done)
	}
}

func TestContinueLapWithoutRound(t *testing.T) {
	c, _ := newController(roundtest.New(), &fakeTracker{})
	_, err := c.ContinueLap(context.Background())
	assert.True(t, apperror.IsKind(err, apperror.KindNoActiveRound))
}
