package round

import (
	"context"
	"fmt"

	"fieldops-patrol/internal/apperror"

	"github.com/rs/zerolog"
)

// Tracker is the position emitter the controller switches on and off.
type Tracker interface {
	Start(ctx context.Context) error
	Stop() error
}

// Controller drives start, resume, lap and end transitions. Conflicts are
// returned to the caller, never resolved automatically.
type Controller struct {
	api     API
	state   *State
	tracker Tracker
	logger  zerolog.Logger
}

func NewController(api API, state *State, tracker Tracker, logger zerolog.Logger) *Controller {
	return &Controller{
		api:     api,
		state:   state,
		tracker: tracker,
		logger:  logger.With().Str("module", "round").Logger(),
	}
}

// Start begins roundID. Starting the round that is already in progress is a
// no-op; starting while another round is in progress is a Conflict.
func (c *Controller) Start(ctx context.Context, roundID int64) (Snapshot, error) {
	snap, err := c.state.Refresh(ctx)
	if err != nil {
		return snap, err
	}
	if active := snap.Round; active != nil && active.Status == StatusInProgress {
		if active.ID == roundID {
			c.logger.Debug().Int64("round_id", roundID).Msg("round already in progress")
			c.startTracking(ctx)
			return snap, nil
		}
		return snap, apperror.New(apperror.KindConflict,
			fmt.Sprintf("round %d is still in progress", active.ID))
	}

	snap, err = c.api.StartRound(ctx, roundID)
	if err != nil {
		return c.state.Snapshot(), err
	}
	c.state.Set(snap)
	c.logger.Info().Int64("round_id", roundID).Msg("round started")
	c.startTracking(ctx)
	return snap, nil
}

// Resume picks up a round left in progress without issuing another start.
// It reports false when there is nothing to resume.
func (c *Controller) Resume(ctx context.Context) (Snapshot, bool, error) {
	snap, err := c.state.Refresh(ctx)
	if err != nil {
		return snap, false, err
	}
	if snap.Round == nil || snap.Round.Status != StatusInProgress {
		return snap, false, nil
	}

	resumed, err := c.api.ResumeRound(ctx, snap.Round.ID)
	if err != nil {
		return snap, false, err
	}
	c.state.Set(resumed)
	c.logger.Info().Int64("round_id", snap.Round.ID).Msg("round resumed")
	c.startTracking(ctx)
	return resumed, true, nil
}

// ContinueLap opens the next lap of the active round once the current lap is
// complete.
func (c *Controller) ContinueLap(ctx context.Context) (Progress, error) {
	active := c.state.Active()
	if active == nil {
		return Progress{}, apperror.New(apperror.KindNoActiveRound, "no active round")
	}
	if !c.state.Progress().LapComplete() {
		return c.state.Progress(), apperror.New(apperror.KindConflict, "current lap is not complete")
	}

	progress, err := c.api.ContinueLap(ctx, active.ID)
	if err != nil {
		return c.state.Progress(), err
	}
	if _, err := c.state.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("refresh after lap failed")
	}
	c.logger.Info().Int64("round_id", active.ID).Int("lap", progress.CurrentLap).Msg("lap started")
	return progress, nil
}

// End finishes roundID. Tracking is stopped whatever the outcome, and a
// failure to stop it is only logged.
func (c *Controller) End(ctx context.Context, roundID int64, notes string) (Round, error) {
	ended, err := c.api.EndRound(ctx, roundID, notes)

	if c.tracker != nil {
		if stopErr := c.tracker.Stop(); stopErr != nil {
			c.logger.Warn().Err(stopErr).Msg("stopping tracking failed")
		}
	}
	if err != nil {
		return Round{}, err
	}

	if _, refreshErr := c.state.Refresh(ctx); refreshErr != nil {
		c.logger.Warn().Err(refreshErr).Msg("refresh after end failed")
	}
	c.logger.Info().Int64("round_id", roundID).Msg("round ended")
	return ended, nil
}

func (c *Controller) startTracking(ctx context.Context) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.Start(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("starting tracking failed")
	}
}
