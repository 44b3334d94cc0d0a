// Package checkpoint verifies a physical checkpoint visit: position fix, tag
// read, payload cross-check, then server registration.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/device"
	"fieldops-patrol/internal/round"
	"fieldops-patrol/internal/shared/geo"
	"fieldops-patrol/internal/tagcodec"

	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle              State = "IDLE"
	StateAcquiringPosition State = "ACQUIRING_POSITION"
	StateAwaitingTagReady  State = "AWAITING_TAG_READY"
	StateReadingTag        State = "READING_TAG"
	StateValidatingPayload State = "VALIDATING_PAYLOAD"
	StateSubmitting        State = "SUBMITTING"
	StateSucceeded         State = "SUCCEEDED"
	StateFailed            State = "FAILED"
)

type Options struct {
	PositionTimeout time.Duration
	TagTimeout      time.Duration
	// SettleDelay separates the position fix from reader activation.
	// Negative disables it.
	SettleDelay time.Duration
	// MaxDistanceMeters rejects fixes farther than this from the checkpoint.
	// Zero records the distance without enforcing it.
	MaxDistanceMeters float64
	// OnLapComplete is called in its own goroutine when a registration
	// completes the current lap.
	OnLapComplete func(round.Progress)
	// OnTransition observes every state change.
	OnTransition func(State)
	Logger       zerolog.Logger
}

// Result describes one attempt. On failure it holds whatever was gathered
// before the failing step.
type Result struct {
	CheckpointID   int64             `json:"checkpointId"`
	RoundID        int64             `json:"roundId"`
	Reached        State             `json:"reached"`
	Position       *device.Position  `json:"position,omitempty"`
	DistanceMeters *float64          `json:"distanceMeters,omitempty"`
	Payload        *tagcodec.Payload `json:"payload,omitempty"`
	Progress       round.Progress    `json:"progress"`
	Duration       time.Duration     `json:"duration"`
}

type Verifier struct {
	api       round.API
	state     *round.State
	positions device.PositionSource
	reader    device.TagReader
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	busy       bool
	current    State
	cancelScan context.CancelFunc
}

func NewVerifier(api round.API, state *round.State, positions device.PositionSource, reader device.TagReader, opts Options) *Verifier {
	if opts.PositionTimeout <= 0 {
		opts.PositionTimeout = 8 * time.Second
	}
	if opts.TagTimeout <= 0 {
		opts.TagTimeout = 10 * time.Second
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 300 * time.Millisecond
	}
	return &Verifier{
		api:       api,
		state:     state,
		positions: positions,
		reader:    reader,
		opts:      opts,
		logger:    opts.Logger.With().Str("module", "checkpoint").Logger(),
		current:   StateIdle,
	}
}

func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *Verifier) Busy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.busy
}

// Cancel closes the scan window of the attempt in flight. A registration that
// was already sent is left to finish.
func (v *Verifier) Cancel() {
	v.mu.Lock()
	cancel := v.cancelScan
	v.mu.Unlock()
	if cancel != nil {
		cancel()
		_ = v.reader.Close()
	}
}

// Scan runs one verification attempt for checkpointID in the active round.
// A second call while one is in flight fails with KindBusy and changes nothing.
func (v *Verifier) Scan(ctx context.Context, checkpointID int64) (Result, error) {
	v.mu.Lock()
	if v.busy {
		v.mu.Unlock()
		return Result{CheckpointID: checkpointID}, apperror.New(apperror.KindBusy, "checkpoint registration already in progress")
	}
	v.busy = true
	v.mu.Unlock()

	started := time.Now()
	res := Result{CheckpointID: checkpointID}
	err := v.run(ctx, &res)
	res.Duration = time.Since(started)

	v.mu.Lock()
	v.busy = false
	v.cancelScan = nil
	v.mu.Unlock()

	if err != nil {
		v.transition(&res, StateFailed)
		v.diagnose(res, err)
		return res, err
	}
	v.transition(&res, StateSucceeded)
	v.logger.Info().
		Int64("checkpoint_id", res.CheckpointID).
		Int64("round_id", res.RoundID).
		Int("done", res.Progress.Done).
		Int("total", res.Progress.Total).
		Dur("took", res.Duration).
		Msg("checkpoint registered")
	return res, nil
}

func (v *Verifier) run(ctx context.Context, res *Result) error {
	v.transition(res, StateAcquiringPosition)
	active := v.state.Active()
	if active == nil {
		return apperror.New(apperror.KindNoActiveRound, "no active round")
	}
	res.RoundID = active.ID
	target, ok := v.state.Checkpoint(res.CheckpointID)
	if !ok {
		return apperror.New(apperror.KindInvalidInput, "checkpoint is not part of the active round")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	v.mu.Lock()
	v.cancelScan = cancel
	v.mu.Unlock()
	// The reader is deactivated on every path out of the scan window.
	closeReader := sync.OnceFunc(func() { _ = v.reader.Close() })
	defer closeReader()

	pos, err := v.acquire(scanCtx)
	if err != nil {
		return err
	}
	res.Position = &pos
	dist := geo.HaversineMeters(pos.Latitude, pos.Longitude, target.Latitude, target.Longitude)
	res.DistanceMeters = &dist
	if v.opts.MaxDistanceMeters > 0 && dist > v.opts.MaxDistanceMeters {
		return apperror.New(apperror.KindOutOfRange, "device is outside the checkpoint radius")
	}

	v.transition(res, StateAwaitingTagReady)
	if err := sleep(scanCtx, v.opts.SettleDelay); err != nil {
		return cancelled(err)
	}
	if !v.reader.IsSupported(scanCtx) {
		return device.ErrNFCUnsupported
	}

	v.transition(res, StateReadingTag)
	raw, err := v.read(scanCtx)
	if err != nil {
		return err
	}

	v.transition(res, StateValidatingPayload)
	payload, err := tagcodec.Decode(raw)
	if err != nil {
		return err
	}
	res.Payload = &payload
	if payload.ID != target.ID {
		return apperror.New(apperror.KindCheckpointMismatch, "tag belongs to another checkpoint")
	}
	if payload.RoundID != nil && *payload.RoundID != active.ID {
		return apperror.New(apperror.KindRoundMismatch, "tag belongs to another round")
	}

	// The scan window closes here; Cancel no longer applies.
	v.mu.Lock()
	v.cancelScan = nil
	v.mu.Unlock()
	closeReader()

	v.transition(res, StateSubmitting)
	reg := round.Registration{CheckpointID: target.ID, RoundID: active.ID}
	if res.Position != nil {
		lat, lon := res.Position.Latitude, res.Position.Longitude
		reg.Latitude, reg.Longitude = &lat, &lon
	}
	progress, err := v.api.RegisterCheckpoint(ctx, reg)
	if err != nil {
		if apperror.KindOf(err) == "" {
			return apperror.Wrap(err, apperror.KindServerRejected, "registration failed")
		}
		return err
	}
	res.Progress = progress

	if _, err := v.state.Refresh(ctx); err != nil {
		v.logger.Warn().Err(err).Msg("refresh after registration failed")
	}
	if progress.LapComplete() && v.opts.OnLapComplete != nil {
		go v.opts.OnLapComplete(progress)
	}
	return nil
}

func (v *Verifier) acquire(ctx context.Context) (device.Position, error) {
	fixCtx, cancel := context.WithTimeout(ctx, v.opts.PositionTimeout)
	defer cancel()
	pos, err := v.positions.CurrentPosition(fixCtx, true)
	if err == nil {
		return pos, nil
	}
	if ctx.Err() != nil {
		return device.Position{}, cancelled(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || fixCtx.Err() != nil {
		return device.Position{}, apperror.Wrap(err, apperror.KindTimeout, "position fix timed out")
	}
	if apperror.KindOf(err) == "" {
		return device.Position{}, apperror.Wrap(err, apperror.KindHardwareUnavailable, "position unavailable")
	}
	return device.Position{}, err
}

func (v *Verifier) read(ctx context.Context) ([]byte, error) {
	tagCtx, cancel := context.WithTimeout(ctx, v.opts.TagTimeout)
	defer cancel()
	tag, err := v.reader.Scan(tagCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || tagCtx.Err() != nil {
			return nil, apperror.Wrap(err, apperror.KindTimeout, "tag read timed out")
		}
		if apperror.KindOf(err) == "" {
			return nil, apperror.Wrap(err, apperror.KindHardwareUnavailable, "tag read failed")
		}
		return nil, err
	}
	if tag.NDEF == nil || len(tag.NDEF.Payload) == 0 {
		return nil, tagcodec.ErrNoData
	}
	return tag.NDEF.Payload, nil
}

func (v *Verifier) transition(res *Result, s State) {
	v.mu.Lock()
	v.current = s
	v.mu.Unlock()
	if s != StateFailed && s != StateSucceeded {
		res.Reached = s
	}
	if v.opts.OnTransition != nil {
		v.opts.OnTransition(s)
	}
}

// diagnose writes the structured record for a failed attempt.
func (v *Verifier) diagnose(res Result, err error) {
	ev := v.logger.Warn().
		Err(err).
		Str("kind", string(apperror.KindOf(err))).
		Str("reached", string(res.Reached)).
		Int64("checkpoint_id", res.CheckpointID).
		Int64("round_id", res.RoundID).
		Dur("took", res.Duration)
	if res.DistanceMeters != nil {
		ev = ev.Float64("distance_m", *res.DistanceMeters)
	}
	if res.Payload != nil {
		ev = ev.Int64("tag_id", res.Payload.ID)
	}
	ev.Msg("checkpoint scan failed")
}

// cancelled classifies the end of the caller's context: an expired deadline
// is a timeout, anything else a deliberate cancel.
func cancelled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(err, apperror.KindTimeout, "scan timed out")
	}
	return apperror.Wrap(err, apperror.KindCancelled, "scan cancelled")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
