package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/checkpoint"
	"fieldops-patrol/internal/device"
	"fieldops-patrol/internal/protocol"
	"fieldops-patrol/internal/round"
	"fieldops-patrol/internal/session"
	"fieldops-patrol/internal/tracking"

	"github.com/spf13/cobra"
)

// engine is one command's wiring of the device-side components.
type engine struct {
	api        round.API
	state      *round.State
	sessions   *session.Manager
	tracker    *streamTracker
	controller *round.Controller
}

func (c *cli) engine(source device.PositionSource) *engine {
	api := c.deps.newAPI(c.cfg)
	state := round.NewState(api)
	sessions := session.NewManager(c.deps.newDialer(c.cfg), session.Options{
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
		Logger:       c.log,
	})
	tracker := &streamTracker{
		sessions: sessions,
		token:    c.cfg.GuardToken,
		source:   source,
		opts: tracking.ClientOptions{
			HistoricalInterval: c.cfg.HistoricalInterval,
			RealtimeInterval:   c.cfg.RealtimeInterval,
			PositionTimeout:    c.cfg.PositionTimeout,
			Logger:             c.log,
		},
	}
	return &engine{
		api:        api,
		state:      state,
		sessions:   sessions,
		tracker:    tracker,
		controller: round.NewController(api, state, tracker, c.log),
	}
}

func (e *engine) close() {
	_ = e.tracker.Stop()
	e.sessions.CloseAll()
}

// streamTracker emits positions on the tracking namespace while a round runs.
type streamTracker struct {
	sessions *session.Manager
	token    string
	source   device.PositionSource
	opts     tracking.ClientOptions

	mu     sync.Mutex
	client *tracking.Client
}

func (t *streamTracker) Start(ctx context.Context) error {
	sess, err := t.sessions.Open(ctx, protocol.NamespaceTracking, t.token)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.client == nil {
		t.client = tracking.NewClient(sess, t.source, t.opts)
	}
	client := t.client
	t.mu.Unlock()
	return client.Start(ctx)
}

func (t *streamTracker) Stop() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	var err error
	if client != nil {
		err = client.Stop()
	}
	t.sessions.Close(protocol.NamespaceTracking)
	return err
}

// positionFlags configure the simulated position source.
type positionFlags struct {
	lat      float64
	lon      float64
	accuracy float64
}

func (p *positionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Float64Var(&p.lat, "lat", 0, "reported latitude")
	fs.Float64Var(&p.lon, "lon", 0, "reported longitude")
	fs.Float64Var(&p.accuracy, "accuracy", 0, "reported accuracy in meters (0 omits it)")
}

func (p positionFlags) source() device.FixedPosition {
	src := device.FixedPosition{Latitude: p.lat, Longitude: p.lon}
	if p.accuracy > 0 {
		acc := p.accuracy
		src.Accuracy = &acc
	}
	return src
}

// wait blocks for d, or until the command is interrupted. Zero returns at once.
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// failure pairs the guard-facing message with the underlying error.
func failure(err error) error {
	return fmt.Errorf("%s (%w)", apperror.UserMessage(err), err)
}

func scanOptions(c *cli, maxDistance float64) checkpoint.Options {
	return checkpoint.Options{
		PositionTimeout:   c.cfg.PositionTimeout,
		TagTimeout:        c.cfg.TagTimeout,
		MaxDistanceMeters: maxDistance,
		OnTransition: func(s checkpoint.State) {
			c.log.Debug().Str("state", string(s)).Msg("scan state")
		},
		Logger: c.log,
	}
}
