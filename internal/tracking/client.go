// Package tracking turns device position samples into tracking-channel events.
//
// Client is the streaming variant with two independent throttle windows, one
// for the historical trail and one for the live map. BatchClient is the v2
// variant that also ingests batched peer positions and manages watches.
package tracking

import (
	"context"
	"sync"
	"time"

	"fieldops-patrol/internal/device"
	"fieldops-patrol/internal/protocol"

	"github.com/rs/zerolog"
)

// Emitter is the part of a session the streaming client needs.
type Emitter interface {
	Connected() bool
	Emit(event, ref string, payload any) error
}

type ClientOptions struct {
	HistoricalInterval time.Duration
	RealtimeInterval   time.Duration
	// SampleEvery is how often Start polls the position source.
	SampleEvery     time.Duration
	PositionTimeout time.Duration
	Logger          zerolog.Logger
	Now             func() time.Time
}

type Client struct {
	ch     Emitter
	source device.PositionSource
	opts   ClientOptions
	logger zerolog.Logger

	historical ThrottleWindow
	realtime   ThrottleWindow

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(ch Emitter, source device.PositionSource, opts ClientOptions) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoricalInterval <= 0 {
		opts.HistoricalInterval = 30 * time.Second
	}
	if opts.RealtimeInterval <= 0 {
		opts.RealtimeInterval = 3 * time.Second
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = opts.RealtimeInterval
	}
	if opts.PositionTimeout <= 0 {
		opts.PositionTimeout = 8 * time.Second
	}
	return &Client{
		ch:     ch,
		source: source,
		opts:   opts,
		logger: opts.Logger.With().Str("module", "tracking").Logger(),
	}
}

// SendLocation emits a historical sample unless disconnected or inside the
// historical window.
func (c *Client) SendLocation(lat, lon float64, minInterval time.Duration) bool {
	if !c.ch.Connected() {
		return false
	}
	ok := c.historical.TryEmit(c.opts.Now(), minInterval, func() error {
		return c.ch.Emit(protocol.EventLocation, "", protocol.Location{Latitude: lat, Longitude: lon})
	})
	count(protocol.EventLocation, ok)
	return ok
}

// SendRealtimeLocation emits a live sample through its own window.
func (c *Client) SendRealtimeLocation(lat, lon float64, accuracy *float64, minInterval time.Duration) bool {
	if !c.ch.Connected() {
		return false
	}
	ok := c.realtime.TryEmit(c.opts.Now(), minInterval, func() error {
		return c.ch.Emit(protocol.EventRealtimeLocation, "", protocol.RealtimeLocation{Latitude: lat, Longitude: lon, Accuracy: accuracy})
	})
	count(protocol.EventRealtimeLocation, ok)
	return ok
}

// Start polls the position source until Stop and feeds both channels.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	c.logger.Info().Dur("every", c.opts.SampleEvery).Msg("position emission started")
	return nil
}

// Stop ends emission. It is safe to call when not running.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.logger.Info().Msg("position emission stopped")
	return nil
}

func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.SampleEvery)
	defer ticker.Stop()

	for {
		c.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) sample(ctx context.Context) {
	if !c.ch.Connected() {
		return
	}
	fixCtx, cancel := context.WithTimeout(ctx, c.opts.PositionTimeout)
	defer cancel()
	pos, err := c.source.CurrentPosition(fixCtx, true)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("position unavailable")
		}
		return
	}
	c.SendRealtimeLocation(pos.Latitude, pos.Longitude, pos.Accuracy, c.opts.RealtimeInterval)
	c.SendLocation(pos.Latitude, pos.Longitude, c.opts.HistoricalInterval)
}

func count(event string, emitted bool) {
	if emitted {
		emittedTotal.WithLabelValues(event).Inc()
		return
	}
	throttledTotal.WithLabelValues(event).Inc()
}
