// Package stream is the server side of the tracking channel: it keeps the
// connected guards, answers their requests and fans position updates out to
// watchers, zone observers and batch subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"fieldops-patrol/internal/protocol"
	"fieldops-patrol/internal/shared/geo"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisLocationsChannel = "patrol:locations"

type HubOptions struct {
	Redis   *redis.Client
	Store   *Store
	Limiter Limiter
	// BatchInterval is the locations:batch flush period. Zero means 2s,
	// negative disables the flush loop.
	BatchInterval time.Duration
	// BufferSize caps the updates held between flushes; the oldest go first.
	BufferSize int
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Hub struct {
	opts   HubOptions
	logger zerolog.Logger
	origin string

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	pmu     sync.Mutex
	pending []protocol.PeerUpdate

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     chan struct{}
	closeOnce sync.Once
}

// Client is one open channel of a guard.
type Client struct {
	GuardID   string
	Namespace string
	Send      chan []byte

	mu         sync.Mutex
	closed     bool
	subscribed bool
	users      map[string]struct{}
	zones      map[string]protocol.ZoneWatch
	inside     map[string]map[string]bool
}

// relayed is the cross-instance message on the Redis channel.
type relayed struct {
	Origin string              `json:"origin"`
	Update protocol.PeerUpdate `json:"update"`
}

func NewHub(opts HubOptions) *Hub {
	if opts.BatchInterval == 0 {
		opts.BatchInterval = 2 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		logger:  opts.Logger.With().Str("module", "stream").Logger(),
		origin:  uuid.NewString(),
		clients: map[string]map[*Client]struct{}{},
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}

	if opts.BatchInterval > 0 {
		h.wg.Add(1)
		go h.flushLoop()
	}
	if opts.Redis != nil {
		h.wg.Add(1)
		go h.subscribeRedis()
	} else {
		close(h.ready)
	}
	return h
}

// Close stops the background loops. Open clients are left to their handlers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
	})
}

// Register adds a channel for guardID and greets it with connected.
func (h *Hub) Register(guardID, namespace string) *Client {
	c := &Client{
		GuardID:   guardID,
		Namespace: namespace,
		Send:      make(chan []byte, 64),
		users:     map[string]struct{}{},
		zones:     map[string]protocol.ZoneWatch{},
		inside:    map[string]map[string]bool{},
	}

	h.mu.Lock()
	if h.clients[guardID] == nil {
		h.clients[guardID] = map[*Client]struct{}{}
	}
	h.clients[guardID][c] = struct{}{}
	h.mu.Unlock()

	connectedGuards.WithLabelValues(namespace).Inc()
	c.reply(protocol.EventConnected, "", protocol.Connected{UserID: guardID})
	h.logger.Info().Str("guard_id", guardID).Str("namespace", namespace).Msg("guard connected")
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if guardClients, ok := h.clients[c.GuardID]; ok {
		delete(guardClients, c)
		if len(guardClients) == 0 {
			delete(h.clients, c.GuardID)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
		connectedGuards.WithLabelValues(c.Namespace).Dec()
	}
	c.mu.Unlock()
	h.logger.Info().Str("guard_id", c.GuardID).Msg("guard disconnected")
}

// Connected reports whether guardID has at least one open channel here.
func (h *Hub) Connected(guardID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[guardID]) > 0
}

// Handle answers one inbound event of c.
func (h *Hub) Handle(ctx context.Context, c *Client, env protocol.Envelope) {
	eventsReceived.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case protocol.EventLocation, protocol.EventRealtimeLocation, protocol.EventLocationReport:
		h.handleLocation(ctx, c, env)

	case protocol.EventSubscribe:
		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()
		c.reply(protocol.EventSubscribed, env.Ref, protocol.Ack{OK: true})

	case protocol.EventUnsubscribe:
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		c.ack(env.Ref, nil)

	case protocol.EventWatchUser, protocol.EventUnwatchUser:
		var w protocol.UserWatch
		if err := decodeValid(env.Data, &w); err != nil {
			c.ack(env.Ref, err)
			return
		}
		c.mu.Lock()
		if env.Event == protocol.EventWatchUser {
			c.users[w.UserID] = struct{}{}
		} else {
			delete(c.users, w.UserID)
		}
		c.mu.Unlock()
		c.ack(env.Ref, nil)

	case protocol.EventWatchZone, protocol.EventUnwatchZone:
		var z protocol.ZoneWatch
		if err := decodeValid(env.Data, &z); err != nil {
			c.ack(env.Ref, err)
			return
		}
		key := z.Key()
		c.mu.Lock()
		if env.Event == protocol.EventWatchZone {
			c.zones[key] = z
			if c.inside[key] == nil {
				c.inside[key] = map[string]bool{}
			}
		} else {
			delete(c.zones, key)
			delete(c.inside, key)
		}
		c.mu.Unlock()
		c.ack(env.Ref, nil)

	case protocol.EventHeartbeat:
		h.logger.Trace().Str("guard_id", c.GuardID).Msg("heartbeat")

	default:
		c.fail(env.Ref, protocol.CodeBadRequest, "unknown event "+env.Event, 0)
	}
}

func (h *Hub) handleLocation(ctx context.Context, c *Client, env protocol.Envelope) {
	if !h.allow(ctx, c, env.Ref) {
		return
	}

	u := protocol.PeerUpdate{UserID: c.GuardID}
	var channel string
	switch env.Event {
	case protocol.EventLocation:
		var p protocol.Location
		if err := decodeValid(env.Data, &p); err != nil {
			c.fail(env.Ref, protocol.CodeBadRequest, err.Error(), 0)
			return
		}
		channel, u.Latitude, u.Longitude = ChannelHistorical, p.Latitude, p.Longitude
	case protocol.EventRealtimeLocation:
		var p protocol.RealtimeLocation
		if err := decodeValid(env.Data, &p); err != nil {
			c.fail(env.Ref, protocol.CodeBadRequest, err.Error(), 0)
			return
		}
		channel, u.Latitude, u.Longitude, u.Accuracy = ChannelRealtime, p.Latitude, p.Longitude, p.Accuracy
	default:
		var p protocol.LocationReport
		if err := decodeValid(env.Data, &p); err != nil {
			c.fail(env.Ref, protocol.CodeBadRequest, err.Error(), 0)
			return
		}
		channel = ChannelReport
		u.Latitude, u.Longitude, u.Accuracy, u.Speed, u.Bearing = p.Latitude, p.Longitude, p.Accuracy, p.Speed, p.Bearing
		u.Timestamp = p.Timestamp
	}
	if u.Timestamp == 0 {
		u.Timestamp = h.opts.Now().UnixMilli()
	}

	if h.opts.Store != nil {
		saveCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := h.opts.Store.Save(saveCtx, channel, u)
		cancel()
		if err != nil {
			h.logger.Error().Err(err).Str("guard_id", c.GuardID).Msg("persist location failed")
		}
	}
	h.Publish(u)
}

func (h *Hub) allow(ctx context.Context, c *Client, ref string) bool {
	if h.opts.Limiter == nil {
		return true
	}
	d, err := h.opts.Limiter.Allow(ctx, c.GuardID)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rate limiter unavailable")
		return true
	}
	if d.Allowed {
		return true
	}
	rateLimitedTotal.Inc()
	c.fail(ref, protocol.CodeRateLimited, "too many location updates", d.RetryAfter)
	return false
}

// Publish delivers u on this instance and relays it to the others.
func (h *Hub) Publish(u protocol.PeerUpdate) {
	h.deliver(u)

	if h.opts.Redis == nil {
		return
	}
	payload, err := json.Marshal(relayed{Origin: h.origin, Update: u})
	if err != nil {
		return
	}
	if err := h.opts.Redis.Publish(h.ctx, redisLocationsChannel, payload).Err(); err != nil {
		h.logger.Warn().Err(err).Msg("redis publish failed")
	}
}

func (h *Hub) deliver(u protocol.PeerUpdate) {
	h.pmu.Lock()
	h.pending = append(h.pending, u)
	if over := len(h.pending) - h.opts.BufferSize; over > 0 {
		h.pending = append(h.pending[:0], h.pending[over:]...)
	}
	h.pmu.Unlock()

	var single []byte
	for _, c := range h.snapshot() {
		c.mu.Lock()
		if _, ok := c.users[u.UserID]; ok {
			if single == nil {
				single, _ = protocol.Encode(protocol.EventLocationUpdated, "", u)
			}
			c.pushLocked(single)
		}
		for key, z := range c.zones {
			in := geo.Within(z.Latitude, z.Longitude, z.RadiusMeters, u.Latitude, u.Longitude)
			was := c.inside[key][u.UserID]
			c.inside[key][u.UserID] = in
			if in && !was {
				frame, _ := protocol.Encode(protocol.EventZoneEntered, "", protocol.ZoneEntry{UserID: u.UserID, Zone: z, Update: u})
				c.pushLocked(frame)
			}
		}
		c.mu.Unlock()
	}
}

// Flush sends the buffered updates to every subscribed client.
func (h *Hub) Flush() {
	h.pmu.Lock()
	updates := h.pending
	h.pending = nil
	h.pmu.Unlock()
	if len(updates) == 0 {
		return
	}

	frame, err := protocol.Encode(protocol.EventBatchUpdate, "", protocol.BatchUpdate{
		Updates:    updates,
		ServerTime: h.opts.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("encode batch failed")
		return
	}
	for _, c := range h.snapshot() {
		c.mu.Lock()
		if c.subscribed && c.pushLocked(frame) {
			batchesFlushed.Inc()
		}
		c.mu.Unlock()
	}
}

func (h *Hub) flushLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}

func (h *Hub) subscribeRedis() {
	defer h.wg.Done()
	pubsub := h.opts.Redis.Subscribe(h.ctx, redisLocationsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(h.ctx); err != nil {
		h.logger.Warn().Err(err).Msg("redis subscribe failed")
		close(h.ready)
		return
	}
	close(h.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var r relayed
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil || r.Origin == h.origin {
				continue
			}
			h.deliver(r.Update)
		}
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, set := range h.clients {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

// pushLocked queues frame without blocking. c.mu must be held.
func (c *Client) pushLocked(frame []byte) bool {
	if c.closed || frame == nil {
		return false
	}
	select {
	case c.Send <- frame:
		return true
	default:
		droppedFrames.Inc()
		return false
	}
}

func (c *Client) reply(event, ref string, payload any) {
	frame, err := protocol.Encode(event, ref, payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.pushLocked(frame)
	c.mu.Unlock()
}

func (c *Client) ack(ref string, err error) {
	if err != nil {
		c.reply(protocol.EventAck, ref, protocol.Ack{OK: false, Error: err.Error()})
		return
	}
	c.reply(protocol.EventAck, ref, protocol.Ack{OK: true})
}

func (c *Client) fail(ref, code, msg string, retryAfter time.Duration) {
	c.reply(protocol.EventError, ref, protocol.ServerError{
		Code:         code,
		Message:      msg,
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}

var errEmptyPayload = errors.New("payload required")

func decodeValid(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errEmptyPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	return protocol.Validate(v)
}
