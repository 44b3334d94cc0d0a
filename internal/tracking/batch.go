package tracking

import (
	"encoding/json"
	"sync"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/device"
	"fieldops-patrol/internal/protocol"
	"fieldops-patrol/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the part of a session the batched client needs.
type Channel interface {
	Connected() bool
	Emit(event, ref string, payload any) error
	On(event string, h session.Handler) func()
	OnStatus(h session.StatusHandler) func()
}

type BatchOptions struct {
	// HeartbeatInterval zero disables heartbeats.
	HeartbeatInterval time.Duration
	// BufferSize caps the consumer-drained update buffer.
	BufferSize int
	Logger     zerolog.Logger
	Now        func() time.Time
	NewRef     func() string
}

const defaultBufferSize = 500

// BatchClient is the v2 tracking client. It subscribes on every connect,
// keeps server-acknowledged watch sets, and folds batch broadcasts into a peer
// map, a drainable buffer, and running metrics.
type BatchClient struct {
	ch     Channel
	opts   BatchOptions
	logger zerolog.Logger
	report ThrottleWindow

	mu            sync.Mutex
	closed        bool
	everConnected bool
	live          bool // between a handled connect and the next disconnect
	subscribed    bool
	lastErr       error
	metrics       Metrics
	haveLatency   bool
	peers         map[string]protocol.PeerUpdate
	buffer        []protocol.PeerUpdate
	watches       *watchSet
	clearTimer    *time.Timer
	hbStop        chan struct{}
	zoneNext      uint64
	zoneHandlers  map[uint64]func(protocol.ZoneEntry)

	unsubs []func()
}

func NewBatchClient(ch Channel, opts BatchOptions) *BatchClient {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRef == nil {
		opts.NewRef = uuid.NewString
	}
	c := &BatchClient{
		ch:           ch,
		opts:         opts,
		logger:       opts.Logger.With().Str("module", "tracking-v2").Logger(),
		peers:        map[string]protocol.PeerUpdate{},
		watches:      newWatchSet(),
		zoneHandlers: map[uint64]func(protocol.ZoneEntry){},
	}

	c.unsubs = []func(){
		ch.OnStatus(c.onStatus),
		ch.On(protocol.EventSubscribed, c.onSubscribed),
		ch.On(protocol.EventAck, c.onAck),
		ch.On(protocol.EventBatchUpdate, c.onBatch),
		ch.On(protocol.EventLocationUpdated, c.onSingle),
		ch.On(protocol.EventZoneEntered, c.onZoneEntered),
		ch.On(protocol.EventError, c.onError),
	}
	if ch.Connected() {
		c.onStatus(true, nil)
	}
	return c
}

func (c *BatchClient) onStatus(connected bool, err error) {
	if connected {
		c.onConnect()
		return
	}

	c.mu.Lock()
	c.live = false
	c.subscribed = false
	c.watches.dropPending()
	if err != nil {
		c.lastErr = err
	}
	c.stopHeartbeatLocked()
	c.mu.Unlock()
}

func (c *BatchClient) onConnect() {
	c.mu.Lock()
	if c.closed || c.live {
		c.mu.Unlock()
		return
	}
	c.live = true
	if c.everConnected {
		c.metrics.Reconnects++
		reconnectsTotal.Inc()
	}
	c.everConnected = true
	c.lastErr = nil
	users := c.watches.userList()
	zones := c.watches.zoneList()
	c.startHeartbeatLocked()
	c.mu.Unlock()

	if err := c.ch.Emit(protocol.EventSubscribe, c.opts.NewRef(), nil); err != nil {
		c.record(err)
		return
	}
	// Watches do not survive a channel replacement.
	for _, id := range users {
		c.WatchUser(id)
	}
	for _, z := range zones {
		c.WatchZone(z)
	}
}

func (c *BatchClient) onSubscribed(protocol.Envelope) {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	c.logger.Debug().Msg("subscribed")
}

func (c *BatchClient) onAck(env protocol.Envelope) {
	var ack protocol.Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed ack")
		return
	}
	c.mu.Lock()
	applied := c.watches.ack(env.Ref, ack.OK)
	c.mu.Unlock()
	if !ack.OK {
		c.logger.Warn().Str("ref", env.Ref).Str("error", ack.Error).Msg("request rejected")
		return
	}
	if applied {
		c.logger.Debug().Str("ref", env.Ref).Msg("watch state updated")
	}
}

func (c *BatchClient) onBatch(env protocol.Envelope) {
	var batch protocol.BatchUpdate
	if err := json.Unmarshal(env.Data, &batch); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed batch")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.LastBatchSize = len(batch.Updates)
	if batch.ServerTime > 0 {
		c.observeLocked(batch.ServerTime)
	}
	for _, u := range batch.Updates {
		c.ingestLocked(u)
	}
}

func (c *BatchClient) onSingle(env protocol.Envelope) {
	var u protocol.PeerUpdate
	if err := json.Unmarshal(env.Data, &u); err != nil || u.UserID == "" {
		c.logger.Debug().Msg("ignoring malformed location update")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Timestamp > 0 {
		c.observeLocked(u.Timestamp)
	}
	c.ingestLocked(u)
}

func (c *BatchClient) observeLocked(sentMs int64) {
	ms := float64(c.opts.Now().UnixMilli() - sentMs)
	if ms < 0 {
		ms = 0
	}
	c.metrics.observeLatency(ms, !c.haveLatency)
	c.haveLatency = true
	batchLatency.Observe(ms / 1000)
}

func (c *BatchClient) ingestLocked(u protocol.PeerUpdate) {
	if u.UserID == "" {
		return
	}
	c.metrics.TotalUpdates++
	peerUpdatesTotal.Inc()

	if prev, ok := c.peers[u.UserID]; !ok || u.Timestamp >= prev.Timestamp {
		c.peers[u.UserID] = u
	}
	if len(c.buffer) >= c.opts.BufferSize {
		c.metrics.Dropped++
		return
	}
	c.buffer = append(c.buffer, u)
}

func (c *BatchClient) onZoneEntered(env protocol.Envelope) {
	var entry protocol.ZoneEntry
	if err := json.Unmarshal(env.Data, &entry); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed zone entry")
		return
	}
	c.mu.Lock()
	handlers := make([]func(protocol.ZoneEntry), 0, len(c.zoneHandlers))
	for _, h := range c.zoneHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(entry)
	}
}

func (c *BatchClient) onError(env protocol.Envelope) {
	var se protocol.ServerError
	if err := json.Unmarshal(env.Data, &se); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed error event")
		return
	}
	serverErrorsTotal.WithLabelValues(se.Code).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.Errors++
	if se.Code != protocol.CodeRateLimited {
		c.lastErr = apperror.New(apperror.KindServerRejected, se.Message)
		return
	}

	retry := time.Duration(se.RetryAfterMs) * time.Millisecond
	limited := apperror.RateLimited(se.Message, retry)
	c.lastErr = limited
	c.logger.Debug().Dur("retry_after", retry).Msg("rate limited")
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	if retry <= 0 {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(retry, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.clearTimer != timer {
			return
		}
		c.clearTimer = nil
		if c.lastErr == limited {
			c.lastErr = nil
		}
	})
	c.clearTimer = timer
}

func (c *BatchClient) startHeartbeatLocked() {
	if c.opts.HeartbeatInterval <= 0 || c.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	c.hbStop = stop
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.ch.Connected() {
					// the channel went away without a status event, e.g. closed
					c.mu.Lock()
					if c.hbStop == stop {
						c.hbStop = nil
					}
					c.mu.Unlock()
					return
				}
				_ = c.ch.Emit(protocol.EventHeartbeat, "", nil)
			}
		}
	}()
}

func (c *BatchClient) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *BatchClient) record(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// send registers a watch request under a fresh ref and emits it. A failed emit
// forgets the request so no ack can later apply it.
func (c *BatchClient) send(event string, payload any, op watchOp) (string, error) {
	ref := c.opts.NewRef()
	c.mu.Lock()
	c.watches.request(ref, op)
	c.mu.Unlock()

	if err := c.ch.Emit(event, ref, payload); err != nil {
		c.mu.Lock()
		c.watches.cancel(ref)
		c.lastErr = err
		c.mu.Unlock()
		return "", err
	}
	return ref, nil
}

// WatchUser asks for immediate updates about one user. The watch is recorded
// once the server acknowledges the returned ref.
func (c *BatchClient) WatchUser(userID string) (string, error) {
	w := protocol.UserWatch{UserID: userID}
	if err := protocol.Validate(w); err != nil {
		return "", apperror.Wrap(err, apperror.KindInvalidInput, "user id required")
	}
	return c.send(protocol.EventWatchUser, w, watchOp{target: userTarget(userID), watch: true, userID: userID})
}

func (c *BatchClient) UnwatchUser(userID string) (string, error) {
	w := protocol.UserWatch{UserID: userID}
	if err := protocol.Validate(w); err != nil {
		return "", apperror.Wrap(err, apperror.KindInvalidInput, "user id required")
	}
	return c.send(protocol.EventUnwatchUser, w, watchOp{target: userTarget(userID), userID: userID})
}

// WatchZone asks for zone-entry events inside a circle of 100 m to 50 km.
func (c *BatchClient) WatchZone(z protocol.ZoneWatch) (string, error) {
	if err := protocol.Validate(z); err != nil {
		return "", apperror.Wrap(err, apperror.KindInvalidInput, "invalid zone")
	}
	return c.send(protocol.EventWatchZone, z, watchOp{target: zoneTarget(z), watch: true, zone: z})
}

func (c *BatchClient) UnwatchZone(z protocol.ZoneWatch) (string, error) {
	if err := protocol.Validate(z); err != nil {
		return "", apperror.Wrap(err, apperror.KindInvalidInput, "invalid zone")
	}
	return c.send(protocol.EventUnwatchZone, z, watchOp{target: zoneTarget(z), zone: z})
}

// SendLocation emits a full location report through its own throttle window.
func (c *BatchClient) SendLocation(pos device.Position, minInterval time.Duration) bool {
	if !c.ch.Connected() {
		return false
	}
	ts := pos.Timestamp
	if ts.IsZero() {
		ts = c.opts.Now()
	}
	report := protocol.LocationReport{
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Accuracy:  pos.Accuracy,
		Speed:     pos.Speed,
		Bearing:   pos.Bearing,
		Timestamp: ts.UnixMilli(),
	}
	ok := c.report.TryEmit(c.opts.Now(), minInterval, func() error {
		return c.ch.Emit(protocol.EventLocationReport, "", report)
	})
	count(protocol.EventLocationReport, ok)
	return ok
}

// OnZoneEntry registers fn for zone:entered events and returns its remover.
func (c *BatchClient) OnZoneEntry(fn func(protocol.ZoneEntry)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.zoneNext++
	id := c.zoneNext
	c.zoneHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.zoneHandlers, id)
	}
}

// DrainUpdates returns and clears the buffered updates.
func (c *BatchClient) DrainUpdates() []protocol.PeerUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buffer
	c.buffer = nil
	return out
}

func (c *BatchClient) Peers() map[string]protocol.PeerUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]protocol.PeerUpdate, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

func (c *BatchClient) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *BatchClient) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = Metrics{}
	c.haveLatency = false
}

func (c *BatchClient) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *BatchClient) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *BatchClient) WatchedUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watches.userList()
}

func (c *BatchClient) WatchedZones() []protocol.ZoneWatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watches.zoneList()
}

// Close removes every listener, stops timers and unsubscribes if still
// connected. The underlying session stays open.
func (c *BatchClient) Close() {
	for _, off := range c.unsubs {
		off()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopHeartbeatLocked()
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	wasSubscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()

	if wasSubscribed && c.ch.Connected() {
		_ = c.ch.Emit(protocol.EventUnsubscribe, "", nil)
	}
}
