// Package session owns the long-lived channel between a guard's device and one
// namespace of the tracking endpoint.
package session

import (
	"context"
	"sync"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Conn is one underlying bidirectional channel.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, namespace, token string) (Conn, error)
}

type Handler func(env protocol.Envelope)

// StatusHandler observes connect/disconnect transitions. err is the reason for
// a disconnect, nil when the disconnect was requested.
type StatusHandler func(connected bool, err error)

type Options struct {
	// ReconnectMin is the first automatic reconnect delay after an unexpected
	// drop. Zero disables automatic reconnects.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       zerolog.Logger
}

type Session struct {
	namespace string
	token     string
	dialer    Dialer
	opts      Options
	logger    zerolog.Logger

	mu             sync.Mutex
	conn           Conn
	connected      bool
	connecting     bool
	closed         bool
	reachable      bool
	lastErr        error
	attempts       int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer

	lmu             sync.RWMutex
	nextID          uint64
	listeners       map[string]map[uint64]Handler
	statusListeners map[uint64]StatusHandler
}

func New(namespace, token string, dialer Dialer, opts Options) *Session {
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.ReconnectMin
	bo.MaxInterval = opts.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Session{
		namespace:       namespace,
		token:           token,
		dialer:          dialer,
		opts:            opts,
		logger:          opts.Logger.With().Str("module", "session").Str("namespace", namespace).Logger(),
		reachable:       true,
		backoff:         bo,
		listeners:       map[string]map[uint64]Handler{},
		statusListeners: map[uint64]StatusHandler{},
	}
}

func (s *Session) Namespace() string { return s.namespace }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastError is the most recent connection error, cleared by a successful connect.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connect dials the channel unless it is already connected, connecting or
// closed. Failures are recorded in LastError rather than returned.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.connected || s.connecting {
		s.mu.Unlock()
		return
	}
	if !s.reachable {
		s.lastErr = apperror.New(apperror.KindNetworkUnreachable, "network unreachable")
		s.mu.Unlock()
		return
	}
	s.connecting = true
	s.stopReconnectLocked()
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.namespace, s.token)

	s.mu.Lock()
	s.connecting = false
	if err != nil {
		if apperror.KindOf(err) == "" {
			err = apperror.Wrap(err, apperror.KindConnection, "connect failed")
		}
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("connect failed")
		s.notifyStatus(false, err)
		s.scheduleReconnect()
		return
	}
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if !s.reachable {
		// the network went away while dialing
		s.lastErr = apperror.New(apperror.KindNetworkUnreachable, "network unreachable")
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info().Msg("network lost during connect, dropping channel")
		return
	}
	s.conn = conn
	s.connected = true
	s.lastErr = nil
	s.attempts = 0
	s.backoff.Reset()
	s.mu.Unlock()

	s.logger.Info().Msg("connected")
	go s.readLoop(conn)
	s.notifyStatus(true, nil)
}

// Foreground is called when the hosting scope comes back to the foreground.
func (s *Session) Foreground(ctx context.Context) {
	if !s.Connected() {
		s.Connect(ctx)
	}
}

// SetReachable feeds the network reachability signal. Only transitions act:
// unreachable to reachable connects, reachable to unreachable disconnects.
func (s *Session) SetReachable(ctx context.Context, reachable bool) {
	s.mu.Lock()
	prev := s.reachable
	s.reachable = reachable
	connected := s.connected
	if prev && !reachable {
		s.stopReconnectLocked()
		s.lastErr = apperror.New(apperror.KindNetworkUnreachable, "network unreachable")
	}
	s.mu.Unlock()

	switch {
	case !prev && reachable && !connected:
		s.Connect(ctx)
	case prev && !reachable && connected:
		s.logger.Info().Msg("network lost, dropping channel")
		s.disconnect(apperror.New(apperror.KindNetworkUnreachable, "network unreachable"))
	}
}

// Disconnect closes the current channel but keeps listeners registered.
func (s *Session) Disconnect() {
	s.disconnect(nil)
}

func (s *Session) disconnect(reason error) {
	s.mu.Lock()
	conn := s.conn
	wasConnected := s.connected
	s.conn = nil
	s.connected = false
	s.stopReconnectLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		s.notifyStatus(false, reason)
	}
}

// Close tears the session down for good. Listeners are removed before the
// channel is closed so no callback fires during shutdown.
func (s *Session) Close() {
	s.lmu.Lock()
	s.listeners = map[string]map[uint64]Handler{}
	s.statusListeners = map[uint64]StatusHandler{}
	s.lmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopReconnectLocked()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info().Msg("session closed")
}

// Emit sends one event. It fails fast when the channel is down.
func (s *Session) Emit(event, ref string, payload any) error {
	data, err := protocol.Encode(event, ref, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return apperror.New(apperror.KindConnection, "not connected")
	}

	if err := conn.WriteMessage(data); err != nil {
		wrapped := apperror.Wrap(err, apperror.KindConnection, "write failed")
		s.mu.Lock()
		s.lastErr = wrapped
		s.mu.Unlock()
		return wrapped
	}
	return nil
}

// On registers h for event and returns its unsubscribe function.
func (s *Session) On(event string, h Handler) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	id := s.nextID
	if s.listeners[event] == nil {
		s.listeners[event] = map[uint64]Handler{}
	}
	s.listeners[event][id] = h
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners[event], id)
		if len(s.listeners[event]) == 0 {
			delete(s.listeners, event)
		}
	}
}

func (s *Session) OnStatus(h StatusHandler) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	id := s.nextID
	s.statusListeners[id] = h
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.statusListeners, id)
	}
}

func (s *Session) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		s.dispatch(env)
	}
}

// dropped handles a read failure. Reads failing on a channel we already
// replaced or closed on purpose are ignored.
func (s *Session) dropped(conn Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	wrapped := apperror.Wrap(err, apperror.KindConnection, "connection lost")
	s.lastErr = wrapped
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn().Err(err).Msg("connection lost")
	s.notifyStatus(false, wrapped)
	s.scheduleReconnect()
}

func (s *Session) dispatch(env protocol.Envelope) {
	s.lmu.RLock()
	handlers := make([]Handler, 0, len(s.listeners[env.Event]))
	for _, h := range s.listeners[env.Event] {
		handlers = append(handlers, h)
	}
	s.lmu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (s *Session) notifyStatus(connected bool, err error) {
	s.lmu.RLock()
	handlers := make([]StatusHandler, 0, len(s.statusListeners))
	for _, h := range s.statusListeners {
		handlers = append(handlers, h)
	}
	s.lmu.RUnlock()

	for _, h := range handlers {
		h(connected, err)
	}
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ReconnectMin <= 0 || s.closed || !s.reachable || s.connected || s.reconnectTimer != nil {
		return
	}
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.opts.ReconnectMax
	}
	s.attempts++
	s.logger.Debug().Dur("delay", delay).Int("attempt", s.attempts).Msg("scheduling reconnect")
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.reconnectTimer != timer {
			s.mu.Unlock()
			return
		}
		s.reconnectTimer = nil
		s.mu.Unlock()
		s.Connect(context.Background())
	})
	s.reconnectTimer = timer
}

func (s *Session) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}
