// Package device describes the hardware collaborators the engine consumes:
// the position source and the checkpoint tag reader.
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldops-patrol/internal/apperror"
)

// Position is one sample from the position source.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PositionSource interface {
	// CurrentPosition blocks until a fix is available or ctx is done.
	CurrentPosition(ctx context.Context, highAccuracy bool) (Position, error)
}

type NDEF struct {
	Payload []byte `json:"payload"`
	Type    string `json:"type"`
}

type Tag struct {
	UID  string `json:"uid"`
	Tech string `json:"tech"`
	NDEF *NDEF  `json:"ndef,omitempty"`
}

type TagReader interface {
	IsSupported(ctx context.Context) bool
	// Scan activates the reader and waits for a tag until ctx is done.
	Scan(ctx context.Context) (Tag, error)
	// Close deactivates the reader. Safe to call when no scan is running.
	Close() error
}

type TagWriter interface {
	Write(ctx context.Context, payload []byte) error
}

var (
	ErrPermissionDenied = apperror.New(apperror.KindPermissionDenied, "location permission denied")
	ErrNFCUnsupported   = apperror.New(apperror.KindHardwareUnavailable, "nfc not supported")
)

// FixedPosition always reports the same coordinates. Err, when set, is
// returned instead.
type FixedPosition struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Delay     time.Duration
	Err       error
}

func (f FixedPosition) CurrentPosition(ctx context.Context, _ bool) (Position, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	if f.Err != nil {
		return Position{}, f.Err
	}
	return Position{
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Accuracy:  f.Accuracy,
		Timestamp: time.Now(),
	}, nil
}

// StaticTag is a reader that returns a preloaded payload on every scan.
type StaticTag struct {
	Supported bool
	UID       string
	Payload   []byte
	Delay     time.Duration

	mu     sync.Mutex
	active bool
	closes int
	writes [][]byte
}

func NewStaticTag(payload string) *StaticTag {
	return &StaticTag{Supported: true, UID: "04:A2:19:7C", Payload: []byte(payload)}
}

func (s *StaticTag) IsSupported(context.Context) bool {
	return s.Supported
}

func (s *StaticTag) Scan(ctx context.Context) (Tag, error) {
	if !s.Supported {
		return Tag{}, ErrNFCUnsupported
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Tag{}, ctx.Err()
		}
	}

	tag := Tag{UID: s.UID, Tech: "NfcA"}
	if len(s.Payload) > 0 {
		tag.NDEF = &NDEF{Payload: s.Payload, Type: "application/json"}
	}
	return tag, nil
}

func (s *StaticTag) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.closes++
	return nil
}

func (s *StaticTag) Write(_ context.Context, payload []byte) error {
	if !s.Supported {
		return ErrNFCUnsupported
	}
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, payload)
	s.Payload = payload
	return nil
}

// Active reports whether a scan window is open.
func (s *StaticTag) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *StaticTag) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
