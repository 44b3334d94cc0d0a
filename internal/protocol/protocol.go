// Package protocol holds the event names and payload shapes exchanged over the
// tracking channel. Both the device engine and the backend import it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

const (
	NamespaceTracking   = "tracking"
	NamespaceTrackingV2 = "tracking-v2"
)

// Outbound (device to server).
const (
	EventLocation         = "location"
	EventRealtimeLocation = "location:realtime"
	EventLocationReport   = "location:report"
	EventSubscribe        = "subscribe"
	EventUnsubscribe      = "unsubscribe"
	EventWatchUser        = "watch:user"
	EventUnwatchUser      = "unwatch:user"
	EventWatchZone        = "watch:zone"
	EventUnwatchZone      = "unwatch:zone"
	EventHeartbeat        = "heartbeat"
)

// Inbound (server to device).
const (
	EventConnected       = "connected"
	EventSubscribed      = "subscribed"
	EventAck             = "ack"
	EventLocationUpdated = "location:updated"
	EventBatchUpdate     = "locations:batch"
	EventZoneEntered     = "zone:entered"
	EventError           = "error"
)

// Server error codes.
const (
	CodeRateLimited  = "RATE_LIMITED"
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
)

const (
	MinZoneRadius = 100
	MaxZoneRadius = 50000
)

type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an envelope ready for the wire.
func Encode(event, ref string, payload any) ([]byte, error) {
	env := Envelope{Event: event, Ref: ref}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope without event")
	}
	return env, nil
}

// Location is the historical sample, {latitude, longitude}.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

type RealtimeLocation struct {
	Latitude  float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64  `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// LocationReport is the batch-capable v2 sample.
type LocationReport struct {
	Latitude  float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64  `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Connected struct {
	UserID string `json:"userId"`
}

type UserWatch struct {
	UserID string `json:"userId" validate:"required"`
}

type ZoneWatch struct {
	Latitude     float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `json:"radiusMeters" validate:"gte=100,lte=50000"`
}

// Key identifies the zone for set membership.
func (z ZoneWatch) Key() string {
	return fmt.Sprintf("%.6f,%.6f,%g", z.Latitude, z.Longitude, z.RadiusMeters)
}

// PeerUpdate is one guard's position as relayed by the server.
type PeerUpdate struct {
	UserID    string   `json:"userId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

type BatchUpdate struct {
	Updates    []PeerUpdate `json:"updates"`
	ServerTime int64        `json:"serverTime"`
}

type ZoneEntry struct {
	UserID string     `json:"userId"`
	Zone   ZoneWatch  `json:"zone"`
	Update PeerUpdate `json:"update"`
}

type ServerError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

var validate = validator.New()

// Validate checks the struct tags of any payload in this package.
func Validate(payload any) error {
	return validate.Struct(payload)
}
