package stream

import (
	"context"
	"time"

	"fieldops-patrol/internal/db"
	"fieldops-patrol/internal/protocol"
)

// Channel names stored with each point.
const (
	ChannelHistorical = "historical"
	ChannelRealtime   = "realtime"
	ChannelReport     = "report"
)

type Point struct {
	ID         int64     `json:"id"`
	GuardID    string    `json:"guard_id"`
	Channel    string    `json:"channel"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Bearing    *float64  `json:"bearing,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists guard positions.
type Store struct {
	db db.Querier
}

func NewStore(db db.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) Save(ctx context.Context, channel string, u protocol.PeerUpdate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO guard_locations (guard_id, channel, location, accuracy_m, speed_mps, bearing_deg, recorded_at)
		VALUES ($1,$2, ST_SetSRID(ST_MakePoint($3,$4), 4326)::geography, $5, $6, $7, $8)
	`, u.UserID, channel, u.Longitude, u.Latitude, u.Accuracy, u.Speed, u.Bearing, time.UnixMilli(u.Timestamp))
	return err
}

// Recent returns the newest points of a guard, newest first.
func (s *Store) Recent(ctx context.Context, guardID string, limit int) ([]Point, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, guard_id, channel, ST_Y(location::geometry), ST_X(location::geometry), accuracy_m, speed_mps, bearing_deg, recorded_at
		FROM guard_locations WHERE guard_id=$1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, guardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []Point{}
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.GuardID, &p.Channel, &p.Latitude, &p.Longitude, &p.Accuracy, &p.Speed, &p.Bearing, &p.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
