package patrol

import (
	"errors"

	"fieldops-patrol/internal/round"
)

var (
	ErrNotFound        = errors.New("round not found")
	ErrRoundInProgress = errors.New("another round is in progress")
	ErrNotInProgress   = errors.New("round is not in progress")
	ErrLapIncomplete   = errors.New("current lap is not complete")
	ErrNoActiveRound   = errors.New("no active round")
)

// record is a round row together with its lap counters.
type record struct {
	round.Round
	CurrentLap    int
	CompletedLaps int
}

type CheckpointInput struct {
	Name      string  `json:"name" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

type CreateRoundRequest struct {
	Name        string            `json:"name" validate:"required"`
	GuardID     string            `json:"guard_id"`
	Checkpoints []CheckpointInput `json:"checkpoints" validate:"required,min=1,dive"`
}
