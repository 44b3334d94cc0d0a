package round

import "time"

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusVerified   Status = "VERIFIED"
)

type Round struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

type Checkpoint struct {
	ID        int64   `json:"id"`
	RoundID   int64   `json:"round_id"`
	Name      string  `json:"name"`
	Position  int     `json:"position"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Done      bool    `json:"done"`
}

// Progress is server-reported. CurrentLap starts at 1; Done counts the
// checkpoints visited in the current lap only.
type Progress struct {
	Done          int `json:"done"`
	Total         int `json:"total"`
	CurrentLap    int `json:"current_lap"`
	CompletedLaps int `json:"completed_laps"`
}

func (p Progress) LapComplete() bool {
	return p.Total > 0 && p.Done >= p.Total
}

func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := p.Done * 100 / p.Total
	if pct > 100 {
		return 100
	}
	return pct
}

// Snapshot is the guard's view of the active round. Round is nil when no
// round is active.
type Snapshot struct {
	Round       *Round       `json:"round"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Progress    Progress     `json:"progress"`
}

// Registration is one checkpoint visit. Coordinates are optional evidence.
type Registration struct {
	CheckpointID int64    `json:"checkpoint_id" validate:"required,gt=0"`
	RoundID      int64    `json:"round_id" validate:"required,gt=0"`
	Latitude     *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude    *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

type EndRequest struct {
	Notes string `json:"notes,omitempty" validate:"max=2000"`
}
