package patrol

import (
	"context"
	"errors"
	"fmt"

	"fieldops-patrol/internal/db"
	"fieldops-patrol/internal/round"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Service owns the rounds of each guard. Visits are counted per lap, so a new
// lap starts with nothing done.
type Service struct {
	db       db.Querier
	validate *validator.Validate
}

func NewService(db db.Querier) *Service {
	return &Service{db: db, validate: validator.New()}
}

const roundColumns = `id, name, status, started_at, ended_at, notes, current_lap, completed_laps`

func scanRecord(row pgx.Row) (record, error) {
	var r record
	err := row.Scan(&r.ID, &r.Name, &r.Status, &r.StartedAt, &r.EndedAt, &r.Notes, &r.CurrentLap, &r.CompletedLaps)
	return r, err
}

func (s *Service) CreateRound(ctx context.Context, guardID string, req CreateRoundRequest) (round.Snapshot, error) {
	if err := s.validate.Struct(req); err != nil {
		return round.Snapshot{}, err
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO rounds (guard_id, name)
		VALUES ($1,$2)
		RETURNING id
	`, guardID, req.Name).Scan(&id)
	if err != nil {
		return round.Snapshot{}, err
	}
	for i, cp := range req.Checkpoints {
		_, err := s.db.Exec(ctx, `
			INSERT INTO checkpoints (round_id, name, position, location)
			VALUES ($1,$2,$3, ST_SetSRID(ST_MakePoint($4,$5), 4326)::geography)
		`, id, cp.Name, i+1, cp.Longitude, cp.Latitude)
		if err != nil {
			return round.Snapshot{}, fmt.Errorf("insert checkpoint %d: %w", i+1, err)
		}
	}
	return s.snapshot(ctx, record{Round: round.Round{ID: id, Name: req.Name, Status: round.StatusActive}, CurrentLap: 1})
}

func (s *Service) ListRounds(ctx context.Context, guardID string) ([]round.Round, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+roundColumns+`
		FROM rounds WHERE guard_id=$1
		ORDER BY id
	`, guardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rounds := []round.Round{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, r.Round)
	}
	return rounds, rows.Err()
}

// Active returns the guard's in-progress round, ErrNoActiveRound when none.
func (s *Service) Active(ctx context.Context, guardID string) (round.Snapshot, error) {
	r, err := s.activeRecord(ctx, guardID)
	if err != nil {
		return round.Snapshot{}, err
	}
	return s.snapshot(ctx, r)
}

// Start moves roundID to IN_PROGRESS on lap 1. Starting the round already in
// progress returns its snapshot unchanged.
func (s *Service) Start(ctx context.Context, guardID string, roundID int64) (round.Snapshot, error) {
	target, err := s.get(ctx, guardID, roundID)
	if err != nil {
		return round.Snapshot{}, err
	}
	active, err := s.activeRecord(ctx, guardID)
	switch {
	case err == nil && active.ID == roundID:
		return s.snapshot(ctx, active)
	case err == nil:
		return round.Snapshot{}, ErrRoundInProgress
	case !errors.Is(err, ErrNoActiveRound):
		return round.Snapshot{}, err
	}

	row := s.db.QueryRow(ctx, `
		UPDATE rounds
		SET status='IN_PROGRESS', started_at=now(), ended_at=NULL, current_lap=1, completed_laps=0
		WHERE id=$1 AND guard_id=$2
		RETURNING `+roundColumns, target.ID, guardID)
	started, err := scanRecord(row)
	if err != nil {
		return round.Snapshot{}, err
	}
	return s.snapshot(ctx, started)
}

func (s *Service) Resume(ctx context.Context, guardID string, roundID int64) (round.Snapshot, error) {
	r, err := s.inProgress(ctx, guardID, roundID)
	if err != nil {
		return round.Snapshot{}, err
	}
	return s.snapshot(ctx, r)
}

func (s *Service) End(ctx context.Context, guardID string, roundID int64, notes string) (round.Round, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE rounds
		SET status='COMPLETED', ended_at=now(), notes=$3
		WHERE id=$1 AND guard_id=$2 AND status='IN_PROGRESS'
		RETURNING `+roundColumns, roundID, guardID, notes)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.get(ctx, guardID, roundID); getErr != nil {
			return round.Round{}, getErr
		}
		return round.Round{}, ErrNotInProgress
	}
	if err != nil {
		return round.Round{}, err
	}
	return r.Round, nil
}

// ContinueLap opens the next lap once every checkpoint of the current one
// has a visit.
func (s *Service) ContinueLap(ctx context.Context, guardID string, roundID int64) (round.Progress, error) {
	r, err := s.inProgress(ctx, guardID, roundID)
	if err != nil {
		return round.Progress{}, err
	}
	progress, err := s.progress(ctx, r)
	if err != nil {
		return round.Progress{}, err
	}
	if !progress.LapComplete() {
		return progress, ErrLapIncomplete
	}

	err = s.db.QueryRow(ctx, `
		UPDATE rounds
		SET current_lap=current_lap+1, completed_laps=completed_laps+1
		WHERE id=$1
		RETURNING current_lap, completed_laps
	`, roundID).Scan(&progress.CurrentLap, &progress.CompletedLaps)
	if err != nil {
		return round.Progress{}, err
	}
	progress.Done = 0
	return progress, nil
}

// RegisterVisit records a checkpoint visit in the current lap. A repeated
// visit within the same lap is accepted and counted once.
func (s *Service) RegisterVisit(ctx context.Context, guardID string, reg round.Registration) (round.Progress, error) {
	if err := s.validate.Struct(reg); err != nil {
		return round.Progress{}, err
	}
	r, err := s.inProgress(ctx, guardID, reg.RoundID)
	if err != nil {
		return round.Progress{}, err
	}

	var exists bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM checkpoints WHERE id=$1 AND round_id=$2)
	`, reg.CheckpointID, reg.RoundID).Scan(&exists)
	if err != nil {
		return round.Progress{}, err
	}
	if !exists {
		return round.Progress{}, ErrNotFound
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO checkpoint_visits (id, round_id, checkpoint_id, lap, guard_id, location)
		VALUES ($1,$2,$3,$4,$5,
			CASE WHEN $6::float8 IS NULL OR $7::float8 IS NULL THEN NULL
			     ELSE ST_SetSRID(ST_MakePoint($6,$7), 4326)::geography END)
		ON CONFLICT (round_id, checkpoint_id, lap) DO NOTHING
	`, uuid.NewString(), reg.RoundID, reg.CheckpointID, r.CurrentLap, guardID, reg.Longitude, reg.Latitude)
	if err != nil {
		return round.Progress{}, err
	}
	return s.progress(ctx, r)
}

func (s *Service) get(ctx context.Context, guardID string, roundID int64) (record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+roundColumns+`
		FROM rounds WHERE id=$1 AND guard_id=$2
	`, roundID, guardID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return record{}, ErrNotFound
	}
	return r, err
}

func (s *Service) inProgress(ctx context.Context, guardID string, roundID int64) (record, error) {
	r, err := s.get(ctx, guardID, roundID)
	if err != nil {
		return record{}, err
	}
	if r.Status != round.StatusInProgress {
		return record{}, ErrNotInProgress
	}
	return r, nil
}

func (s *Service) activeRecord(ctx context.Context, guardID string) (record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+roundColumns+`
		FROM rounds WHERE guard_id=$1 AND status='IN_PROGRESS'
	`, guardID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return record{}, ErrNoActiveRound
	}
	return r, err
}

func (s *Service) progress(ctx context.Context, r record) (round.Progress, error) {
	p := round.Progress{CurrentLap: r.CurrentLap, CompletedLaps: r.CompletedLaps}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(c.id), COUNT(v.id)
		FROM checkpoints c
		LEFT JOIN checkpoint_visits v ON v.checkpoint_id=c.id AND v.round_id=c.round_id AND v.lap=$2
		WHERE c.round_id=$1
	`, r.ID, r.CurrentLap).Scan(&p.Total, &p.Done)
	return p, err
}

func (s *Service) snapshot(ctx context.Context, r record) (round.Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.round_id, c.name, c.position, ST_Y(c.location::geometry), ST_X(c.location::geometry),
		       EXISTS (SELECT 1 FROM checkpoint_visits v WHERE v.checkpoint_id=c.id AND v.round_id=c.round_id AND v.lap=$2)
		FROM checkpoints c WHERE c.round_id=$1
		ORDER BY c.position
	`, r.ID, r.CurrentLap)
	if err != nil {
		return round.Snapshot{}, err
	}
	defer rows.Close()

	snap := round.Snapshot{
		Checkpoints: []round.Checkpoint{},
		Progress:    round.Progress{CurrentLap: r.CurrentLap, CompletedLaps: r.CompletedLaps},
	}
	for rows.Next() {
		var cp round.Checkpoint
		if err := rows.Scan(&cp.ID, &cp.RoundID, &cp.Name, &cp.Position, &cp.Latitude, &cp.Longitude, &cp.Done); err != nil {
			return round.Snapshot{}, err
		}
		if cp.Done {
			snap.Progress.Done++
		}
		snap.Checkpoints = append(snap.Checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return round.Snapshot{}, err
	}
	snap.Progress.Total = len(snap.Checkpoints)
	rr := r.Round
	snap.Round = &rr
	return snap, nil
}
