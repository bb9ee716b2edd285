package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Result is the terminal summary of a reconciliation job, retained for the
// status API. A failed result always names the stage that failed so callers
// can tell "notifications will be late" (provider) from "inconsistency needs
// manual reconciliation" (storage after a provider write).
type Result struct {
	Status      string         `json:"status"` // "success" | "failed"
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	FailedStage string         `json:"failedStage,omitempty"`
	Skipped     []SkippedEntry `json:"skipped,omitempty"`
}

// SkippedEntry records one request dropped for an unresolvable reference.
type SkippedEntry struct {
	ActorID  int64  `json:"actorId"`
	GroupRef string `json:"groupRef"`
	Reason   string `json:"reason"`
}

// ProgressRow is the per-job progress record read by the status API.
type ProgressRow struct {
	Progress int
	Stage    string
	Result   *Result
}

// ProgressStore records job progress and terminal results. The worker writes
// monotonically increasing progress; callers poll it through the status API.
type ProgressStore interface {
	SetProgress(ctx context.Context, jobID int64, progress int, stage string) error
	SetResult(ctx context.Context, jobID int64, result *Result) error
	Get(ctx context.Context, jobID int64) (*ProgressRow, error)
}

// PGProgressStore persists progress in the reconcile_job_status table.
type PGProgressStore struct {
	pool *pgxpool.Pool
}

// NewProgressStore creates a progress store over the shared pool.
func NewProgressStore(pool *pgxpool.Pool) *PGProgressStore {
	return &PGProgressStore{pool: pool}
}

func (s *PGProgressStore) SetProgress(ctx context.Context, jobID int64, progress int, stage string) error {
	query := `
	INSERT INTO reconcile_job_status (job_id, progress, stage)
	VALUES ($1, $2, $3)
	ON CONFLICT (job_id) DO UPDATE SET
		progress = GREATEST(reconcile_job_status.progress, EXCLUDED.progress),
		stage = EXCLUDED.stage,
		updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, jobID, progress, stage); err != nil {
		return fmt.Errorf("failed to set job progress: %w", err)
	}
	return nil
}

func (s *PGProgressStore) SetResult(ctx context.Context, jobID int64, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	query := `
	INSERT INTO reconcile_job_status (job_id, result)
	VALUES ($1, $2)
	ON CONFLICT (job_id) DO UPDATE SET result = EXCLUDED.result, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, jobID, data); err != nil {
		return fmt.Errorf("failed to set job result: %w", err)
	}
	return nil
}

func (s *PGProgressStore) Get(ctx context.Context, jobID int64) (*ProgressRow, error) {
	var row ProgressRow
	var data []byte
	query := `SELECT progress, stage, result FROM reconcile_job_status WHERE job_id = $1`
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&row.Progress, &row.Stage, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ProgressRow{Stage: "queued"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job progress: %w", err)
	}

	if len(data) > 0 {
		var result Result
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
		row.Result = &result
	}
	return &row, nil
}
