package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

var (
	// ErrJobNotFound is returned when no job exists for the given ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when cancelling an already finished job.
	ErrJobTerminal = errors.New("job already finished")
	// ErrJobActive is returned when cancelling a job that is currently running.
	ErrJobActive = errors.New("job is currently running")
)

// PositionUnknown is reported when a job has no queue position: it is not
// waiting, or it left the queue between lookups.
const PositionUnknown = -1

// JobStatus is the externally visible view of one reconciliation job.
// Position counts the runnable jobs ahead of a waiting job, or
// PositionUnknown.
type JobStatus struct {
	JobID             int64     `json:"jobId"`
	Status            string    `json:"status"`
	Progress          int       `json:"progress"`
	Stage             string    `json:"stage,omitempty"`
	Result            *Result   `json:"result,omitempty"`
	Error             string    `json:"error,omitempty"`
	AttemptsMade      int       `json:"attemptsMade"`
	AttemptsRemaining int       `json:"attemptsRemaining"`
	Position          int       `json:"position"`
	CreatedAt         time.Time `json:"createdAt"`
}

// mapState folds River's job states into the coarse lifecycle callers see.
// Cancelled and discarded jobs both read as failed; the distinction lives in
// the recorded result.
func mapState(state rivertype.JobState) string {
	switch state {
	case rivertype.JobStateAvailable, rivertype.JobStatePending:
		return "waiting"
	case rivertype.JobStateRunning:
		return "active"
	case rivertype.JobStateScheduled, rivertype.JobStateRetryable:
		return "delayed"
	case rivertype.JobStateCompleted:
		return "completed"
	case rivertype.JobStateCancelled, rivertype.JobStateDiscarded:
		return "failed"
	default:
		return string(state)
	}
}

func isTerminal(state rivertype.JobState) bool {
	switch state {
	case rivertype.JobStateCompleted, rivertype.JobStateCancelled, rivertype.JobStateDiscarded:
		return true
	}
	return false
}

// Status reports the current state of a reconciliation job.
func (jq *JobQueue) Status(ctx context.Context, jobID int64) (*JobStatus, error) {
	job, err := jq.client.JobGet(ctx, jobID)
	if errors.Is(err, river.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up job: %w", err)
	}

	status := &JobStatus{
		JobID:             job.ID,
		Status:            mapState(job.State),
		AttemptsMade:      job.Attempt,
		AttemptsRemaining: job.MaxAttempts - job.Attempt,
		Position:          PositionUnknown,
		CreatedAt:         job.CreatedAt,
	}
	if status.AttemptsRemaining < 0 {
		status.AttemptsRemaining = 0
	}

	row, err := jq.progress.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job progress: %w", err)
	}
	status.Progress = row.Progress
	status.Stage = row.Stage
	status.Result = row.Result
	if row.Result != nil && row.Result.Status == "failed" {
		status.Error = row.Result.Error
	}
	if len(job.Errors) > 0 && status.Error == "" {
		status.Error = job.Errors[len(job.Errors)-1].Error
	}

	if job.State == rivertype.JobStateAvailable || job.State == rivertype.JobStatePending {
		pos, err := jq.queuePosition(ctx, jobID)
		if err != nil {
			return nil, err
		}
		status.Position = pos
	}

	return status, nil
}

// queuePosition counts how many runnable jobs sit ahead of this one, paging
// through the listing until the job is found. Returns PositionUnknown when
// the job left the queue between lookups.
func (jq *JobQueue) queuePosition(ctx context.Context, jobID int64) (int, error) {
	const pageSize = 1000
	params := river.NewJobListParams().
		Queues(QueueName).
		States(rivertype.JobStateAvailable, rivertype.JobStatePending).
		First(pageSize)

	offset := 0
	for {
		res, err := jq.client.JobList(ctx, params)
		if err != nil {
			return 0, fmt.Errorf("failed to list queued jobs: %w", err)
		}
		if idx, ok := indexOfJob(res.Jobs, jobID); ok {
			return offset + idx, nil
		}
		if len(res.Jobs) < pageSize || res.LastCursor == nil {
			return PositionUnknown, nil
		}
		offset += len(res.Jobs)
		params = params.After(res.LastCursor)
	}
}

// indexOfJob returns the position of jobID within one page of the listing.
func indexOfJob(jobs []*rivertype.JobRow, jobID int64) (int, bool) {
	for i, job := range jobs {
		if job.ID == jobID {
			return i, true
		}
	}
	return 0, false
}

// Cancel cancels a queued or delayed job. Running jobs finish their attempt
// and finished jobs stay as they are; both cases are surfaced to the caller.
func (jq *JobQueue) Cancel(ctx context.Context, jobID int64) error {
	job, err := jq.client.JobGet(ctx, jobID)
	if errors.Is(err, river.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}

	if isTerminal(job.State) {
		return ErrJobTerminal
	}
	if job.State == rivertype.JobStateRunning {
		return ErrJobActive
	}

	if _, err := jq.client.JobCancel(ctx, jobID); err != nil {
		if errors.Is(err, river.ErrNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	_ = jq.progress.SetResult(ctx, jobID, &Result{Status: "failed", Error: "cancelled by user"})
	return nil
}
