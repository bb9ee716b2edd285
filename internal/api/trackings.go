package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tradewatch/internal/jobqueue"
)

// updateTrackingsRequest is one batch of watch-list mutations.
type updateTrackingsRequest struct {
	AddUsers    []jobqueue.UserRef `json:"addUsers"`
	RemoveUsers []jobqueue.UserRef `json:"removeUsers"`
}

// updateTrackings queues a reconciliation batch and returns its job ID. The
// batch is applied asynchronously; callers poll the job endpoint for the
// outcome.
func (s *Server) updateTrackings(c echo.Context) error {
	var req updateTrackingsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	if len(req.AddUsers) == 0 && len(req.RemoveUsers) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "at least one of addUsers or removeUsers is required",
		})
	}
	for _, u := range append(append([]jobqueue.UserRef{}, req.AddUsers...), req.RemoveUsers...) {
		if u.ActorID <= 0 || u.GroupID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "every entry needs a positive actorId and a groupId",
			})
		}
	}

	jobID, err := s.queue.Enqueue(c.Request().Context(), jobqueue.ReconcileArgs{
		AddUsers:    req.AddUsers,
		RemoveUsers: req.RemoveUsers,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to enqueue tracking update")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to queue tracking update",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":   jobID,
		"message": "Tracking update queued",
	})
}

// getJobStatus reports the state of a queued reconciliation job.
func (s *Server) getJobStatus(c echo.Context) error {
	jobID, err := strconv.ParseInt(c.Param("jobId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "jobId must be numeric",
		})
	}

	status, err := s.queue.Status(c.Request().Context(), jobID)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
	}
	if err != nil {
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to load job status")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to load job status",
		})
	}

	return c.JSON(http.StatusOK, status)
}

// cancelJob cancels a queued or delayed job. Finished and currently running
// jobs cannot be cancelled.
func (s *Server) cancelJob(c echo.Context) error {
	jobID, err := strconv.ParseInt(c.Param("jobId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "jobId must be numeric",
		})
	}

	err = s.queue.Cancel(c.Request().Context(), jobID)
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "job not found",
		})
	case errors.Is(err, jobqueue.ErrJobTerminal):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "job already finished",
		})
	case errors.Is(err, jobqueue.ErrJobActive):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "job is currently running",
		})
	case err != nil:
		log.Error().Err(err).Int64("job_id", jobID).Msg("Failed to cancel job")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to cancel job",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobId":   jobID,
		"message": "Job cancelled",
	})
}
