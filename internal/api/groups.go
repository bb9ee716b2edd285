package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tradewatch/internal/jobqueue"
	"github.com/tradewatch/internal/tracking"
)

type createGroupRequest struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

// createGroup registers a group so watch requests can reference it. Creating
// an already-known conversation returns the existing group.
func (s *Server) createGroup(c echo.Context) error {
	var req createGroupRequest
	if err := c.Bind(&req); err != nil || req.ConversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "conversationId is required",
		})
	}

	group, err := s.trackings.CreateGroup(c.Request().Context(), req.ConversationID, req.Name)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("Failed to create group")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to create group",
		})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":             group.ID,
		"conversationId": group.ConversationID,
		"name":           group.Name,
		"createdAt":      group.CreatedAt,
	})
}

// deleteGroup removes a group and its watch-list, then queues the filter
// removals for every actor the group watched. The relations cascade away
// with the group; until the queued job runs the shared filter may still
// contain the group's actors, which only over-notifies.
func (s *Server) deleteGroup(c echo.Context) error {
	ctx := c.Request().Context()
	ref := c.Param("id")

	groupID, err := s.trackings.ResolveGroup(ctx, ref)
	if errors.Is(err, tracking.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "group not found",
		})
	}
	if err != nil {
		log.Error().Err(err).Str("group_ref", ref).Msg("Failed to resolve group")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve group",
		})
	}

	actorIDs, err := s.trackings.ActorsWatchedBy(ctx, groupID)
	if err != nil {
		log.Error().Err(err).Str("group_id", groupID).Msg("Failed to load group watch-list")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to load group watch-list",
		})
	}

	if err := s.trackings.DeleteGroup(ctx, groupID); err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "group not found",
			})
		}
		log.Error().Err(err).Str("group_id", groupID).Msg("Failed to delete group")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to delete group",
		})
	}

	resp := map[string]interface{}{"id": groupID, "message": "Group deleted"}

	if len(actorIDs) > 0 {
		removes := make([]jobqueue.UserRef, 0, len(actorIDs))
		for _, actorID := range actorIDs {
			removes = append(removes, jobqueue.UserRef{ActorID: actorID, GroupID: groupID})
		}
		jobID, err := s.queue.Enqueue(ctx, jobqueue.ReconcileArgs{RemoveUsers: removes})
		if err != nil {
			// The group is gone; the filter will heal on the next job that
			// touches these actors.
			log.Error().Err(err).Str("group_id", groupID).
				Msg("Failed to queue filter cleanup after group delete")
		} else {
			resp["cleanupJobId"] = jobID
		}
	}

	return c.JSON(http.StatusOK, resp)
}
