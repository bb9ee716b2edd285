package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tradewatch/internal/provider"
	"github.com/tradewatch/internal/tracking"
	"github.com/tradewatch/internal/webhookutils"
)

// activityEvent is the provider's callback payload for one detected trade.
type activityEvent struct {
	Type string `json:"type"`
	Data struct {
		Fid        int64  `json:"fid"`
		ChainID    int64  `json:"chain_id"`
		TxHash     string `json:"tx_hash"`
		SellToken  string `json:"sell_token"`
		BuyToken   string `json:"buy_token"`
		SellAmount string `json:"sell_amount"`
		BuyAmount  string `json:"buy_amount"`
	} `json:"data"`
}

// receiveActivity handles inbound provider callbacks. The signature is
// verified over the raw body before any parsing. Events for actors no group
// watches are acknowledged and dropped; the shared filter may briefly be
// wider than the union of watch-lists.
func (s *Server) receiveActivity(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	signature, ok := webhookutils.SignatureHeader(c.Request().Header)
	if !ok || !provider.VerifySignature(s.webhookSecret, signature, body) {
		log.Warn().Msg("Rejected activity callback with missing or invalid signature")
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "invalid signature",
		})
	}

	var event activityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid payload",
		})
	}
	if event.Type != "trade.created" {
		log.Debug().Str("type", event.Type).Msg("Ignoring unrecognized activity event type")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ctx := c.Request().Context()
	groupIDs, err := s.trackings.GroupsWatching(ctx, event.Data.Fid)
	if err != nil {
		log.Error().Err(err).Int64("actor_id", event.Data.Fid).Msg("Failed to look up watching groups")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to process activity",
		})
	}
	if len(groupIDs) == 0 {
		return c.JSON(http.StatusOK, map[string]string{"status": "no watchers"})
	}

	activities := make([]tracking.Activity, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		activities = append(activities, tracking.Activity{
			GroupID:    groupID,
			ActorID:    event.Data.Fid,
			ChainID:    event.Data.ChainID,
			TxHash:     event.Data.TxHash,
			SellToken:  event.Data.SellToken,
			BuyToken:   event.Data.BuyToken,
			SellAmount: event.Data.SellAmount,
			BuyAmount:  event.Data.BuyAmount,
		})
	}
	if err := s.trackings.RecordActivity(ctx, activities); err != nil {
		log.Error().Err(err).Int64("actor_id", event.Data.Fid).Msg("Failed to record activity")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to record activity",
		})
	}

	log.Info().Int64("actor_id", event.Data.Fid).Int("groups", len(groupIDs)).
		Str("tx_hash", event.Data.TxHash).Msg("Recorded activity for watching groups")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "recorded",
		"groups": len(groupIDs),
	})
}
