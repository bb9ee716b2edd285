package tracking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Activity is one detected trade by a watched actor, recorded per group that
// watches the actor. Delivery to the group's chat is handled elsewhere.
type Activity struct {
	GroupID    string
	ActorID    int64
	ChainID    int64
	TxHash     string
	SellToken  string
	BuyToken   string
	SellAmount string
	BuyAmount  string
}

// RecordActivity inserts one activity row per watching group.
func (s *Store) RecordActivity(ctx context.Context, activities []Activity) error {
	query := `
	INSERT INTO group_activity (id, group_id, actor_id, chain_id, tx_hash,
		sell_token, buy_token, sell_amount, buy_amount)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, a := range activities {
		_, err := s.pool.Exec(ctx, query, uuid.NewString(), a.GroupID, a.ActorID,
			a.ChainID, a.TxHash, a.SellToken, a.BuyToken, a.SellAmount, a.BuyAmount)
		if err != nil {
			return fmt.Errorf("failed to record activity for group %s: %w", a.GroupID, err)
		}
	}
	return nil
}
