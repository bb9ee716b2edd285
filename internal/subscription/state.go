// Package subscription persists the local mirror of the upstream provider's
// single active subscription.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoSubscription signals that no subscription has ever been created.
// The job executor handles this by bootstrapping (create-then-persist).
var ErrNoSubscription = errors.New("subscription: no subscription state")

// Thresholds are global provider-side filters passed through unchanged.
type Thresholds struct {
	MinScore     float64
	MinAmountUSD float64
}

// State mirrors the provider's current subscription: the opaque handle it
// returned, the actor-ID filter set last pushed, and the thresholds.
type State struct {
	ExternalHandle string
	CallbackURL    string
	WebhookName    string
	FilterSet      []int64
	Thresholds     Thresholds
	UpdatedAt      time.Time
}

// Store reads and writes the singleton subscription state row. The table
// retains history; Current always reads the latest row.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new subscription state store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Current returns the latest persisted subscription state, or
// ErrNoSubscription when none exists yet.
func (s *Store) Current(ctx context.Context) (*State, error) {
	query := `
	SELECT external_handle, callback_url, webhook_name, filter_set,
		COALESCE(min_score, 0), COALESCE(min_amount_usd, 0), updated_at
	FROM subscription_state
	ORDER BY id DESC
	LIMIT 1
	`

	var st State
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.ExternalHandle, &st.CallbackURL, &st.WebhookName, &st.FilterSet,
		&st.Thresholds.MinScore, &st.Thresholds.MinAmountUSD, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription state: %w", err)
	}
	return &st, nil
}

// Persist upserts the subscription state keyed by the provider handle.
// The filter set stored here is only ever computed by the reconciler.
func (s *Store) Persist(ctx context.Context, st *State) error {
	query := `
	INSERT INTO subscription_state
		(external_handle, callback_url, webhook_name, filter_set, min_score, min_amount_usd)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (external_handle) DO UPDATE SET
		callback_url = EXCLUDED.callback_url,
		webhook_name = EXCLUDED.webhook_name,
		filter_set = EXCLUDED.filter_set,
		min_score = EXCLUDED.min_score,
		min_amount_usd = EXCLUDED.min_amount_usd,
		updated_at = now()
	`

	filter := st.FilterSet
	if filter == nil {
		filter = []int64{}
	}
	_, err := s.pool.Exec(ctx, query, st.ExternalHandle, st.CallbackURL,
		st.WebhookName, filter, st.Thresholds.MinScore, st.Thresholds.MinAmountUSD)
	if err != nil {
		return fmt.Errorf("failed to persist subscription state: %w", err)
	}
	return nil
}
