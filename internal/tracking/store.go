// Package tracking persists the many-to-many relation between groups and the
// external actors they watch. The relation table is the sole source of truth
// for reference counts; the provider-side filter set is derived from it.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a group reference cannot be resolved.
var ErrNotFound = errors.New("tracking: not found")

// Group is a consuming unit with its own independent watch-list. It is
// addressable by its canonical ID or by the external conversation ID the
// surrounding chat system knows it by.
type Group struct {
	ID             string
	ConversationID string
	Name           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Relation is one (group, actor) demand record.
type Relation struct {
	GroupID string
	ActorID int64
	AddedBy string
}

// Store provides access to groups, watched actors and watch relations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new tracking store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateGroup inserts a group, generating a canonical ID. Inserting an
// already-known conversation returns the existing group unchanged.
func (s *Store) CreateGroup(ctx context.Context, conversationID, name string) (*Group, error) {
	id := uuid.NewString()
	query := `
	INSERT INTO groups (id, conversation_id, name)
	VALUES ($1, $2, $3)
	ON CONFLICT (conversation_id) DO UPDATE SET updated_at = now()
	RETURNING id, conversation_id, COALESCE(name, ''), created_at, updated_at
	`

	var g Group
	err := s.pool.QueryRow(ctx, query, id, conversationID, name).
		Scan(&g.ID, &g.ConversationID, &g.Name, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	return &g, nil
}

// DeleteGroup removes a group; its watch relations cascade away with it.
// The caller is responsible for enqueueing the matching filter removals.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveGroup resolves either a canonical group ID or an external
// conversation ID to the canonical group ID. Returns ErrNotFound rather than
// an error for unknown references so callers can skip-and-continue.
func (s *Store) ResolveGroup(ctx context.Context, externalRef string) (string, error) {
	var id string
	query := `SELECT id FROM groups WHERE id::text = $1 OR conversation_id = $1 LIMIT 1`
	err := s.pool.QueryRow(ctx, query, externalRef).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve group %q: %w", externalRef, err)
	}
	return id, nil
}

// EnsureActor lazily creates a watched actor row on first reference.
func (s *Store) EnsureActor(ctx context.Context, actorID int64, username string) error {
	query := `
	INSERT INTO watched_actors (actor_id, username)
	VALUES ($1, NULLIF($2, ''))
	ON CONFLICT (actor_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, actorID, username); err != nil {
		return fmt.Errorf("failed to ensure actor %d: %w", actorID, err)
	}
	return nil
}

// AddRelations bulk-inserts watch relations, ignoring duplicates.
func (s *Store) AddRelations(ctx context.Context, relations []Relation) error {
	if len(relations) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
	INSERT INTO watch_relations (group_id, actor_id, added_by)
	VALUES ($1, $2, NULLIF($3, ''))
	ON CONFLICT (group_id, actor_id) DO NOTHING
	`
	for _, r := range relations {
		batch.Queue(query, r.GroupID, r.ActorID, r.AddedBy)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range relations {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to add watch relations: %w", err)
		}
	}

	log.Debug().Int("count", len(relations)).Msg("Added watch relations")
	return nil
}

// RemoveRelations deletes the given actors from one group's watch-list.
// Removing a relation that does not exist is a no-op.
func (s *Store) RemoveRelations(ctx context.Context, groupID string, actorIDs []int64) error {
	if len(actorIDs) == 0 {
		return nil
	}

	query := `DELETE FROM watch_relations WHERE group_id = $1 AND actor_id = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, groupID, actorIDs); err != nil {
		return fmt.Errorf("failed to remove watch relations: %w", err)
	}

	log.Debug().Str("group_id", groupID).Int("count", len(actorIDs)).Msg("Removed watch relations")
	return nil
}

// CountGroupsWatching returns how many distinct groups currently watch the actor.
func (s *Store) CountGroupsWatching(ctx context.Context, actorID int64) (int, error) {
	var count int
	query := `SELECT COUNT(DISTINCT group_id) FROM watch_relations WHERE actor_id = $1`
	if err := s.pool.QueryRow(ctx, query, actorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count groups watching actor %d: %w", actorID, err)
	}
	return count, nil
}

// HoldsRelation reports whether the (group, actor) watch relation exists.
func (s *Store) HoldsRelation(ctx context.Context, groupID string, actorID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM watch_relations WHERE group_id = $1 AND actor_id = $2)`
	if err := s.pool.QueryRow(ctx, query, groupID, actorID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check watch relation: %w", err)
	}
	return exists, nil
}

// ActorsWatchedBy returns every actor on one group's watch-list. Callers use
// it to enqueue filter removals before deleting a group.
func (s *Store) ActorsWatchedBy(ctx context.Context, groupID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT actor_id FROM watch_relations WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query watch-list for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var actorIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan actor id: %w", err)
		}
		actorIDs = append(actorIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read watch-list for group %s: %w", groupID, err)
	}
	return actorIDs, nil
}

// GroupsWatching returns the IDs of every group watching the actor. Used by
// the inbound activity handler to decide which groups an event concerns.
func (s *Store) GroupsWatching(ctx context.Context, actorID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id FROM watch_relations WHERE actor_id = $1`, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups watching actor %d: %w", actorID, err)
	}
	defer rows.Close()

	var groupIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group id: %w", err)
		}
		groupIDs = append(groupIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read groups watching actor %d: %w", actorID, err)
	}
	return groupIDs, nil
}
