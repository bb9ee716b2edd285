package tracking

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewatch/internal/database"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

func TestStore_WatchLifecycle(t *testing.T) {
	pool := testPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	convA := "conv-" + uuid.NewString()
	convB := "conv-" + uuid.NewString()
	actorID := int64(900000) + time.Now().UnixNano()%100000

	groupA, err := store.CreateGroup(ctx, convA, "Group A")
	require.NoError(t, err)
	groupB, err := store.CreateGroup(ctx, convB, "Group B")
	require.NoError(t, err)
	defer func() {
		_ = store.DeleteGroup(ctx, groupA.ID)
		_ = store.DeleteGroup(ctx, groupB.ID)
	}()

	// Creating the same conversation again returns the existing group.
	again, err := store.CreateGroup(ctx, convA, "Group A")
	require.NoError(t, err)
	assert.Equal(t, groupA.ID, again.ID)

	// Both the canonical ID and the conversation ref resolve.
	id, err := store.ResolveGroup(ctx, groupA.ID)
	require.NoError(t, err)
	assert.Equal(t, groupA.ID, id)
	id, err = store.ResolveGroup(ctx, convA)
	require.NoError(t, err)
	assert.Equal(t, groupA.ID, id)
	_, err = store.ResolveGroup(ctx, "conv-unknown-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.EnsureActor(ctx, actorID, "trader"))
	require.NoError(t, store.AddRelations(ctx, []Relation{
		{GroupID: groupA.ID, ActorID: actorID, AddedBy: "alice"},
		{GroupID: groupB.ID, ActorID: actorID},
	}))
	// Duplicate insert is a no-op.
	require.NoError(t, store.AddRelations(ctx, []Relation{
		{GroupID: groupA.ID, ActorID: actorID},
	}))

	count, err := store.CountGroupsWatching(ctx, actorID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	held, err := store.HoldsRelation(ctx, groupA.ID, actorID)
	require.NoError(t, err)
	assert.True(t, held)

	groups, err := store.GroupsWatching(ctx, actorID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{groupA.ID, groupB.ID}, groups)

	actors, err := store.ActorsWatchedBy(ctx, groupA.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{actorID}, actors)

	require.NoError(t, store.RemoveRelations(ctx, groupA.ID, []int64{actorID}))
	count, err = store.CountGroupsWatching(ctx, actorID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Deleting a group cascades its remaining relations.
	require.NoError(t, store.DeleteGroup(ctx, groupB.ID))
	count, err = store.CountGroupsWatching(ctx, actorID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.ErrorIs(t, store.DeleteGroup(ctx, groupB.ID), ErrNotFound)
}

func TestStore_RecordActivity(t *testing.T) {
	pool := testPool(t)
	store := NewStore(pool)
	ctx := context.Background()

	group, err := store.CreateGroup(ctx, "conv-"+uuid.NewString(), "Activity group")
	require.NoError(t, err)
	defer func() { _ = store.DeleteGroup(ctx, group.ID) }()

	err = store.RecordActivity(ctx, []Activity{{
		GroupID:    group.ID,
		ActorID:    42,
		ChainID:    8453,
		TxHash:     "0xabc",
		SellToken:  "USDC",
		BuyToken:   "WETH",
		SellAmount: "250",
		BuyAmount:  "0.1",
	}})
	require.NoError(t, err)

	var n int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM group_activity WHERE group_id = $1`, group.ID).Scan(&n))
	assert.Equal(t, 1, n)
}
