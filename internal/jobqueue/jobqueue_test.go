package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tradewatch/internal/provider"
	"github.com/tradewatch/internal/subscription"
	"github.com/tradewatch/internal/tracking"
)

// fakeTracking is an in-memory TrackingStore.
type fakeTracking struct {
	groups  map[string]string // external ref -> canonical ID
	counts  map[int64]int
	held    map[string]bool // groupID|actorID
	added   []tracking.Relation
	removed map[string][]int64
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{
		groups:  map[string]string{},
		counts:  map[int64]int{},
		held:    map[string]bool{},
		removed: map[string][]int64{},
	}
}

func heldKey(groupID string, actorID int64) string {
	return groupID + "|" + strconv.FormatInt(actorID, 10)
}

func (f *fakeTracking) ResolveGroup(_ context.Context, ref string) (string, error) {
	id, ok := f.groups[ref]
	if !ok {
		return "", tracking.ErrNotFound
	}
	return id, nil
}

func (f *fakeTracking) EnsureActor(_ context.Context, _ int64, _ string) error { return nil }

func (f *fakeTracking) CountGroupsWatching(_ context.Context, actorID int64) (int, error) {
	return f.counts[actorID], nil
}

// checkGroupID mirrors the real store's typed group_id column: binding
// anything but a known canonical id is an encoding error, like pgx refusing
// a non-UUID parameter.
func (f *fakeTracking) checkGroupID(groupID string) error {
	for _, id := range f.groups {
		if id == groupID {
			return nil
		}
	}
	return fmt.Errorf("unable to encode %q into binary format for uuid", groupID)
}

func (f *fakeTracking) HoldsRelation(_ context.Context, groupID string, actorID int64) (bool, error) {
	if err := f.checkGroupID(groupID); err != nil {
		return false, err
	}
	return f.held[heldKey(groupID, actorID)], nil
}

func (f *fakeTracking) AddRelations(_ context.Context, relations []tracking.Relation) error {
	for _, r := range relations {
		if err := f.checkGroupID(r.GroupID); err != nil {
			return err
		}
	}
	f.added = append(f.added, relations...)
	return nil
}

func (f *fakeTracking) RemoveRelations(_ context.Context, groupID string, actorIDs []int64) error {
	if err := f.checkGroupID(groupID); err != nil {
		return err
	}
	f.removed[groupID] = append(f.removed[groupID], actorIDs...)
	return nil
}

// fakeStates is an in-memory StateStore.
type fakeStates struct {
	state     *subscription.State
	persisted []*subscription.State
}

func (f *fakeStates) Current(_ context.Context) (*subscription.State, error) {
	if f.state == nil {
		return nil, subscription.ErrNoSubscription
	}
	return f.state, nil
}

func (f *fakeStates) Persist(_ context.Context, st *subscription.State) error {
	f.state = st
	f.persisted = append(f.persisted, st)
	return nil
}

// fakeAdapter records provider calls and serves canned responses.
type fakeAdapter struct {
	createCalls []provider.CreateParams
	updateCalls []provider.UpdateParams
	err         error
}

func (f *fakeAdapter) Create(_ context.Context, params provider.CreateParams) (*provider.Subscription, error) {
	f.createCalls = append(f.createCalls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Subscription{Handle: "wh_test", FilterSet: params.FilterSet}, nil
}

func (f *fakeAdapter) Update(_ context.Context, params provider.UpdateParams) (*provider.Subscription, error) {
	f.updateCalls = append(f.updateCalls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Subscription{Handle: params.Handle, FilterSet: params.FilterSet}, nil
}

// fakeProgress records progress and results in memory.
type fakeProgress struct {
	progress int
	stage    string
	result   *Result
}

func (f *fakeProgress) SetProgress(_ context.Context, _ int64, progress int, stage string) error {
	if progress > f.progress {
		f.progress = progress
	}
	f.stage = stage
	return nil
}

func (f *fakeProgress) SetResult(_ context.Context, _ int64, result *Result) error {
	f.result = result
	return nil
}

func (f *fakeProgress) Get(_ context.Context, _ int64) (*ProgressRow, error) {
	return &ProgressRow{Progress: f.progress, Stage: f.stage, Result: f.result}, nil
}

func newTestWorker(trackings *fakeTracking, states *fakeStates, adapter *fakeAdapter, progress *fakeProgress) *ReconcileWorker {
	cfg := DefaultQueueConfig()
	cfg.CallbackURL = "https://example.com/api/v1/activity"
	return &ReconcileWorker{
		trackings: trackings,
		states:    states,
		adapter:   adapter,
		progress:  progress,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		config:    cfg,
	}
}

func testJob(args ReconcileArgs) *river.Job[ReconcileArgs] {
	return &river.Job[ReconcileArgs]{
		JobRow: &rivertype.JobRow{ID: 42, Attempt: 1, MaxAttempts: 3, CreatedAt: time.Now()},
		Args:   args,
	}
}

func TestWork_BootstrapCreatesSubscription(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	states := &fakeStates{}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		AddUsers: []UserRef{{ActorID: 100, GroupID: "conv-1", AddedBy: "alice"}},
	}))
	require.NoError(t, err)

	require.Len(t, adapter.createCalls, 1)
	assert.Empty(t, adapter.updateCalls)
	assert.Equal(t, []int64{100}, adapter.createCalls[0].FilterSet)
	assert.Equal(t, "https://example.com/api/v1/activity", adapter.createCalls[0].CallbackURL)

	require.NotNil(t, states.state)
	assert.Equal(t, "wh_test", states.state.ExternalHandle)
	assert.Equal(t, []int64{100}, states.state.FilterSet)

	require.Len(t, trackings.added, 1)
	assert.Equal(t, "g1", trackings.added[0].GroupID)
	assert.Equal(t, "alice", trackings.added[0].AddedBy)

	require.NotNil(t, progress.result)
	assert.Equal(t, "success", progress.result.Status)
	assert.Equal(t, 100, progress.progress)
}

func TestWork_UnchangedFilterSkipsProvider(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	trackings.counts[100] = 1
	trackings.held[heldKey("g1", 100)] = true
	states := &fakeStates{state: &subscription.State{
		ExternalHandle: "wh_test", FilterSet: []int64{100},
	}}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		AddUsers: []UserRef{{ActorID: 100, GroupID: "conv-1"}},
	}))
	require.NoError(t, err)

	assert.Empty(t, adapter.createCalls)
	assert.Empty(t, adapter.updateCalls)
	assert.Empty(t, states.persisted)

	// Relation bookkeeping still runs even when the filter is untouched.
	assert.Len(t, trackings.added, 1)
	require.NotNil(t, progress.result)
	assert.Equal(t, "success", progress.result.Status)
}

func TestWork_RemovalKeepsSharedActor(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	trackings.counts[100] = 2 // watched by g1 and another group
	trackings.held[heldKey("g1", 100)] = true
	states := &fakeStates{state: &subscription.State{
		ExternalHandle: "wh_test", FilterSet: []int64{100},
	}}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		RemoveUsers: []UserRef{{ActorID: 100, GroupID: "conv-1"}},
	}))
	require.NoError(t, err)

	assert.Empty(t, adapter.updateCalls, "shared actor must stay in the filter")
	assert.Equal(t, []int64{100}, trackings.removed["g1"])
}

func TestWork_LastRemovalShrinksFilter(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	trackings.counts[100] = 1
	trackings.held[heldKey("g1", 100)] = true
	states := &fakeStates{state: &subscription.State{
		ExternalHandle: "wh_test", WebhookName: "hook", CallbackURL: "https://cb", FilterSet: []int64{100},
	}}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		RemoveUsers: []UserRef{{ActorID: 100, GroupID: "conv-1"}},
	}))
	require.NoError(t, err)

	require.Len(t, adapter.updateCalls, 1)
	assert.Equal(t, "wh_test", adapter.updateCalls[0].Handle)
	assert.Empty(t, adapter.updateCalls[0].FilterSet)
	require.NotNil(t, states.state)
	assert.Empty(t, states.state.FilterSet)
	assert.Equal(t, "https://cb", states.state.CallbackURL, "existing callback survives updates")
}

func TestWork_SkipsUnresolvableGroup(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	states := &fakeStates{}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		AddUsers: []UserRef{
			{ActorID: 100, GroupID: "conv-1"},
			{ActorID: 200, GroupID: "conv-missing"},
		},
	}))
	require.NoError(t, err)

	require.Len(t, adapter.createCalls, 1)
	assert.Equal(t, []int64{100}, adapter.createCalls[0].FilterSet)

	require.NotNil(t, progress.result)
	assert.Equal(t, "success", progress.result.Status)
	require.Len(t, progress.result.Skipped, 1)
	assert.Equal(t, int64(200), progress.result.Skipped[0].ActorID)
	assert.Equal(t, "conv-missing", progress.result.Skipped[0].GroupRef)
}

func TestWork_RemoveAfterGroupDeleteTrimsFilter(t *testing.T) {
	// The group is already gone and its relations cascaded away; the remove
	// must still recount the actor and shrink the filter.
	trackings := newFakeTracking()
	trackings.counts[100] = 0
	states := &fakeStates{state: &subscription.State{
		ExternalHandle: "wh_test", FilterSet: []int64{100},
	}}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		RemoveUsers: []UserRef{{ActorID: 100, GroupID: "conv-deleted"}},
	}))
	require.NoError(t, err)

	require.Len(t, adapter.updateCalls, 1)
	assert.Empty(t, adapter.updateCalls[0].FilterSet)
	assert.Empty(t, trackings.removed, "no relation rows exist for a deleted group")
	require.NotNil(t, progress.result)
	assert.Equal(t, "success", progress.result.Status)
}

func TestWork_UnknownRemoveRefKeepsBatchAlive(t *testing.T) {
	// A remove naming a conversation ref that never existed must not poison
	// the batch: the valid add still lands and the job completes.
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	states := &fakeStates{}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		AddUsers:    []UserRef{{ActorID: 100, GroupID: "conv-1"}},
		RemoveUsers: []UserRef{{ActorID: 200, GroupID: "conv-never-existed"}},
	}))
	require.NoError(t, err)

	require.Len(t, adapter.createCalls, 1)
	assert.Equal(t, []int64{100}, adapter.createCalls[0].FilterSet)
	require.Len(t, trackings.added, 1)
	assert.Empty(t, trackings.removed)

	require.NotNil(t, progress.result)
	assert.Equal(t, "success", progress.result.Status)
}

func TestWork_EmptyBatchFailsWithoutRetry(t *testing.T) {
	trackings := newFakeTracking()
	states := &fakeStates{}
	adapter := &fakeAdapter{}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{}))
	require.Error(t, err)

	assert.Empty(t, adapter.createCalls)
	require.NotNil(t, progress.result)
	assert.Equal(t, "failed", progress.result.Status)
	assert.Equal(t, "no users provided", progress.result.Error)
	assert.Equal(t, 100, progress.progress)
}

func TestWork_TransientProviderFailureLeavesNothingBehind(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	states := &fakeStates{}
	adapter := &fakeAdapter{err: &provider.APIError{StatusCode: 503, Body: "unavailable"}}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		AddUsers: []UserRef{{ActorID: 100, GroupID: "conv-1"}},
	}))
	require.Error(t, err)

	assert.Empty(t, states.persisted)
	assert.Empty(t, trackings.added)
	require.NotNil(t, progress.result)
	assert.Equal(t, "provider_update", progress.result.FailedStage)
}

func TestWork_FilterRejectionDoesNotRetry(t *testing.T) {
	trackings := newFakeTracking()
	trackings.groups["conv-1"] = "g1"
	states := &fakeStates{}
	adapter := &fakeAdapter{err: provider.ErrFilterTooLarge}
	progress := &fakeProgress{}
	w := newTestWorker(trackings, states, adapter, progress)

	err := w.Work(context.Background(), testJob(ReconcileArgs{
		AddUsers: []UserRef{{ActorID: 100, GroupID: "conv-1"}},
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrFilterTooLarge))

	assert.Empty(t, states.persisted)
	assert.Empty(t, trackings.added)
	require.NotNil(t, progress.result)
	assert.Equal(t, "failed", progress.result.Status)
}

func TestMapState(t *testing.T) {
	assert.Equal(t, "waiting", mapState(rivertype.JobStateAvailable))
	assert.Equal(t, "waiting", mapState(rivertype.JobStatePending))
	assert.Equal(t, "active", mapState(rivertype.JobStateRunning))
	assert.Equal(t, "delayed", mapState(rivertype.JobStateScheduled))
	assert.Equal(t, "delayed", mapState(rivertype.JobStateRetryable))
	assert.Equal(t, "completed", mapState(rivertype.JobStateCompleted))
	assert.Equal(t, "failed", mapState(rivertype.JobStateCancelled))
	assert.Equal(t, "failed", mapState(rivertype.JobStateDiscarded))
}

func TestIndexOfJob(t *testing.T) {
	jobs := []*rivertype.JobRow{{ID: 10}, {ID: 20}, {ID: 30}}

	idx, ok := indexOfJob(jobs, 10)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = indexOfJob(jobs, 30)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	// A job missing from the listing is never reported as front-of-queue.
	_, ok = indexOfJob(jobs, 99)
	assert.False(t, ok)
	_, ok = indexOfJob(nil, 10)
	assert.False(t, ok)
}

func TestQueueConfigDefaults(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Equal(t, 1, cfg.MaxWorkers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10, cfg.ProviderRatePerMinute)

	rc := cfg.RiverQueueConfig()
	require.Contains(t, rc, QueueName)
	assert.Equal(t, 1, rc[QueueName].MaxWorkers)
}

func TestBackoffRetryPolicy(t *testing.T) {
	p := &backoffRetryPolicy{backoff: DefaultQueueConfig().Backoff}

	next := p.NextRetry(&rivertype.JobRow{Attempt: 1})
	delay := time.Until(next)
	assert.InDelta(t, (2 * time.Second).Seconds(), delay.Seconds(), 1.0)

	next = p.NextRetry(&rivertype.JobRow{Attempt: 2})
	delay = time.Until(next)
	assert.InDelta(t, (4 * time.Second).Seconds(), delay.Seconds(), 1.0)
}
