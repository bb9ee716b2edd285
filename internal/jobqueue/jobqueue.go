/*
Package jobqueue runs the subscription reconciliation jobs on a River-backed,
strictly serialized queue.

Every job applies one batch of add/remove watch requests: it reads the
subscription state and watch counts fresh, computes the required filter set,
pushes it to the provider only when it actually changed, persists the new
state, and finally commits the relation bookkeeping. The provider write
always precedes the relation writes; a crash in between leaves the filter at
least as permissive as the relation table, which self-heals on the next job
touching the same actor.

For configuration, retry policy and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tradewatch/internal/provider"
	"github.com/tradewatch/internal/reconcile"
	"github.com/tradewatch/internal/subscription"
	"github.com/tradewatch/internal/tracking"
)

// UserRef identifies one (actor, group) watch request. GroupID may be either
// a canonical group ID or the external conversation reference; the worker
// resolves both to the same canonical group.
type UserRef struct {
	ActorID int64  `json:"actorId"`
	GroupID string `json:"groupId"`
	AddedBy string `json:"addedBy,omitempty"`
}

// ReconcileArgs is the payload of one reconciliation job.
type ReconcileArgs struct {
	AddUsers    []UserRef `json:"addUsers"`
	RemoveUsers []UserRef `json:"removeUsers"`
}

// Kind returns the job kind for River
func (ReconcileArgs) Kind() string {
	return "update_trackings"
}

// TrackingStore is the slice of the tracking store the worker needs.
type TrackingStore interface {
	ResolveGroup(ctx context.Context, externalRef string) (string, error)
	EnsureActor(ctx context.Context, actorID int64, username string) error
	CountGroupsWatching(ctx context.Context, actorID int64) (int, error)
	HoldsRelation(ctx context.Context, groupID string, actorID int64) (bool, error)
	AddRelations(ctx context.Context, relations []tracking.Relation) error
	RemoveRelations(ctx context.Context, groupID string, actorIDs []int64) error
}

// StateStore is the slice of the subscription state store the worker needs.
type StateStore interface {
	Current(ctx context.Context) (*subscription.State, error)
	Persist(ctx context.Context, st *subscription.State) error
}

// Progress stages, in execution order.
const (
	stageValidated   = "validated"
	stageStateLoaded = "state_loaded"
	stageReconciled  = "reconciled"
	stageProvider    = "provider_updated"
	stagePersist     = "state_persisted"
	stageRelations   = "relations_committed"
	stageCompleted   = "completed"
)

// ReconcileWorker executes reconciliation jobs
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	trackings TrackingStore
	states    StateStore
	adapter   provider.Adapter
	progress  ProgressStore
	limiter   *rate.Limiter
	config    *QueueConfig
}

// Timeout bounds a single attempt.
func (w *ReconcileWorker) Timeout(job *river.Job[ReconcileArgs]) time.Duration {
	return w.config.JobTimeout
}

// Work performs one reconciliation attempt. Everything it reads is loaded
// fresh here, never cached across attempts or jobs.
func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	args := job.Args
	jobID := job.ID

	log.Info().Int64("job_id", jobID).Int("attempt", job.Attempt).
		Int("adds", len(args.AddUsers)).Int("removes", len(args.RemoveUsers)).
		Msg("Processing reconciliation job")

	if len(args.AddUsers) == 0 && len(args.RemoveUsers) == 0 {
		err := errors.New("no users provided")
		_ = w.progress.SetResult(ctx, jobID, &Result{Status: "failed", Error: err.Error()})
		_ = w.progress.SetProgress(ctx, jobID, 100, stageValidated)
		return river.JobCancel(err)
	}
	_ = w.progress.SetProgress(ctx, jobID, 5, stageValidated)

	// Load subscription state. Absence means this is the first-ever add and
	// the subscription must be bootstrapped via create instead of update.
	state, err := w.states.Current(ctx)
	bootstrap := false
	if errors.Is(err, subscription.ErrNoSubscription) {
		bootstrap = true
		state = nil
	} else if err != nil {
		return w.fail(ctx, jobID, "load_state", err)
	}

	batch, err := w.resolveRequests(ctx, jobID, args)
	if err != nil {
		return w.fail(ctx, jobID, "load_state", err)
	}

	snap, err := w.loadSnapshot(ctx, state, batch)
	if err != nil {
		return w.fail(ctx, jobID, "load_state", err)
	}
	_ = w.progress.SetProgress(ctx, jobID, 20, stageStateLoaded)

	out := reconcile.Compute(snap, batch.adds, batch.removes)
	_ = w.progress.SetProgress(ctx, jobID, 35, stageReconciled)

	if out.Changed {
		state, err = w.pushFilter(ctx, jobID, state, bootstrap, out.RequiredFilter)
		if err != nil {
			return err
		}
	} else {
		log.Info().Int64("job_id", jobID).Msg("Filter set unchanged, skipping provider update")
		_ = w.progress.SetProgress(ctx, jobID, 70, stageProvider)
	}

	if err := w.commitRelations(ctx, out, batch); err != nil {
		return w.fail(ctx, jobID, "commit_relations", err)
	}
	_ = w.progress.SetProgress(ctx, jobID, 90, stageRelations)

	result := &Result{
		Status:  "success",
		Message: fmt.Sprintf("Applied %d add(s), %d remove(s)", len(out.Adds), len(out.Removes)),
		Skipped: batch.skipped,
	}
	if !out.Changed {
		result.Message += "; filter unchanged"
	}
	if err := w.progress.SetResult(ctx, jobID, result); err != nil {
		return w.fail(ctx, jobID, "commit_relations", err)
	}
	_ = w.progress.SetProgress(ctx, jobID, 100, stageCompleted)

	log.Info().Int64("job_id", jobID).Int("skipped", len(batch.skipped)).
		Bool("filter_changed", out.Changed).Msg("Reconciliation job completed")
	return nil
}

// resolvedBatch is one job's requests after group resolution. Orphaned
// removes name a group that no longer resolves; their raw reference is kept
// only as an in-memory key so the actor still counts as touched, and is
// never bound as a group_id query parameter.
type resolvedBatch struct {
	adds     []reconcile.Request
	removes  []reconcile.Request
	addedBy  map[reconcile.Request]string
	orphaned map[reconcile.Request]bool
	skipped  []SkippedEntry
}

// resolveRequests maps every request's group reference to its canonical
// group. Unresolvable adds are dropped and reported, never fatal: partial
// success beats whole-batch failure. Unresolvable removes are kept as
// orphaned so the actor's count is still recomputed; this is what trims the
// filter after a group was deleted and its relations cascaded away.
func (w *ReconcileWorker) resolveRequests(ctx context.Context, jobID int64, args ReconcileArgs) (*resolvedBatch, error) {
	batch := &resolvedBatch{
		addedBy:  make(map[reconcile.Request]string, len(args.AddUsers)),
		orphaned: map[reconcile.Request]bool{},
	}

	for _, u := range args.AddUsers {
		groupID, err := w.trackings.ResolveGroup(ctx, u.GroupID)
		if errors.Is(err, tracking.ErrNotFound) {
			log.Warn().Int64("job_id", jobID).Int64("actor_id", u.ActorID).
				Str("group_ref", u.GroupID).Msg("Skipping add for unresolvable group")
			batch.skipped = append(batch.skipped, SkippedEntry{
				ActorID:  u.ActorID,
				GroupRef: u.GroupID,
				Reason:   "group not found",
			})
			continue
		}
		if err != nil {
			return nil, err
		}
		req := reconcile.Request{ActorID: u.ActorID, GroupID: groupID}
		batch.addedBy[req] = u.AddedBy
		batch.adds = append(batch.adds, req)
	}

	for _, u := range args.RemoveUsers {
		groupID, err := w.trackings.ResolveGroup(ctx, u.GroupID)
		req := reconcile.Request{ActorID: u.ActorID, GroupID: groupID}
		if errors.Is(err, tracking.ErrNotFound) {
			req.GroupID = u.GroupID
			batch.orphaned[req] = true
		} else if err != nil {
			return nil, err
		}
		batch.removes = append(batch.removes, req)
	}
	return batch, nil
}

// loadSnapshot reads base counts and held pairs for every actor the batch
// touches, evaluated before this batch's writes. Orphaned removes hold no
// relation by definition; their reference is not a queryable group id.
func (w *ReconcileWorker) loadSnapshot(ctx context.Context, state *subscription.State, batch *resolvedBatch) (reconcile.Snapshot, error) {
	snap := reconcile.Snapshot{
		Filter: map[int64]struct{}{},
		Counts: map[int64]int{},
		Held:   map[reconcile.Request]bool{},
	}
	if state != nil {
		snap.Filter = reconcile.FilterSet(state.FilterSet)
	}

	for _, req := range append(append([]reconcile.Request{}, batch.adds...), batch.removes...) {
		if _, ok := snap.Counts[req.ActorID]; !ok {
			count, err := w.trackings.CountGroupsWatching(ctx, req.ActorID)
			if err != nil {
				return snap, err
			}
			snap.Counts[req.ActorID] = count
		}
		if _, ok := snap.Held[req]; !ok {
			if batch.orphaned[req] {
				snap.Held[req] = false
				continue
			}
			held, err := w.trackings.HoldsRelation(ctx, req.GroupID, req.ActorID)
			if err != nil {
				return snap, err
			}
			snap.Held[req] = held
		}
	}
	return snap, nil
}

// pushFilter sends the required filter set to the provider and, only after
// that call succeeds, persists the mirrored state. No local state is touched
// before the provider write, so a failed attempt retries cleanly from the top.
func (w *ReconcileWorker) pushFilter(ctx context.Context, jobID int64, state *subscription.State, bootstrap bool, filter []int64) (*subscription.State, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, w.fail(ctx, jobID, "provider_update", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.config.ProviderTimeout)
	defer cancel()

	thresholds := provider.Thresholds{
		MinScore:     w.config.Thresholds.MinScore,
		MinAmountUSD: w.config.Thresholds.MinAmountUSD,
	}

	var sub *provider.Subscription
	var err error
	if bootstrap {
		log.Info().Int64("job_id", jobID).Msg("No subscription exists yet, creating one")
		sub, err = w.adapter.Create(callCtx, provider.CreateParams{
			Name:        w.config.WebhookName,
			CallbackURL: w.config.CallbackURL,
			FilterSet:   filter,
			Thresholds:  thresholds,
		})
	} else {
		sub, err = w.adapter.Update(callCtx, provider.UpdateParams{
			Handle:      state.ExternalHandle,
			Name:        state.WebhookName,
			CallbackURL: state.CallbackURL,
			FilterSet:   filter,
			Thresholds:  thresholds,
		})
	}
	if err != nil {
		if !provider.IsRetryable(err) {
			_ = w.progress.SetResult(ctx, jobID, &Result{
				Status: "failed", Error: err.Error(), FailedStage: "provider_update",
			})
			return nil, river.JobCancel(fmt.Errorf("provider rejected filter update: %w", err))
		}
		return nil, w.fail(ctx, jobID, "provider_update", err)
	}

	newState := &subscription.State{
		ExternalHandle: sub.Handle,
		CallbackURL:    w.config.CallbackURL,
		WebhookName:    w.config.WebhookName,
		FilterSet:      filter,
		Thresholds: subscription.Thresholds{
			MinScore:     thresholds.MinScore,
			MinAmountUSD: thresholds.MinAmountUSD,
		},
	}
	if !bootstrap {
		newState.CallbackURL = state.CallbackURL
		newState.WebhookName = state.WebhookName
	}
	_ = w.progress.SetProgress(ctx, jobID, 60, stageProvider)

	if err := w.states.Persist(ctx, newState); err != nil {
		return nil, w.fail(ctx, jobID, "persist_state", err)
	}

	_ = w.progress.SetProgress(ctx, jobID, 70, stagePersist)
	return newState, nil
}

// commitRelations applies relation bookkeeping. This runs after the provider
// and state writes so the shared filter is never ahead of what groups can
// observe. Orphaned removes have no relation rows left to delete.
func (w *ReconcileWorker) commitRelations(ctx context.Context, out reconcile.Outcome, batch *resolvedBatch) error {
	relations := make([]tracking.Relation, 0, len(out.Adds))
	for _, a := range out.Adds {
		if err := w.trackings.EnsureActor(ctx, a.ActorID, ""); err != nil {
			return err
		}
		relations = append(relations, tracking.Relation{
			GroupID: a.GroupID,
			ActorID: a.ActorID,
			AddedBy: batch.addedBy[a],
		})
	}
	if err := w.trackings.AddRelations(ctx, relations); err != nil {
		return err
	}

	removalsByGroup := make(map[string][]int64)
	for _, r := range out.Removes {
		if batch.orphaned[r] {
			continue
		}
		removalsByGroup[r.GroupID] = append(removalsByGroup[r.GroupID], r.ActorID)
	}
	for groupID, actorIDs := range removalsByGroup {
		if err := w.trackings.RemoveRelations(ctx, groupID, actorIDs); err != nil {
			return err
		}
	}
	return nil
}

// fail records the failing stage for the status API and returns a retryable
// error to River.
func (w *ReconcileWorker) fail(ctx context.Context, jobID int64, stage string, err error) error {
	_ = w.progress.SetResult(ctx, jobID, &Result{
		Status:      "failed",
		Error:       err.Error(),
		FailedStage: stage,
	})
	return fmt.Errorf("%s: %w", stage, err)
}

// JobQueue manages the River reconciliation queue
type JobQueue struct {
	client   *river.Client[pgx.Tx]
	pool     *pgxpool.Pool
	config   *QueueConfig
	progress ProgressStore
}

// Stores bundles the durable collaborators the worker needs.
type Stores struct {
	Trackings TrackingStore
	States    StateStore
	Adapter   provider.Adapter
}

// NewJobQueue creates a new job queue instance over the shared pool.
func NewJobQueue(pool *pgxpool.Pool, cfg *QueueConfig, stores Stores) (*JobQueue, error) {
	progress := NewProgressStore(pool)

	worker := &ReconcileWorker{
		trackings: stores.Trackings,
		states:    stores.States,
		adapter:   stores.Adapter,
		progress:  progress,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ProviderRatePerMinute)), 1),
		config:    cfg,
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:      cfg.RiverQueueConfig(),
		Workers:     workers,
		MaxAttempts: cfg.MaxAttempts,
		RetryPolicy: &backoffRetryPolicy{backoff: cfg.Backoff},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client:   client,
		pool:     pool,
		config:   cfg,
		progress: progress,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// Enqueue queues a reconciliation batch. Enqueueing is safe from many
// concurrent callers; only execution is serialized.
func (jq *JobQueue) Enqueue(ctx context.Context, args ReconcileArgs) (int64, error) {
	res, err := jq.client.Insert(ctx, args, &river.InsertOpts{Queue: QueueName})
	if err != nil {
		return 0, fmt.Errorf("failed to queue reconciliation job: %w", err)
	}

	_ = jq.progress.SetProgress(ctx, res.Job.ID, 0, "queued")

	log.Info().Int64("job_id", res.Job.ID).
		Int("adds", len(args.AddUsers)).Int("removes", len(args.RemoveUsers)).
		Msg("Queued reconciliation job")
	return res.Job.ID, nil
}
