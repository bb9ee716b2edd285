// Package reconcile computes the provider filter changes and relation
// mutations implied by a batch of add/remove watch requests. It is a pure,
// total function over a state snapshot; all I/O lives in the job executor.
package reconcile

import "sort"

// Request is one (actor, group) add or remove demand.
type Request struct {
	ActorID int64
	GroupID string
}

// Snapshot is the state read fresh at the start of an attempt: the filter set
// currently pushed to the provider, per-actor watch counts for every actor
// the batch touches, and which of the batch's pairs already hold a relation.
type Snapshot struct {
	Filter map[int64]struct{}
	Counts map[int64]int
	Held   map[Request]bool
}

// Outcome is what the executor must make true: the filter set the provider
// should hold, whether that differs from the current one, and the relation
// mutations to apply. Mutations are produced even when the filter is a no-op;
// relation bookkeeping always happens.
type Outcome struct {
	RequiredFilter []int64
	Changed        bool
	Adds           []Request
	Removes        []Request
}

// Compute derives the outcome for one batch. Duplicate pairs within a list
// are collapsed; a pair appearing in both lists is treated as a remove.
// Removal of an actor from the filter only happens when no group still
// watches it, so overlapping watch-lists never lose notifications.
func Compute(snap Snapshot, adds, removes []Request) Outcome {
	removeSet := make(map[Request]struct{}, len(removes))
	var dedupedRemoves []Request
	for _, r := range removes {
		if _, ok := removeSet[r]; ok {
			continue
		}
		removeSet[r] = struct{}{}
		dedupedRemoves = append(dedupedRemoves, r)
	}

	addSet := make(map[Request]struct{}, len(adds))
	var dedupedAdds []Request
	for _, a := range adds {
		if _, ok := addSet[a]; ok {
			continue
		}
		if _, ok := removeSet[a]; ok {
			continue
		}
		addSet[a] = struct{}{}
		dedupedAdds = append(dedupedAdds, a)
	}

	// Per-actor deltas: adds count only pairs not already held, removes count
	// only pairs that are.
	addDelta := make(map[int64]int)
	removeDelta := make(map[int64]int)
	touched := make(map[int64]struct{})
	for _, a := range dedupedAdds {
		touched[a.ActorID] = struct{}{}
		if !snap.Held[a] {
			addDelta[a.ActorID]++
		}
	}
	for _, r := range dedupedRemoves {
		touched[r.ActorID] = struct{}{}
		if snap.Held[r] {
			removeDelta[r.ActorID]++
		}
	}

	required := make(map[int64]struct{}, len(snap.Filter)+len(touched))
	for id := range snap.Filter {
		required[id] = struct{}{}
	}
	for id := range touched {
		resulting := snap.Counts[id] + addDelta[id] - removeDelta[id]
		if resulting > 0 {
			required[id] = struct{}{}
		} else {
			delete(required, id)
		}
	}

	changed := len(required) != len(snap.Filter)
	if !changed {
		for id := range required {
			if _, ok := snap.Filter[id]; !ok {
				changed = true
				break
			}
		}
	}

	filter := make([]int64, 0, len(required))
	for id := range required {
		filter = append(filter, id)
	}
	sort.Slice(filter, func(i, j int) bool { return filter[i] < filter[j] })

	return Outcome{
		RequiredFilter: filter,
		Changed:        changed,
		Adds:           dedupedAdds,
		Removes:        dedupedRemoves,
	}
}

// FilterSet converts a filter slice to the set form Compute expects.
func FilterSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
