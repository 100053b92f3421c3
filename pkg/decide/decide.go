// Package decide implements the scheduler's worker-placement policy:
// choosing which worker a ready task runs on, and assigning a whole batch
// of ready tasks while spreading load within the batch.
package decide

import (
	"errors"
	"sort"
	"strings"

	"github.com/cuemby/loom/pkg/state"
)

// ErrNoWorkers is returned when the cluster currently has no registered
// worker at all. Placement should be retried once a worker registers.
var ErrNoWorkers = errors.New("decide: no workers registered")

// ErrNoPlacement is returned when a task's restrictions name no worker
// currently in the cluster, and the restriction is not loose.
var ErrNoPlacement = errors.New("decide: restriction matches no worker")

// LoadWindow is the fraction of the best locality score within which a
// less-loaded worker is preferred over the single best-locality worker.
const LoadWindow = 0.10

type Key = state.Key
type WorkerAddr = state.WorkerAddr

// Worker chooses a placement for a single ready task (one whose
// dependencies, if any, are already satisfied).
func Worker(st *state.State, key Key) (WorkerAddr, error) {
	workers := st.Workers()
	if len(workers) == 0 {
		return "", ErrNoWorkers
	}

	candidates := applyRestrictions(st, key, workers)
	if len(candidates) == 0 {
		return "", ErrNoPlacement
	}

	task := st.Tasks[key]
	if task == nil || len(st.Dependencies[key]) == 0 {
		return shortestStack(st, candidates), nil
	}

	return localityChoice(st, key, candidates), nil
}

// AssignMany places a priority-ordered batch of ready tasks, threading
// per-worker stack-length deltas through the batch so later tasks in the
// same batch see the load earlier ones created. Tasks that fail placement
// because of an unsatisfiable restriction are reported in failed; tasks
// that fail only because no worker exists are omitted from both maps so
// the caller can retry them once a worker appears.
func AssignMany(st *state.State, keys []Key) (assigned map[Key]WorkerAddr, failed map[Key]error) {
	assigned = make(map[Key]WorkerAddr)
	failed = make(map[Key]error)

	ordered := make([]Key, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool {
		return st.KeyOrder[ordered[i]] < st.KeyOrder[ordered[j]]
	})

	// Local, mutable view of stack lengths so that assignments earlier in
	// this batch influence placement for later ones; st.Stacks is only
	// extended once the whole batch has been placed, so each assignment
	// is counted once.
	delta := make(map[WorkerAddr]int)

	for _, key := range ordered {
		workers := st.Workers()
		if len(workers) == 0 {
			continue
		}
		candidates := applyRestrictions(st, key, workers)
		if len(candidates) == 0 {
			failed[key] = ErrNoPlacement
			continue
		}

		var chosen WorkerAddr
		task := st.Tasks[key]
		if task == nil || len(st.Dependencies[key]) == 0 {
			chosen = shortestStackWithDelta(st, candidates, delta)
		} else {
			chosen = localityChoiceWithDelta(st, key, candidates, delta)
		}

		assigned[key] = chosen
		delta[chosen]++
	}

	for _, key := range ordered {
		if chosen, ok := assigned[key]; ok {
			st.Stacks[chosen] = append(st.Stacks[chosen], key)
		}
	}

	return assigned, failed
}

// applyRestrictions narrows workers to those a task's restriction allows,
// falling back to the full pool when the restriction is loose and
// unsatisfiable.
func applyRestrictions(st *state.State, key Key, workers []WorkerAddr) []WorkerAddr {
	restriction := st.Restrictions[key]
	if len(restriction) == 0 {
		return workers
	}

	var matched []WorkerAddr
	for _, w := range workers {
		if matchesRestriction(w, restriction) {
			matched = append(matched, w)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	if _, loose := st.LooseRestrictions[key]; loose {
		return workers
	}
	return nil
}

func matchesRestriction(worker WorkerAddr, restriction map[string]struct{}) bool {
	host := worker
	if idx := strings.IndexByte(worker, ':'); idx >= 0 {
		host = worker[:idx]
	}
	if _, ok := restriction[worker]; ok {
		return true
	}
	_, ok := restriction[host]
	return ok
}

func shortestStack(st *state.State, candidates []WorkerAddr) WorkerAddr {
	return shortestStackWithDelta(st, candidates, nil)
}

func shortestStackWithDelta(st *state.State, candidates []WorkerAddr, delta map[WorkerAddr]int) WorkerAddr {
	best := candidates[0]
	bestLen := stackLen(st, best, delta)
	for _, w := range candidates[1:] {
		l := stackLen(st, w, delta)
		if l < bestLen || (l == bestLen && w < best) {
			best, bestLen = w, l
		}
	}
	return best
}

func stackLen(st *state.State, w WorkerAddr, delta map[WorkerAddr]int) int {
	n := len(st.Stacks[w]) + len(st.Processing[w])
	if delta != nil {
		n += delta[w]
	}
	return n
}

func localityChoice(st *state.State, key Key, candidates []WorkerAddr) WorkerAddr {
	return localityChoiceWithDelta(st, key, candidates, nil)
}

func localityChoiceWithDelta(st *state.State, key Key, candidates []WorkerAddr, delta map[WorkerAddr]int) WorkerAddr {
	scores := make(map[WorkerAddr]int64, len(candidates))
	var best int64 = -1
	for _, w := range candidates {
		var score int64
		for dep := range st.Dependencies[key] {
			if _, has := st.WhoHas[dep][w]; has {
				score += st.Nbytes[dep]
			}
		}
		scores[w] = score
		if score > best {
			best = score
		}
	}

	threshold := int64(float64(best) * (1 - LoadWindow))
	var within []WorkerAddr
	for _, w := range candidates {
		if scores[w] >= threshold {
			within = append(within, w)
		}
	}
	if len(within) == 0 {
		within = candidates
	}
	return shortestStackWithDelta(st, within, delta)
}
