// Package heal implements the scheduler's reconciliation logic: rebuilding
// waiting, released, and finished_results from the authoritative,
// worker-reported truth (who_has, stacks, processing). Both entry points
// update st in place using only st and their arguments, so running either
// twice in a row leaves st as the first run left it.
package heal

import (
	"time"

	"github.com/cuemby/loom/pkg/state"
)

type Key = state.Key
type WorkerAddr = state.WorkerAddr

// Result summarizes what a Heal pass changed, for the scheduler to act on
// (dispatch newly-ready keys, tell clients about lost data).
type Result struct {
	Released []Key
	Ready    []Key
}

// Heal reconciles st against the set of currently live workers. Any worker
// not in live is purged from every worker-indexed structure; every task is
// then reclassified as finished, processing, waiting, or released purely
// from who_has/stacks/processing, never from the waiting/released indexes
// themselves.
func Heal(st *state.State, live map[WorkerAddr]struct{}) Result {
	for _, w := range st.Workers() {
		if _, ok := live[w]; !ok {
			purgeWorker(st, w)
		}
	}

	var result Result
	for key := range st.Tasks {
		switch {
		case len(st.WhoHas[key]) > 0:
			markFinished(st, key)
		case inFlight(st, key):
			markInFlight(st, key)
		case wanted(st, key):
			recomputeWaiting(st, key)
			if len(st.Waiting[key]) == 0 {
				result.Ready = append(result.Ready, key)
			}
		default:
			release(st, key)
			result.Released = append(result.Released, key)
		}
	}
	return result
}

// MissingData processes a worker's report that it no longer has the keys
// in lost (eviction, crash-and-restart, disk loss). Any key left with no
// remaining holder is dropped from finished_results, has its released
// dependency chain restored, and is recomputed into waiting so the
// scheduler can reschedule it; every producer it then waits on that is not
// held, queued, or already waiting is recomputed into waiting as well and
// is included in the returned keys.
func MissingData(st *state.State, worker WorkerAddr, lost []Key) (recomputed []Key) {
	for _, key := range lost {
		if workers, ok := st.WhoHas[key]; ok {
			delete(workers, worker)
			if len(workers) == 0 {
				delete(st.WhoHas, key)
			}
		}
		delete(st.HasWhat[worker], key)

		if len(st.WhoHas[key]) > 0 {
			continue
		}

		delete(st.FinishedResults, key)
		st.RestoreReleased(key)
		recomputeWaiting(st, key)
		recomputed = append(recomputed, key)

		// Producers the key now waits on that are neither held, queued,
		// nor already waiting go back into waiting themselves.
		var requeue func(Key)
		requeue = func(k Key) {
			for dep := range st.Dependencies[k] {
				if _, waiting := st.Waiting[dep]; waiting || len(st.WhoHas[dep]) > 0 || inFlight(st, dep) {
					continue
				}
				recomputeWaiting(st, dep)
				recomputed = append(recomputed, dep)
				requeue(dep)
			}
		}
		requeue(key)
	}
	return recomputed
}

func purgeWorker(st *state.State, w WorkerAddr) {
	delete(st.Stacks, w)
	delete(st.Processing, w)
	for k := range st.HasWhat[w] {
		delete(st.WhoHas[k], w)
		if len(st.WhoHas[k]) == 0 {
			delete(st.WhoHas, k)
		}
	}
	delete(st.HasWhat, w)
	delete(st.NCores, w)
}

func inFlight(st *state.State, key Key) bool {
	for _, keys := range st.Stacks {
		for _, k := range keys {
			if k == key {
				return true
			}
		}
	}
	for _, procs := range st.Processing {
		if _, ok := procs[key]; ok {
			return true
		}
	}
	return false
}

func markFinished(st *state.State, key Key) {
	st.FinishedResults[key] = struct{}{}
	delete(st.Released, key)
	delete(st.FreedAt, key)
	delete(st.Waiting, key)
	st.InPlay[key] = struct{}{}
}

func markInFlight(st *state.State, key Key) {
	delete(st.Released, key)
	delete(st.FreedAt, key)
	delete(st.FinishedResults, key)
	delete(st.Waiting, key)
	st.InPlay[key] = struct{}{}
}

func wanted(st *state.State, key Key) bool {
	return len(st.WhoWants[key]) > 0 || len(st.WaitingData[key]) > 0
}

func recomputeWaiting(st *state.State, key Key) {
	missing := make(map[Key]struct{})
	for dep := range st.Dependencies[key] {
		if len(st.WhoHas[dep]) == 0 {
			missing[dep] = struct{}{}
		}
	}
	st.Waiting[key] = missing
	delete(st.Released, key)
	delete(st.FreedAt, key)
	st.InPlay[key] = struct{}{}
}

func release(st *state.State, key Key) {
	st.Released[key] = struct{}{}
	if _, stamped := st.FreedAt[key]; !stamped {
		st.FreedAt[key] = time.Now()
	}
	delete(st.Waiting, key)
	delete(st.InPlay, key)
}
