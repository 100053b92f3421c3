package scheduler

import "github.com/cuemby/loom/pkg/state"

// blameDependents marks every transitive dependent of a failed key as
// blamed on it and cancels their scheduling, returning the blamed keys.
func blameDependents(st *state.State, root Key) []Key {
	var blamed []Key
	var walk func(Key)
	seen := map[Key]struct{}{root: {}}
	walk = func(k Key) {
		for dependent := range st.Dependents[k] {
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}
			st.ExceptionsBlame[dependent] = root
			delete(st.Waiting, dependent)
			blamed = append(blamed, dependent)
			walk(dependent)
		}
	}
	walk(root)
	return blamed
}

// clearBlame clears key's own failure and the blame it cast on every
// dependent, as happens when a client resubmits the failed task. It is a
// no-op, reporting false, if key has no recorded exception of its own
// (including a key that is only blamed on a failed ancestor).
func (s *Scheduler) clearBlame(key Key) bool {
	if _, blamed := s.st.Exceptions[key]; !blamed {
		return false
	}
	delete(s.st.Exceptions, key)
	delete(s.st.Tracebacks, key)
	delete(s.st.ExceptionsBlame, key)

	for k, blame := range s.st.ExceptionsBlame {
		if blame == key {
			delete(s.st.ExceptionsBlame, k)
		}
	}
	return true
}

// requeueCleared recomputes readiness for keys whose blame was just
// cleared. update.Apply treats an already-known key as an idempotent
// resubmission and will not touch it, so the scheduler must recompute
// its waiting set itself to get it scheduled again.
func (s *Scheduler) requeueCleared(keys []Key) []Key {
	var ready []Key
	for _, key := range keys {
		if _, finished := s.st.FinishedResults[key]; finished {
			continue
		}
		if inFlight(s.st, key) {
			continue
		}
		missing := make(map[Key]struct{})
		for dep := range s.st.Dependencies[key] {
			if len(s.st.WhoHas[dep]) == 0 {
				missing[dep] = struct{}{}
			}
		}
		s.st.Waiting[key] = missing
		s.st.InPlay[key] = struct{}{}
		if len(missing) == 0 {
			ready = append(ready, key)
		}
	}
	return ready
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
