// Package update implements the scheduler's graph-admission engine: taking
// a client's update-graph submission and merging it into scheduler state,
// including alias resolution, restoring released dependencies, and
// computing which of the newly admitted tasks are immediately ready.
package update

import (
	"errors"
	"fmt"

	"github.com/cuemby/loom/pkg/graph"
	"github.com/cuemby/loom/pkg/state"
	"github.com/cuemby/loom/pkg/wire"
)

type Key = state.Key

// ErrCycle is returned when a submission would introduce a dependency
// cycle; no part of the submission is admitted.
var ErrCycle = errors.New("update: submitted graph contains a cycle")

// Request is one client's update-graph submission.
type Request struct {
	Client state.ClientID
	// Tasks holds every task newly introduced by this submission, keyed
	// by its key. A key already known to the scheduler is treated as an
	// idempotent re-submission: its spec is not replaced, only the
	// client's interest in it (via Keys) is recorded.
	Tasks map[Key]*state.TaskSpec
	// Dependencies supplements TaskSpec.KeyRefs with any dependency edges
	// the client names explicitly that are not embedded in args/kwargs.
	Dependencies map[Key][]Key
	// Keys lists the tasks the client wants results for.
	Keys []Key
	// Restrictions pins a task to one of a set of worker hosts.
	Restrictions map[Key][]string
	// LooseRestrictions marks which of Restrictions may be relaxed if no
	// restricted worker is available.
	LooseRestrictions []Key
}

// Apply admits req into st and returns the keys that are immediately
// ready to be handed to decide.AssignMany (their dependencies, if any,
// are already finished).
func Apply(st *state.State, req Request) (ready []Key, err error) {
	if cyc := detectCycle(st, req); cyc {
		return nil, ErrCycle
	}

	touched := make(map[Key]struct{})

	for key, spec := range req.Tasks {
		if _, known := st.Tasks[key]; known {
			continue
		}
		if spec.IsApply {
			function, args, kwargs, err := wire.SplitApply(spec.Function)
			if err != nil {
				return nil, fmt.Errorf("update: splitting apply task %s: %w", key, err)
			}
			spec.Function, spec.Args, spec.Kwargs = function, args, kwargs
			spec.IsApply = false
		}
		st.Tasks[key] = spec
		st.KeyOrder[key] = st.NextOrder()
		st.InPlay[key] = struct{}{}
		touched[key] = struct{}{}

		deps := allDeps(spec, req.Dependencies[key])
		if len(deps) > 0 {
			st.Dependencies[key] = make(map[Key]struct{}, len(deps))
		}
		for _, dep := range deps {
			st.Dependencies[key][dep] = struct{}{}
			if st.Dependents[dep] == nil {
				st.Dependents[dep] = make(map[Key]struct{})
			}
			st.Dependents[dep][key] = struct{}{}
			st.RestoreReleased(dep)
			touched[dep] = struct{}{}
		}
	}

	for key, hosts := range req.Restrictions {
		set := make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			set[h] = struct{}{}
		}
		st.Restrictions[key] = set
	}
	for _, key := range req.LooseRestrictions {
		st.LooseRestrictions[key] = struct{}{}
	}

	for _, key := range req.Keys {
		if st.WhoWants[key] == nil {
			st.WhoWants[key] = make(map[state.ClientID]struct{})
		}
		st.WhoWants[key][req.Client] = struct{}{}
		if st.WantsWhat[req.Client] == nil {
			st.WantsWhat[req.Client] = make(map[Key]struct{})
		}
		st.WantsWhat[req.Client][key] = struct{}{}
	}

	for key := range touched {
		if _, finished := st.FinishedResults[key]; finished {
			continue
		}
		if inFlight(st, key) {
			continue
		}
		missing := make(map[Key]struct{})
		for dep := range st.Dependencies[key] {
			if len(st.WhoHas[dep]) == 0 {
				missing[dep] = struct{}{}
			}
			if st.WaitingData[dep] == nil {
				st.WaitingData[dep] = make(map[Key]struct{})
			}
			st.WaitingData[dep][key] = struct{}{}
		}
		st.Waiting[key] = missing
		if st.WaitingData[key] == nil {
			st.WaitingData[key] = make(map[Key]struct{})
		}
		if len(missing) == 0 {
			ready = append(ready, key)
		}
	}

	return ready, nil
}

// allDeps merges a task's embedded key-references with any explicitly
// named dependency edges, plus its alias target if it has one.
func allDeps(spec *state.TaskSpec, explicit []Key) []Key {
	seen := make(map[Key]struct{})
	var out []Key
	add := func(k Key) {
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range spec.KeyRefs {
		add(k)
	}
	for _, k := range explicit {
		add(k)
	}
	add(spec.AliasOf)
	return out
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

func detectCycle(st *state.State, req Request) bool {
	adjacency := func(k Key) []Key {
		if spec, ok := req.Tasks[k]; ok {
			return allDeps(spec, req.Dependencies[k])
		}
		deps := st.Dependencies[k]
		out := make([]Key, 0, len(deps))
		for d := range deps {
			out = append(out, d)
		}
		return out
	}

	roots := make([]Key, 0, len(req.Tasks))
	for k := range req.Tasks {
		roots = append(roots, k)
	}
	return graph.HasCycle(roots, adjacency)
}
