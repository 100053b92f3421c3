// Package state holds the scheduler's single source of truth: the set of
// cross-consistent indexes describing every task, its dependencies, its
// data locations, and every client's interest in it. Nothing in this
// package runs a goroutine or touches the network; it is pure data plus
// the invariant checks the rest of the scheduler relies on.
package state

import (
	"fmt"
	"time"

	"github.com/cuemby/loom/pkg/graph"
)

type (
	Key        = graph.Key
	WorkerAddr = string
	ClientID   = string
)

// TaskSpec is the scheduler's opaque view of a task: everything it needs
// to place and track the task, without ever looking inside Function,
// Args, or Kwargs.
type TaskSpec struct {
	Key Key
	// Function, Args, and Kwargs are opaque blobs the scheduler never
	// deserializes; workers apply them.
	Function []byte
	Args     []byte
	Kwargs   []byte
	// KeyRefs lists task keys referenced from within Args/Kwargs, so the
	// scheduler can build the dependency graph without inspecting the
	// opaque blobs themselves.
	KeyRefs []Key
	// IsApply marks a task submitted in (apply, f, args, kwargs) form.
	IsApply bool
	// AliasOf, when non-empty, makes this key a thin reference to
	// another key rather than an independently computed task.
	AliasOf Key
}

// State is the full set of scheduler indexes described by the data model.
// It is owned exclusively by the scheduler's controller goroutine; nothing
// here is safe for concurrent use without that external discipline.
type State struct {
	Tasks        map[Key]*TaskSpec
	Dependencies map[Key]map[Key]struct{}
	Dependents   map[Key]map[Key]struct{}

	Waiting     map[Key]map[Key]struct{}
	WaitingData map[Key]map[Key]struct{}

	WhoHas  map[Key]map[WorkerAddr]struct{}
	HasWhat map[WorkerAddr]map[Key]struct{}

	Stacks     map[WorkerAddr][]Key
	Processing map[WorkerAddr]map[Key]struct{}
	NCores     map[WorkerAddr]int

	InPlay          map[Key]struct{}
	Released        map[Key]struct{}
	FreedAt         map[Key]time.Time
	FinishedResults map[Key]struct{}

	Restrictions      map[Key]map[string]struct{}
	LooseRestrictions map[Key]struct{}

	WhoWants  map[Key]map[ClientID]struct{}
	WantsWhat map[ClientID]map[Key]struct{}

	Nbytes   map[Key]int64
	KeyOrder map[Key]int

	Exceptions      map[Key][]byte
	Tracebacks      map[Key][]byte
	ExceptionsBlame map[Key]Key

	nextOrder int
}

// New returns an empty, fully initialized State.
func New() *State {
	return &State{
		Tasks:        make(map[Key]*TaskSpec),
		Dependencies: make(map[Key]map[Key]struct{}),
		Dependents:   make(map[Key]map[Key]struct{}),

		Waiting:     make(map[Key]map[Key]struct{}),
		WaitingData: make(map[Key]map[Key]struct{}),

		WhoHas:  make(map[Key]map[WorkerAddr]struct{}),
		HasWhat: make(map[WorkerAddr]map[Key]struct{}),

		Stacks:     make(map[WorkerAddr][]Key),
		Processing: make(map[WorkerAddr]map[Key]struct{}),
		NCores:     make(map[WorkerAddr]int),

		InPlay:          make(map[Key]struct{}),
		Released:        make(map[Key]struct{}),
		FreedAt:         make(map[Key]time.Time),
		FinishedResults: make(map[Key]struct{}),

		Restrictions:      make(map[Key]map[string]struct{}),
		LooseRestrictions: make(map[Key]struct{}),

		WhoWants:  make(map[Key]map[ClientID]struct{}),
		WantsWhat: make(map[ClientID]map[Key]struct{}),

		Nbytes:   make(map[Key]int64),
		KeyOrder: make(map[Key]int),

		Exceptions:      make(map[Key][]byte),
		Tracebacks:      make(map[Key][]byte),
		ExceptionsBlame: make(map[Key]Key),
	}
}

// NextOrder returns a monotonically increasing submission order, stored as
// a task's KeyOrder and used as the priority that orders a batch in
// decide.AssignMany.
func (s *State) NextOrder() int {
	s.nextOrder++
	return s.nextOrder
}

// AddWorker registers a worker with the given core count. Idempotent.
func (s *State) AddWorker(addr WorkerAddr, ncores int) {
	if _, ok := s.HasWhat[addr]; !ok {
		s.HasWhat[addr] = make(map[Key]struct{})
	}
	if _, ok := s.Processing[addr]; !ok {
		s.Processing[addr] = make(map[Key]struct{})
	}
	s.NCores[addr] = ncores
}

// Workers returns the set of currently registered worker addresses.
func (s *State) Workers() []WorkerAddr {
	out := make([]WorkerAddr, 0, len(s.NCores))
	for w := range s.NCores {
		out = append(out, w)
	}
	return out
}

// RestoreReleased brings key and every released key in its transitive
// dependency chain back into play, so a lost or re-requested result can be
// recomputed. A key that is not released is left as it is, but its
// dependencies are still walked and restored.
func (s *State) RestoreReleased(key Key) {
	if _, released := s.Released[key]; released {
		delete(s.Released, key)
		delete(s.FreedAt, key)
		s.InPlay[key] = struct{}{}
	}
	for dep := range s.Dependencies[key] {
		s.RestoreReleased(dep)
	}
}

// Validate checks a representative subset of the invariants the scheduler
// relies on, returning the first violation found. It is intended for use
// in tests and in the optional strict-validation mode, not on every
// controller-loop iteration.
func (s *State) Validate() error {
	// Dependencies/Dependents must be mirror images of each other.
	for k, deps := range s.Dependencies {
		for d := range deps {
			if _, ok := s.Dependents[d][k]; !ok {
				return fmt.Errorf("dependents[%s] missing back-reference to %s", d, k)
			}
		}
	}
	for k, dependents := range s.Dependents {
		for d := range dependents {
			if _, ok := s.Dependencies[d][k]; !ok {
				return fmt.Errorf("dependencies[%s] missing back-reference to %s", d, k)
			}
		}
	}

	// who_has/has_what must be mirror images of each other.
	for k, workers := range s.WhoHas {
		for w := range workers {
			if _, ok := s.HasWhat[w][k]; !ok {
				return fmt.Errorf("has_what[%s] missing key %s present in who_has", w, k)
			}
		}
	}
	for w, keys := range s.HasWhat {
		for k := range keys {
			if _, ok := s.WhoHas[k][w]; !ok {
				return fmt.Errorf("who_has[%s] missing worker %s present in has_what", k, w)
			}
		}
	}

	// who_wants/wants_what must be mirror images of each other.
	for k, clients := range s.WhoWants {
		for c := range clients {
			if _, ok := s.WantsWhat[c][k]; !ok {
				return fmt.Errorf("wants_what[%s] missing key %s present in who_wants", c, k)
			}
		}
	}
	for c, keys := range s.WantsWhat {
		for k := range keys {
			if _, ok := s.WhoWants[k][c]; !ok {
				return fmt.Errorf("who_wants[%s] missing client %s present in wants_what", k, c)
			}
		}
	}

	// A key is in at most one of: released, waiting, processing (on any
	// worker's queue). who_has may additionally hold finished keys.
	for k := range s.Tasks {
		count := 0
		if _, ok := s.Released[k]; ok {
			count++
		}
		if _, ok := s.Waiting[k]; ok {
			count++
		}
		for _, procs := range s.Processing {
			if _, ok := procs[k]; ok {
				count++
				break
			}
		}
		if count > 1 {
			return fmt.Errorf("key %s occupies more than one of released/waiting/processing", k)
		}
	}

	// Every key with an exception-blame entry must itself have a recorded
	// exception along its blame chain.
	for k, blame := range s.ExceptionsBlame {
		if _, ok := s.Exceptions[blame]; !ok {
			return fmt.Errorf("exceptions_blame[%s]=%s has no recorded exception", k, blame)
		}
	}

	return nil
}
