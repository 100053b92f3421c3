package decide

import (
	"testing"

	"github.com/cuemby/loom/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStateWithWorkers(workers ...string) *state.State {
	st := state.New()
	for _, w := range workers {
		st.AddWorker(w, 4)
	}
	return st
}

func TestWorkerNoWorkersRegistered(t *testing.T) {
	st := state.New()
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}

	_, err := Worker(st, "a")
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestWorkerNoDependenciesPicksShortestStack(t *testing.T) {
	st := newStateWithWorkers("w1:1", "w2:1")
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Stacks["w1:1"] = []string{"x", "y"}

	chosen, err := Worker(st, "a")
	require.NoError(t, err)
	assert.Equal(t, "w2:1", chosen)
}

func TestWorkerRestrictionNarrowsCandidates(t *testing.T) {
	st := newStateWithWorkers("w1:1", "w2:1")
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Restrictions["a"] = map[string]struct{}{"w2:1": {}}

	chosen, err := Worker(st, "a")
	require.NoError(t, err)
	assert.Equal(t, "w2:1", chosen)
}

func TestWorkerStrictRestrictionUnsatisfiableFails(t *testing.T) {
	st := newStateWithWorkers("w1:1")
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Restrictions["a"] = map[string]struct{}{"ghost:1": {}}

	_, err := Worker(st, "a")
	assert.ErrorIs(t, err, ErrNoPlacement)
}

func TestWorkerLooseRestrictionFallsBackWhenUnsatisfiable(t *testing.T) {
	st := newStateWithWorkers("w1:1")
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Restrictions["a"] = map[string]struct{}{"ghost:1": {}}
	st.LooseRestrictions["a"] = struct{}{}

	chosen, err := Worker(st, "a")
	require.NoError(t, err)
	assert.Equal(t, "w1:1", chosen)
}

func TestWorkerLocalityPrefersWorkerHoldingDependencyData(t *testing.T) {
	st := newStateWithWorkers("w1:1", "w2:1")
	st.Tasks["b"] = &state.TaskSpec{Key: "b"}
	st.Dependencies["b"] = map[string]struct{}{"a": {}}
	st.Nbytes["a"] = 1 << 20
	st.WhoHas["a"] = map[string]struct{}{"w2:1": {}}

	chosen, err := Worker(st, "b")
	require.NoError(t, err)
	assert.Equal(t, "w2:1", chosen)
}

func TestAssignManyThreadsLoadAcrossBatch(t *testing.T) {
	st := newStateWithWorkers("w1:1", "w2:1")
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Tasks["b"] = &state.TaskSpec{Key: "b"}
	st.KeyOrder["a"] = 1
	st.KeyOrder["b"] = 2

	assigned, failed := AssignMany(st, []string{"a", "b"})
	assert.Empty(t, failed)
	assert.Len(t, assigned, 2)
	assert.NotEqual(t, assigned["a"], assigned["b"])
}

func TestAssignManyReportsUnsatisfiableRestriction(t *testing.T) {
	st := newStateWithWorkers("w1:1")
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Restrictions["a"] = map[string]struct{}{"ghost:1": {}}

	assigned, failed := AssignMany(st, []string{"a"})
	assert.Empty(t, assigned)
	assert.ErrorIs(t, failed["a"], ErrNoPlacement)
}
