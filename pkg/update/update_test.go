package update

import (
	"testing"

	"github.com/cuemby/loom/pkg/state"
	"github.com/cuemby/loom/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAdmitsIndependentReadyTask(t *testing.T) {
	st := state.New()
	ready, err := Apply(st, Request{
		Client: "c1",
		Tasks:  map[string]*state.TaskSpec{"a": {Key: "a"}},
		Keys:   []string{"a"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ready)
	assert.Contains(t, st.WhoWants["a"], "c1")
	require.NoError(t, st.Validate())
}

func TestApplyWaitsOnUnfinishedDependency(t *testing.T) {
	st := state.New()
	ready, err := Apply(st, Request{
		Client: "c1",
		Tasks: map[string]*state.TaskSpec{
			"a": {Key: "a"},
			"b": {Key: "b", KeyRefs: []string{"a"}},
		},
		Keys: []string{"b"},
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, ready)
	assert.Contains(t, st.Waiting["b"], "a")
	assert.Contains(t, st.WaitingData["a"], "b", "a's waiting_data must list b as a pending consumer")
}

func TestApplyRejectsCycle(t *testing.T) {
	st := state.New()
	_, err := Apply(st, Request{
		Tasks: map[string]*state.TaskSpec{
			"a": {Key: "a", KeyRefs: []string{"b"}},
			"b": {Key: "b", KeyRefs: []string{"a"}},
		},
	})
	assert.ErrorIs(t, err, ErrCycle)
	assert.Empty(t, st.Tasks)
}

func TestApplyIsIdempotentForRepeatedClientInterest(t *testing.T) {
	st := state.New()
	req := Request{
		Client: "c1",
		Tasks:  map[string]*state.TaskSpec{"a": {Key: "a"}},
		Keys:   []string{"a"},
	}
	_, err := Apply(st, req)
	require.NoError(t, err)

	ready, err := Apply(st, req)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Len(t, st.WhoWants["a"], 1)
}

func TestApplyRestoresReleasedDependencyChain(t *testing.T) {
	st := state.New()
	st.Tasks["a"] = &state.TaskSpec{Key: "a"}
	st.Released["a"] = struct{}{}

	ready, err := Apply(st, Request{
		Client: "c1",
		Tasks:  map[string]*state.TaskSpec{"b": {Key: "b", KeyRefs: []string{"a"}}},
		Keys:   []string{"b"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ready)
	_, stillReleased := st.Released["a"]
	assert.False(t, stillReleased)
	_, inPlay := st.InPlay["a"]
	assert.True(t, inPlay)
}

func TestApplySplitsApplyTaggedFunctionBlob(t *testing.T) {
	st := state.New()
	packed, err := wire.Encode(map[string]interface{}{
		"function": []byte("fn-bytes"),
		"args":     []byte("args-bytes"),
		"kwargs":   []byte("kwargs-bytes"),
	})
	require.NoError(t, err)

	ready, err := Apply(st, Request{
		Client: "c1",
		Tasks: map[string]*state.TaskSpec{
			"a": {Key: "a", Function: packed, IsApply: true},
		},
		Keys: []string{"a"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ready)
	task := st.Tasks["a"]
	require.NotNil(t, task)
	assert.False(t, task.IsApply)
	assert.Equal(t, []byte("fn-bytes"), task.Function)
	assert.Equal(t, []byte("args-bytes"), task.Args)
	assert.Equal(t, []byte("kwargs-bytes"), task.Kwargs)
}

func TestApplyAliasDependsOnTarget(t *testing.T) {
	st := state.New()
	ready, err := Apply(st, Request{
		Client: "c1",
		Tasks: map[string]*state.TaskSpec{
			"a":     {Key: "a"},
			"alias": {Key: "alias", AliasOf: "a"},
		},
		Keys: []string{"alias"},
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, ready)
	assert.Contains(t, st.Dependencies["alias"], "a")
}
