package graph

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalKey(t *testing.T) {
	assert.Equal(t, "add-0-1", CanonicalKey("add", "0", "1"))
}

func TestHasCycleDetectsSelfLoop(t *testing.T) {
	deps := map[Key][]Key{"a": {"a"}}
	assert.True(t, HasCycle([]Key{"a"}, func(k Key) []Key { return deps[k] }))
}

func TestHasCycleDetectsIndirectCycle(t *testing.T) {
	deps := map[Key][]Key{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}
	assert.True(t, HasCycle([]Key{"a"}, func(k Key) []Key { return deps[k] }))
}

func TestHasCycleAcceptsDiamond(t *testing.T) {
	deps := map[Key][]Key{
		"d": {"b", "c"},
		"b": {"a"},
		"c": {"a"},
		"a": {},
	}
	assert.False(t, HasCycle([]Key{"d"}, func(k Key) []Key { return deps[k] }))
}

func TestTransitiveClosure(t *testing.T) {
	deps := map[Key][]Key{
		"d": {"b", "c"},
		"b": {"a"},
		"c": {"a"},
		"a": {},
	}
	closure := TransitiveClosure([]Key{"d"}, func(k Key) []Key { return deps[k] })

	var keys []Key
	for k := range closure {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []Key{"a", "b", "c", "d"}, keys)
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	deps := map[Key][]Key{
		"d": {"b", "c"},
		"b": {"a"},
		"c": {"a"},
		"a": {},
	}
	order := TopoOrder([]Key{"d"}, func(k Key) []Key { return deps[k] })

	pos := make(map[Key]int)
	for i, k := range order {
		pos[k] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}
