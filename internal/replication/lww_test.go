package replication

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/23skdu/fletch/internal/core"
)

func TestResolveLWW(t *testing.T) {
	a := []core.Hit{
		{Key: 1, Distance: 0.5, Version: core.Version{Seq: 3, Writer: "a"}},
		{Key: 2, Distance: 0.1, Version: core.Version{Seq: 1, Writer: "a"}},
	}
	b := []core.Hit{
		{Key: 1, Distance: 0.9, Version: core.Version{Seq: 4, Writer: "a"}},
		{Key: 2, Distance: 0.1, Version: core.Version{Seq: 1, Writer: "b"}},
		{Key: 3, Distance: 0.3, Version: core.Version{Seq: 2}},
	}
	c := []core.Hit{
		{Key: 3, Distance: 0.2, Version: core.Version{Seq: 2}},
	}

	got := ResolveLWW(a, b, c)
	sort.Slice(got, func(i, j int) bool { return got[i].Key < got[j].Key })

	assert.Equal(t, []core.Hit{
		{Key: 1, Distance: 0.9, Version: core.Version{Seq: 4, Writer: "a"}},
		{Key: 2, Distance: 0.1, Version: core.Version{Seq: 1, Writer: "b"}},
		{Key: 3, Distance: 0.2, Version: core.Version{Seq: 2}},
	}, got)
}

func TestResolveLWW_OrderIndependent(t *testing.T) {
	a := []core.Hit{{Key: 7, Distance: 1, Version: core.Version{Seq: 5, Writer: "x"}}}
	b := []core.Hit{{Key: 7, Distance: 2, Version: core.Version{Seq: 5, Writer: "y"}}}
	assert.Equal(t, ResolveLWW(a, b), ResolveLWW(b, a))
	assert.Empty(t, ResolveLWW())
}

func TestResolveRecord(t *testing.T) {
	_, ok := ResolveRecord()
	assert.False(t, ok)

	got, ok := ResolveRecord(
		core.Record{Key: 1, Vector: []float32{1}, Version: core.Version{Seq: 2}},
		core.Record{Key: 1, Vector: []float32{2}, Version: core.Version{Seq: 3}},
		core.Record{Key: 1, Vector: []float32{3}, Version: core.Version{Seq: 1}},
	)
	assert.True(t, ok)
	assert.Equal(t, []float32{2}, got.Vector)
}
