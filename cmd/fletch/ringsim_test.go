package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulateRing_MovesAboutOneShardsWorth(t *testing.T) {
	res, err := simulateRing(5, 100, 20000)
	require.NoError(t, err)

	assert.Len(t, res.Before, 5)
	assert.Len(t, res.After, 6)
	total := 0
	for _, n := range res.After {
		total += n
	}
	assert.Equal(t, 20000, total)
	assert.Equal(t, res.After[5], res.Moved, "only keys landing on the new shard move")
	assert.InDelta(t, 100.0/6.0, res.MovedPct(), 8)
}

func TestSimulateRing_ModuloMovesMost(t *testing.T) {
	res, err := simulateRing(5, 0, 20000)
	require.NoError(t, err)
	assert.Greater(t, res.MovedPct(), 60.0)
}

func TestSimulateRing_Invalid(t *testing.T) {
	_, err := simulateRing(0, 10, 100)
	assert.Error(t, err)
	_, err = simulateRing(3, 10, 0)
	assert.Error(t, err)
}

func TestRootCmd_RingSim(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"ring-sim", "--shards", "3", "--keys", "2000"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "shard-3:")
	assert.Contains(t, out.String(), "Ideal move %: 25.00%")
}

func TestRootCmd_Bench(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"bench", "--shards", "2", "--dims", "4", "--vectors", "300",
		"--queries", "5", "--k", "3", "--index", "flat", "--nprobe", "0"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "recall@3")
}
