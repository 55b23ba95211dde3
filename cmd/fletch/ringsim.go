package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/23skdu/fletch/internal/sharding"
)

// ringSim is the outcome of growing a hash strategy by one shard.
type ringSim struct {
	Keys   int
	Before map[int]int
	After  map[int]int
	Moved  int
}

func (r ringSim) MovedPct() float64 {
	return float64(r.Moved) / float64(r.Keys) * 100
}

func ringSimCmd() *cobra.Command {
	var (
		shards int
		vnodes int
		keys   int
	)
	cmd := &cobra.Command{
		Use:   "ring-sim",
		Short: "Show key distribution and movement when a hash cluster gains a shard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ring, err := simulateRing(shards, vnodes, keys)
			if err != nil {
				return err
			}
			modulo, err := simulateRing(shards, 0, keys)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printDistribution(out, "Initial distribution", ring.Before, keys)
			fmt.Fprintf(out, "\nAdding shard %d...\n", shards)
			printDistribution(out, "New distribution", ring.After, keys)
			fmt.Fprintf(out, "\nKeys moved with %d virtual nodes: %d (%.2f%%)\n", vnodes, ring.Moved, ring.MovedPct())
			fmt.Fprintf(out, "Keys moved with hash mod n:       %d (%.2f%%)\n", modulo.Moved, modulo.MovedPct())
			fmt.Fprintf(out, "Ideal move %%: %.2f%%\n", 100.0/float64(shards+1))
			return nil
		},
	}
	cmd.Flags().IntVar(&shards, "shards", 5, "initial shard count")
	cmd.Flags().IntVar(&vnodes, "vnodes", sharding.DefaultVirtualNodes, "virtual nodes per shard")
	cmd.Flags().IntVar(&keys, "keys", 100000, "keys to place")
	return cmd
}

// simulateRing places keys 0..keys-1 on a hash strategy, adds one shard and
// counts the keys whose primary changed. vnodes == 0 uses hash mod n.
func simulateRing(shards, vnodes, keys int) (ringSim, error) {
	s, err := sharding.NewHash(shards, vnodes)
	if err != nil {
		return ringSim{}, err
	}
	if keys <= 0 {
		return ringSim{}, fmt.Errorf("keys must be positive")
	}

	res := ringSim{Keys: keys, Before: make(map[int]int), After: make(map[int]int)}
	initial := make([]int, keys)
	for k := 0; k < keys; k++ {
		id, err := s.PrimaryForKey(uint64(k))
		if err != nil {
			return ringSim{}, err
		}
		initial[k] = id
		res.Before[id]++
	}

	if _, err := s.AddShard(); err != nil {
		return ringSim{}, err
	}
	for k := 0; k < keys; k++ {
		id, err := s.PrimaryForKey(uint64(k))
		if err != nil {
			return ringSim{}, err
		}
		res.After[id]++
		if id != initial[k] {
			res.Moved++
		}
	}
	return res, nil
}

func printDistribution(w io.Writer, title string, dist map[int]int, keys int) {
	fmt.Fprintf(w, "%s:\n", title)
	ids := make([]int, 0, len(dist))
	for id := range dist {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "shard-%d: %d (%.2f%%)\n", id, dist[id], float64(dist[id])/float64(keys)*100)
	}
}
