package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/23skdu/fletch/internal/coordinator"
	"github.com/23skdu/fletch/internal/core"
	"github.com/23skdu/fletch/internal/index"
	"github.com/23skdu/fletch/internal/sharding"
)

type benchOptions struct {
	Shards    int
	Dims      int
	Vectors   int
	Queries   int
	K         int
	BatchSize int
	Strategy  string
	Index     string
	NProbes   []int
	Seed      int64
}

func defaultBenchOptions() benchOptions {
	return benchOptions{
		Shards:    8,
		Dims:      32,
		Vectors:   20000,
		Queries:   200,
		K:         10,
		BatchSize: 1000,
		Strategy:  string(sharding.KindCluster),
		Index:     string(index.KindHNSW),
		NProbes:   []int{1, 2, 4, 0},
		Seed:      42,
	}
}

type benchRow struct {
	NProbe  int
	Recall  float64
	Latency time.Duration
}

type benchResult struct {
	Inserted      int
	InsertElapsed time.Duration
	Rows          []benchRow
}

func benchCmd() *cobra.Command {
	opts := defaultBenchOptions()
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure insert throughput and recall@k against nProbe on an in-process cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runBench(cmd.Context(), opts, zerolog.Nop())
			if err != nil {
				return err
			}
			return printBench(cmd.OutOrStdout(), opts, res)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Shards, "shards", opts.Shards, "number of shards")
	f.IntVar(&opts.Dims, "dims", opts.Dims, "vector dimension")
	f.IntVar(&opts.Vectors, "vectors", opts.Vectors, "vectors to insert")
	f.IntVar(&opts.Queries, "queries", opts.Queries, "queries per nProbe setting")
	f.IntVar(&opts.K, "k", opts.K, "neighbours per query")
	f.IntVar(&opts.BatchSize, "batch", opts.BatchSize, "AddBatch size")
	f.StringVar(&opts.Strategy, "strategy", opts.Strategy, "hash, range or cluster")
	f.StringVar(&opts.Index, "index", opts.Index, "flat or hnsw")
	f.IntSliceVar(&opts.NProbes, "nprobe", opts.NProbes, "nProbe values to measure, 0 probes every shard")
	f.Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	return cmd
}

// blobs draws n vectors around `centers` gaussian centres so cluster
// placement has structure to find.
func blobs(rng *rand.Rand, n, dims, centers int) [][]float32 {
	means := make([][]float32, centers)
	for i := range means {
		m := make([]float32, dims)
		for j := range m {
			m[j] = rng.Float32() * 10
		}
		means[i] = m
	}
	out := make([][]float32, n)
	for i := range out {
		m := means[rng.Intn(centers)]
		v := make([]float32, dims)
		for j := range v {
			v[j] = m[j] + float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func runBench(ctx context.Context, opts benchOptions, logger zerolog.Logger) (benchResult, error) {
	if opts.Vectors <= 0 || opts.Queries <= 0 || opts.K <= 0 || opts.BatchSize <= 0 {
		return benchResult{}, fmt.Errorf("vectors, queries, k and batch must be positive")
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	data := blobs(rng, opts.Vectors+opts.Queries, opts.Dims, opts.Shards*2)
	vectors, queries := data[:opts.Vectors], data[opts.Vectors:]

	cfg := coordinator.DefaultConfig()
	cfg.ShardCount = opts.Shards
	cfg.Dims = opts.Dims
	cfg.Index = index.Kind(opts.Index)
	cfg.HeartbeatInterval = 0
	cfg.WriterID = "bench"
	kind, err := sharding.ParseKind(opts.Strategy)
	if err != nil {
		return benchResult{}, err
	}
	cfg.Strategy = kind
	cfg.KeyMax = uint64(opts.Vectors)
	if kind == sharding.KindCluster {
		sample := vectors
		if len(sample) > opts.Shards*200 {
			sample = sample[:opts.Shards*200]
		}
		cfg.Centroids, err = sharding.TrainKMeans(sample, opts.Shards, cfg.Metric, 25, opts.Seed)
		if err != nil {
			return benchResult{}, err
		}
	}

	c, err := coordinator.New(cfg, logger)
	if err != nil {
		return benchResult{}, err
	}
	defer c.Close()

	truth := index.NewFlat(opts.Dims, cfg.Metric)
	start := time.Now()
	for lo := 0; lo < len(vectors); lo += opts.BatchSize {
		hi := min(lo+opts.BatchSize, len(vectors))
		keys := make([]uint64, hi-lo)
		for i := range keys {
			keys[i] = uint64(lo + i)
		}
		if err := c.AddBatch(ctx, keys, vectors[lo:hi]); err != nil {
			return benchResult{}, err
		}
	}
	res := benchResult{Inserted: len(vectors), InsertElapsed: time.Since(start)}

	for i, v := range vectors {
		if err := truth.Add(uint64(i), v); err != nil {
			return benchResult{}, err
		}
	}
	exact := make([]map[uint64]bool, len(queries))
	for i, q := range queries {
		exact[i] = make(map[uint64]bool, opts.K)
		for _, n := range truth.Search(q, opts.K) {
			exact[i][n.Key] = true
		}
	}

	for _, nProbe := range opts.NProbes {
		var found, total int
		start := time.Now()
		for i, q := range queries {
			hits, err := c.Search(ctx, q, opts.K, nProbe)
			if err != nil {
				return benchResult{}, err
			}
			found += overlap(hits, exact[i])
			total += len(exact[i])
		}
		row := benchRow{NProbe: nProbe, Latency: time.Since(start) / time.Duration(len(queries))}
		if total > 0 {
			row.Recall = float64(found) / float64(total)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func overlap(hits []core.Hit, want map[uint64]bool) int {
	n := 0
	for _, h := range hits {
		if want[h.Key] {
			n++
		}
	}
	return n
}

func printBench(w io.Writer, opts benchOptions, res benchResult) error {
	rate := float64(res.Inserted) / res.InsertElapsed.Seconds()
	fmt.Fprintf(w, "strategy=%s index=%s shards=%d dims=%d\n", opts.Strategy, opts.Index, opts.Shards, opts.Dims)
	fmt.Fprintf(w, "inserted %d vectors in %s (%.0f vec/s)\n\n", res.Inserted, res.InsertElapsed.Round(time.Millisecond), rate)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "nprobe\trecall@%d\tavg latency\n", opts.K)
	for _, r := range res.Rows {
		probe := fmt.Sprint(r.NProbe)
		if r.NProbe <= 0 || r.NProbe >= opts.Shards {
			probe = "all"
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%s\n", probe, r.Recall, r.Latency)
	}
	return tw.Flush()
}
