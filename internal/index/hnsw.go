package index

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sort"

	"github.com/23skdu/fletch/internal/core"
	"github.com/coder/hnsw"
)

// HNSWConfig tunes the graph.
type HNSWConfig struct {
	M        int
	EfSearch int
}

// DefaultHNSWConfig returns the graph defaults used for shards.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfSearch: 64}
}

// HNSW adapts a coder/hnsw graph to Index.
//
// Graph nodes are keyed by internal ids, never by user keys. Replacing or
// removing a key only tombstones its node; the graph is rebuilt once dead
// nodes exceed a quarter of the live ones. The graph does not report
// distances, so they are recomputed with its distance function.
type HNSW struct {
	dims   int
	metric core.DistanceMetric
	cfg    HNSWConfig
	graph  *hnsw.Graph[uint64]

	ids  map[uint64]uint64 // user key -> graph id
	keys map[uint64]uint64 // graph id -> user key, live nodes only
	dead int
	next uint64
}

// NewHNSW creates an empty graph-backed index.
func NewHNSW(dims int, metric core.DistanceMetric, cfg HNSWConfig) *HNSW {
	h := &HNSW{dims: dims, metric: metric, cfg: cfg}
	h.reset()
	return h
}

func (h *HNSW) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = DistanceFunc(h.metric)
	if h.cfg.M > 0 {
		g.M = h.cfg.M
	}
	if h.cfg.EfSearch > 0 {
		g.EfSearch = h.cfg.EfSearch
	}
	return g
}

func (h *HNSW) reset() {
	h.graph = h.newGraph()
	h.ids = make(map[uint64]uint64)
	h.keys = make(map[uint64]uint64)
	h.dead = 0
	h.next = 0
}

func (h *HNSW) Add(key uint64, vector []float32) error {
	if err := checkDims(h.dims, vector); err != nil {
		return err
	}
	if old, ok := h.ids[key]; ok {
		delete(h.keys, old)
		h.dead++
	}
	h.insert(key, core.CloneVector(vector))
	h.maybeCompact()
	return nil
}

func (h *HNSW) insert(key uint64, vec []float32) {
	id := h.next
	h.next++
	h.graph.Add(hnsw.MakeNode(id, vec))
	h.ids[key] = id
	h.keys[id] = key
}

func (h *HNSW) Search(query []float32, k int) []Neighbor {
	if k <= 0 || len(h.ids) == 0 || len(query) != h.dims {
		return nil
	}
	nodes := h.graph.Search(query, k+h.dead)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		key, live := h.keys[n.Key]
		if !live {
			continue
		}
		out = append(out, Neighbor{Key: key, Distance: h.graph.Distance(query, n.Value)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (h *HNSW) Remove(key uint64) bool {
	id, ok := h.ids[key]
	if !ok {
		return false
	}
	delete(h.ids, key)
	delete(h.keys, id)
	h.dead++
	h.maybeCompact()
	return true
}

func (h *HNSW) Lookup(key uint64) ([]float32, bool) {
	id, ok := h.ids[key]
	if !ok {
		return nil, false
	}
	v, ok := h.graph.Lookup(id)
	if !ok {
		return nil, false
	}
	return core.CloneVector(v), true
}

func (h *HNSW) Len() int  { return len(h.ids) }
func (h *HNSW) Dims() int { return h.dims }

func (h *HNSW) maybeCompact() {
	if h.dead > 0 && h.dead*4 > len(h.ids) {
		h.compact()
	}
}

// compact rebuilds the graph from live nodes in key order so that graph ids
// are contiguous again.
func (h *HNSW) compact() {
	live := make([]uint64, 0, len(h.ids))
	for key := range h.ids {
		live = append(live, key)
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	vecs := make([][]float32, len(live))
	for i, key := range live {
		vecs[i], _ = h.graph.Lookup(h.ids[key])
	}

	h.reset()
	for i, key := range live {
		h.insert(key, vecs[i])
	}
}

type hnswHeader struct {
	Dims  uint32
	Nodes uint32
	Meta  uint32
}

// Save writes a header, the gob-encoded id table and the exported graph.
func (h *HNSW) Save(w io.Writer) error {
	if h.dead > 0 {
		h.compact()
	}
	// With no tombstones graph ids are exactly 0..n-1.
	keys := make([]uint64, len(h.ids))
	for id, key := range h.keys {
		keys[id] = key
	}
	var meta bytes.Buffer
	if err := gob.NewEncoder(&meta).Encode(keys); err != nil {
		return fmt.Errorf("hnsw: encode ids: %w", err)
	}

	hdr := hnswHeader{Dims: uint32(h.dims), Nodes: uint32(len(keys)), Meta: uint32(meta.Len())}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("hnsw: write header: %w", err)
	}
	if _, err := w.Write(meta.Bytes()); err != nil {
		return fmt.Errorf("hnsw: write ids: %w", err)
	}
	if hdr.Nodes == 0 {
		return nil
	}
	return h.graph.Export(w)
}

func (h *HNSW) Load(r io.Reader) error {
	var hdr hnswHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("hnsw: read header: %w", err)
	}
	if int(hdr.Dims) != h.dims {
		return fmt.Errorf("hnsw: snapshot has %d dimensions, want %d", hdr.Dims, h.dims)
	}
	meta := make([]byte, hdr.Meta)
	if _, err := io.ReadFull(r, meta); err != nil {
		return fmt.Errorf("hnsw: read ids: %w", err)
	}
	var keys []uint64
	if err := gob.NewDecoder(bytes.NewReader(meta)).Decode(&keys); err != nil {
		return fmt.Errorf("hnsw: decode ids: %w", err)
	}
	if len(keys) != int(hdr.Nodes) {
		return fmt.Errorf("hnsw: corrupt snapshot: %d ids for %d nodes", len(keys), hdr.Nodes)
	}

	g := h.newGraph()
	if hdr.Nodes > 0 {
		if err := g.Import(r); err != nil {
			return fmt.Errorf("hnsw: import graph: %w", err)
		}
	}
	h.reset()
	h.graph = g
	for id, key := range keys {
		h.ids[key] = uint64(id)
		h.keys[uint64(id)] = key
	}
	h.next = uint64(len(keys))
	return nil
}
