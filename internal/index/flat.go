package index

import (
	"encoding/gob"
	"fmt"
	"io"
	"sort"

	"github.com/23skdu/fletch/internal/core"
	"github.com/coder/hnsw"
)

// Flat is an exact brute-force index. Search cost is linear in Len but
// results are exact and deterministic.
type Flat struct {
	dims   int
	metric core.DistanceMetric
	dist   hnsw.DistanceFunc
	keys   []uint64
	vecs   [][]float32
	pos    map[uint64]int
}

// NewFlat creates an empty flat index.
func NewFlat(dims int, metric core.DistanceMetric) *Flat {
	return &Flat{
		dims:   dims,
		metric: metric,
		dist:   DistanceFunc(metric),
		pos:    make(map[uint64]int),
	}
}

func (f *Flat) Add(key uint64, vector []float32) error {
	if err := checkDims(f.dims, vector); err != nil {
		return err
	}
	vec := core.CloneVector(vector)
	if i, ok := f.pos[key]; ok {
		f.vecs[i] = vec
		return nil
	}
	f.pos[key] = len(f.keys)
	f.keys = append(f.keys, key)
	f.vecs = append(f.vecs, vec)
	return nil
}

func (f *Flat) Search(query []float32, k int) []Neighbor {
	if k <= 0 || len(f.keys) == 0 || len(query) != f.dims {
		return nil
	}
	out := make([]Neighbor, len(f.keys))
	for i, key := range f.keys {
		out[i] = Neighbor{Key: key, Distance: f.dist(query, f.vecs[i])}
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

func (f *Flat) Remove(key uint64) bool {
	i, ok := f.pos[key]
	if !ok {
		return false
	}
	last := len(f.keys) - 1
	if i != last {
		f.keys[i] = f.keys[last]
		f.vecs[i] = f.vecs[last]
		f.pos[f.keys[i]] = i
	}
	f.keys = f.keys[:last]
	f.vecs[last] = nil
	f.vecs = f.vecs[:last]
	delete(f.pos, key)
	return true
}

func (f *Flat) Lookup(key uint64) ([]float32, bool) {
	i, ok := f.pos[key]
	if !ok {
		return nil, false
	}
	return core.CloneVector(f.vecs[i]), true
}

func (f *Flat) Len() int  { return len(f.keys) }
func (f *Flat) Dims() int { return f.dims }

type flatState struct {
	Dims    int
	Keys    []uint64
	Vectors [][]float32
}

func (f *Flat) Save(w io.Writer) error {
	return gob.NewEncoder(w).Encode(flatState{Dims: f.dims, Keys: f.keys, Vectors: f.vecs})
}

func (f *Flat) Load(r io.Reader) error {
	var st flatState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("flat: decode: %w", err)
	}
	if st.Dims != f.dims {
		return fmt.Errorf("flat: snapshot has %d dimensions, want %d", st.Dims, f.dims)
	}
	if len(st.Keys) != len(st.Vectors) {
		return fmt.Errorf("flat: corrupt snapshot: %d keys, %d vectors", len(st.Keys), len(st.Vectors))
	}
	f.keys = st.Keys
	f.vecs = st.Vectors
	f.pos = make(map[uint64]int, len(st.Keys))
	for i, k := range st.Keys {
		f.pos[k] = i
	}
	return nil
}
