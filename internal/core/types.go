package core

// Version orders writes to the same key. Seq comes from the coordinator's
// logical clock; Writer only breaks exact Seq ties so replicas converge.
type Version struct {
	Seq    uint64 `json:"seq"`
	Writer string `json:"writer,omitempty"`
}

// Newer reports whether v supersedes o under last-writer-wins.
func (v Version) Newer(o Version) bool {
	if v.Seq != o.Seq {
		return v.Seq > o.Seq
	}
	return v.Writer > o.Writer
}

// IsZero reports whether v was never stamped.
func (v Version) IsZero() bool {
	return v.Seq == 0 && v.Writer == ""
}

// Record is one committed vector. Immutable once written; a later write
// with a newer Version supersedes it.
type Record struct {
	Key     uint64
	Vector  []float32
	Version Version
}

// Hit is a single search result.
type Hit struct {
	Key      uint64  `json:"key"`
	Distance float32 `json:"distance"`
	Version  Version `json:"version"`
}

// Mutation is the unit shipped to replicas.
type Mutation struct {
	Kind   MutationKind
	Record Record
}

// CloneVector copies v so callers cannot mutate stored data.
func CloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
