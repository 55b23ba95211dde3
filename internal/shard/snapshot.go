package shard

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/metrics"
)

// SnapshotInfo describes a snapshot blob written by Snapshot.
type SnapshotInfo struct {
	ShardID     int
	Path        string
	Timestamp   time.Time
	VectorCount int
	Bytes       int64
	MaxSeq      uint64
}

// snapshotState is the gob envelope inside the zstd stream.
type snapshotState struct {
	ShardID    int
	Dims       int
	Versions   map[uint64]core.Version
	Tombstones map[uint64]core.Version
	Index      []byte
}

// Snapshot writes the shard's full state to path atomically: readers of
// path see either the previous blob or the complete new one.
func (s *Shard) Snapshot(path string) (SnapshotInfo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "create snapshot directory")
	}
	pending, err := renameio.TempFile("", path)
	if err != nil {
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "create temp file")
	}
	defer func() { _ = pending.Cleanup() }()

	s.mu.Lock()
	info, err := s.writeLocked(pending)
	s.mu.Unlock()
	if err != nil {
		return SnapshotInfo{}, err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "replace snapshot")
	}
	if fi, err := os.Stat(path); err == nil {
		info.Bytes = fi.Size()
		metrics.SnapshotBytes.WithLabelValues(s.label).Set(float64(fi.Size()))
	}
	info.Path = path
	s.logger.Debug().Str("path", path).Int("vectors", info.VectorCount).Msg("Snapshot written")
	return info, nil
}

func (s *Shard) writeLocked(w io.Writer) (SnapshotInfo, error) {
	var idxBuf bytes.Buffer
	if err := s.idx.Save(&idxBuf); err != nil {
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "serialize index")
	}
	state := snapshotState{
		ShardID:    s.id,
		Dims:       s.dims,
		Versions:   s.versions,
		Tombstones: s.tombstones,
		Index:      idxBuf.Bytes(),
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "create zstd writer")
	}
	if err := gob.NewEncoder(enc).Encode(&state); err != nil {
		_ = enc.Close()
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "encode snapshot")
	}
	if err := enc.Close(); err != nil {
		return SnapshotInfo{}, ferrors.WrapStorageError(err, "shard_snapshot", "flush zstd stream")
	}

	info := SnapshotInfo{ShardID: s.id, Timestamp: time.Now(), VectorCount: len(s.versions)}
	for _, v := range s.versions {
		if v.Seq > info.MaxSeq {
			info.MaxSeq = v.Seq
		}
	}
	for _, v := range s.tombstones {
		if v.Seq > info.MaxSeq {
			info.MaxSeq = v.Seq
		}
	}
	return info, nil
}

// Restore replaces the shard's entire state with the blob at path. On
// error the shard is left unchanged.
func (s *Shard) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ferrors.WrapStorageError(err, "shard_restore", "open snapshot")
	}
	defer f.Close()
	return s.readSnapshot(f)
}

func (s *Shard) readSnapshot(r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return ferrors.WrapStorageError(err, "shard_restore", "open zstd stream")
	}
	defer dec.Close()

	var state snapshotState
	if err := gob.NewDecoder(dec).Decode(&state); err != nil {
		return ferrors.WrapStorageError(err, "shard_restore", "decode snapshot")
	}
	if state.Dims != s.dims {
		return ferrors.NewStorageError("shard_restore",
			fmt.Sprintf("snapshot has %d dimensions, shard expects %d", state.Dims, s.dims))
	}

	idx := s.factory()
	if err := idx.Load(bytes.NewReader(state.Index)); err != nil {
		return ferrors.WrapStorageError(err, "shard_restore", "load index")
	}
	if state.Versions == nil {
		state.Versions = make(map[uint64]core.Version)
	}
	if state.Tombstones == nil {
		state.Tombstones = make(map[uint64]core.Version)
	}
	if idx.Len() != len(state.Versions) {
		return ferrors.NewStorageError("shard_restore",
			fmt.Sprintf("corrupt snapshot: index holds %d vectors, %d versions", idx.Len(), len(state.Versions)))
	}
	keys := roaringFrom(state.Versions)

	if state.ShardID != s.id {
		s.logger.Warn().Int("snapshot_shard", state.ShardID).Msg("Restoring snapshot taken from another shard")
	}

	s.mu.Lock()
	s.idx = idx
	s.versions = state.Versions
	s.tombstones = state.Tombstones
	s.keys = keys
	n := len(s.versions)
	s.mu.Unlock()

	metrics.ShardVectors.WithLabelValues(s.label).Set(float64(n))
	s.logger.Info().Int("vectors", n).Msg("Shard restored")
	return nil
}

func roaringFrom(versions map[uint64]core.Version) *roaring64.Bitmap {
	bm := roaring64.New()
	for k := range versions {
		bm.Add(k)
	}
	return bm
}
