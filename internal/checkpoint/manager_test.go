package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/23skdu/fletch/internal/core"
	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/shard"
)

func newShard(t *testing.T, id int) *shard.Shard {
	t.Helper()
	s, err := shard.New(shard.Config{ID: id, Dims: 2}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func put(t *testing.T, s *shard.Shard, key, seq uint64, x, y float32) {
	t.Helper()
	require.NoError(t, s.Add(context.Background(), core.Record{
		Key:     key,
		Vector:  []float32{x, y},
		Version: core.Version{Seq: seq, Writer: "test"},
	}))
}

// memArchive keeps uploaded blobs in memory.
type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []uint64
}

func newMemArchive() *memArchive {
	return &memArchive{objects: make(map[string][]byte)}
}

func (a *memArchive) Upload(_ context.Context, cp Checkpoint) error {
	data, err := os.ReadFile(cp.Path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[objectKey("", cp)] = data
	return nil
}

func (a *memArchive) Download(_ context.Context, cp Checkpoint, dst string) error {
	a.mu.Lock()
	data, ok := a.objects[objectKey("", cp)]
	a.mu.Unlock()
	if !ok {
		return ferrors.NewNotFoundError("archive_download", objectKey("", cp))
	}
	return os.WriteFile(dst, data, 0o644)
}

func (a *memArchive) Delete(_ context.Context, cp Checkpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, objectKey("", cp))
	a.deleted = append(a.deleted, cp.ID)
	return nil
}

func TestManager_RetentionKeepsNewest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newShard(t, 3)
	put(t, s, 1, 1, 0, 0)

	m, err := New(s, Options{Dir: dir, MaxCheckpoints: 3}, zerolog.Nop())
	require.NoError(t, err)

	var created []Checkpoint
	for i := 0; i < 4; i++ {
		cp, err := m.CreateCheckpoint(ctx)
		require.NoError(t, err)
		created = append(created, cp)
	}

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{2, 3, 4}, ids(list))

	assert.NoFileExists(t, created[0].Path)
	for _, cp := range created[1:] {
		assert.FileExists(t, cp.Path)
		assert.Equal(t, filepath.Join(dir, "shard-3", "checkpoint-"+itoa(cp.ID)+".snap"), cp.Path)
	}

	_, err = m.Restore(ctx, 1)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
	_, err = m.Restore(ctx, 99)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestManager_RestoreLatest(t *testing.T) {
	ctx := context.Background()
	s := newShard(t, 0)
	put(t, s, 1, 1, 1, 1)

	m, err := New(s, Options{Dir: t.TempDir(), MaxCheckpoints: 2}, zerolog.Nop())
	require.NoError(t, err)

	_, err = m.RestoreLatest(ctx)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)

	_, err = m.CreateCheckpoint(ctx)
	require.NoError(t, err)
	put(t, s, 2, 2, 2, 2)
	latest, err := m.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.VectorCount)

	put(t, s, 3, 3, 3, 3)
	require.Equal(t, 3, s.Len())

	got, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
	assert.Equal(t, 2, s.Len())

	hits, err := s.Search(ctx, []float32{2, 2}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(2), hits[0].Key)

	_, err = m.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

// blockingShard holds Snapshot until release is closed.
type blockingShard struct {
	*shard.Shard
	entered chan struct{}
	release chan struct{}
}

func (b *blockingShard) Snapshot(path string) (shard.SnapshotInfo, error) {
	close(b.entered)
	<-b.release
	return b.Shard.Snapshot(path)
}

func TestManager_RestoreWaitsForCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newShard(t, 0)
	put(t, s, 1, 1, 1, 1)

	m, err := New(s, Options{Dir: t.TempDir(), MaxCheckpoints: 1}, zerolog.Nop())
	require.NoError(t, err)
	first, err := m.CreateCheckpoint(ctx)
	require.NoError(t, err)

	blocked := &blockingShard{Shard: s, entered: make(chan struct{}), release: make(chan struct{})}
	m.shard = blocked

	created := make(chan error, 1)
	go func() {
		_, err := m.CreateCheckpoint(ctx)
		created <- err
	}()
	<-blocked.entered

	restored := make(chan error, 1)
	go func() {
		_, err := m.Restore(ctx, first.ID)
		restored <- err
	}()

	select {
	case err := <-restored:
		t.Fatalf("restore finished while a checkpoint was in progress: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(blocked.release)
	require.NoError(t, <-created)
	assert.ErrorIs(t, <-restored, ferrors.ErrNotFound, "first checkpoint was pruned before the restore looked")
}

func TestManager_IDsContinueAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newShard(t, 1)

	m, err := New(s, Options{Dir: dir, MaxCheckpoints: 5}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.CreateCheckpoint(ctx)
		require.NoError(t, err)
	}

	again, err := New(s, Options{Dir: dir, MaxCheckpoints: 5}, zerolog.Nop())
	require.NoError(t, err)
	cp, err := again.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cp.ID)
}

func TestManager_FailedSnapshotLeavesManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newShard(t, 0)

	blocker := filepath.Join(dir, "shard-0")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	manifest := NewFileManifest(filepath.Join(t.TempDir(), "manifest.json"))
	m, err := New(s, Options{Dir: dir, Manifest: manifest}, zerolog.Nop())
	require.NoError(t, err)

	_, err = m.CreateCheckpoint(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ferrors.ErrIO)

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_ArchiveUploadPruneAndRestore(t *testing.T) {
	ctx := context.Background()
	s := newShard(t, 2)
	put(t, s, 10, 1, 5, 5)

	archive := newMemArchive()
	m, err := New(s, Options{Dir: t.TempDir(), MaxCheckpoints: 1, Archive: archive}, zerolog.Nop())
	require.NoError(t, err)

	_, err = m.CreateCheckpoint(ctx)
	require.NoError(t, err)
	cp, err := m.CreateCheckpoint(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1}, archive.deleted)
	assert.Len(t, archive.objects, 1)

	require.NoError(t, os.Remove(cp.Path))
	put(t, s, 11, 2, 6, 6)

	got, err := m.RestoreLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, 1, s.Len())
	assert.FileExists(t, cp.Path)
}

func TestManager_MissingBlobWithoutArchive(t *testing.T) {
	ctx := context.Background()
	s := newShard(t, 0)
	m, err := New(s, Options{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	cp, err := m.CreateCheckpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(cp.Path))

	_, err = m.RestoreLatest(ctx)
	assert.ErrorIs(t, err, ferrors.ErrIO)
}

func TestManager_InvalidOptions(t *testing.T) {
	s := newShard(t, 0)
	_, err := New(s, Options{}, zerolog.Nop())
	assert.ErrorIs(t, err, ferrors.ErrConfiguration)

	_, err = New(s, Options{Dir: t.TempDir(), MaxCheckpoints: -1}, zerolog.Nop())
	assert.ErrorIs(t, err, ferrors.ErrConfiguration)

	_, err = New(nil, Options{Dir: t.TempDir()}, zerolog.Nop())
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)
}

func TestManager_Loop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newShard(t, 0)
	m, err := New(s, Options{Dir: t.TempDir(), Interval: 10 * time.Millisecond, MaxCheckpoints: 2}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		list, err := m.List(context.Background())
		return err == nil && len(list) == 2 && list[1].ID >= 3
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestBadgerManifest(t *testing.T) {
	ctx := context.Background()
	bm, err := OpenBadgerManifestWithOptions(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	defer func() { _ = bm.Close() }()

	for _, id := range []uint64{3, 1, 12} {
		require.NoError(t, bm.Append(ctx, Checkpoint{ShardID: 7, ID: id, Path: "p", Timestamp: time.Unix(int64(id), 0).UTC()}))
	}
	require.NoError(t, bm.Append(ctx, Checkpoint{ShardID: 8, ID: 1}))

	err = bm.Append(ctx, Checkpoint{ShardID: 7, ID: 3})
	assert.ErrorIs(t, err, ferrors.ErrInvalidArgument)

	list, err := bm.List(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 12}, ids(list))
	assert.True(t, time.Unix(12, 0).Equal(list[2].Timestamp))

	require.NoError(t, bm.Remove(ctx, 7, 3))
	assert.ErrorIs(t, bm.Remove(ctx, 7, 3), ferrors.ErrNotFound)

	list, err = bm.List(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 12}, ids(list))
}

func TestManager_WithBadgerManifest(t *testing.T) {
	ctx := context.Background()
	bm, err := OpenBadgerManifest(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = bm.Close() }()

	s := newShard(t, 5)
	m, err := New(s, Options{Dir: t.TempDir(), MaxCheckpoints: 2, Manifest: bm}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.CreateCheckpoint(ctx)
		require.NoError(t, err)
	}
	list, err := bm.List(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, ids(list))
}

func TestFileManifest(t *testing.T) {
	ctx := context.Background()
	fm := NewFileManifest(filepath.Join(t.TempDir(), "nested", "manifest.json"))

	list, err := fm.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, fm.Append(ctx, Checkpoint{ShardID: 0, ID: 2}))
	require.NoError(t, fm.Append(ctx, Checkpoint{ShardID: 0, ID: 1}))
	assert.ErrorIs(t, fm.Append(ctx, Checkpoint{ShardID: 0, ID: 1}), ferrors.ErrInvalidArgument)

	list, err = fm.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids(list))

	assert.ErrorIs(t, fm.Remove(ctx, 0, 5), ferrors.ErrNotFound)
	require.NoError(t, fm.Remove(ctx, 0, 1))

	require.NoError(t, os.WriteFile(fm.Path(), []byte("{broken"), 0o644))
	_, err = fm.List(ctx, 0)
	assert.True(t, errors.Is(err, ferrors.ErrIO))
}

func TestObjectKey(t *testing.T) {
	cp := Checkpoint{ShardID: 4, ID: 9}
	assert.Equal(t, "checkpoints/shard-4/checkpoint-9.snap", objectKey("checkpoints/", cp))
	assert.Equal(t, "shard-4/checkpoint-9.snap", objectKey("", cp))

	_, err := NewMinioArchive(MinioConfig{})
	assert.ErrorIs(t, err, ferrors.ErrConfiguration)

	a, err := NewMinioArchive(MinioConfig{Endpoint: "localhost:9000", Bucket: "fletch", Prefix: "ckpt"})
	require.NoError(t, err)
	assert.Equal(t, "ckpt/shard-4/checkpoint-9.snap", a.ObjectKey(cp))
}

func ids(list []Checkpoint) []uint64 {
	out := make([]uint64, len(list))
	for i, cp := range list {
		out[i] = cp.ID
	}
	return out
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
