// Package checkpoint takes periodic shard snapshots, records them in a
// manifest and restores a shard from the newest one.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ferrors "github.com/23skdu/fletch/internal/errors"
	"github.com/23skdu/fletch/internal/metrics"
	"github.com/23skdu/fletch/internal/shard"
)

const (
	DefaultInterval       = time.Minute
	DefaultMaxCheckpoints = 5
)

// Snapshotter is the part of a shard the manager needs.
type Snapshotter interface {
	ID() int
	Snapshot(path string) (shard.SnapshotInfo, error)
	Restore(path string) error
}

type Options struct {
	Dir            string
	Interval       time.Duration
	MaxCheckpoints int
	// Manifest defaults to a FileManifest at <Dir>/shard-<id>/manifest.json.
	Manifest Manifest
	Archive  Archive
	Clock    func() time.Time
}

// Manager owns the checkpoints of one shard.
type Manager struct {
	shard  Snapshotter
	opts   Options
	label  string
	logger zerolog.Logger

	mu     sync.Mutex
	nextID uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a manager for s. Checkpoint ids continue after the highest id
// already in the manifest.
//
//nolint:gocritic // Logger passed by value for constructor simplicity
func New(s Snapshotter, opts Options, logger zerolog.Logger) (*Manager, error) {
	if s == nil {
		return nil, ferrors.NewValidationError("checkpoint_init", "shard is required")
	}
	if opts.Dir == "" {
		return nil, ferrors.NewConfigurationError("checkpoint_init", "checkpoint directory is required")
	}
	if opts.MaxCheckpoints < 0 {
		return nil, ferrors.NewConfigurationError("checkpoint_init", "max checkpoints must be non-negative")
	}
	if opts.MaxCheckpoints == 0 {
		opts.MaxCheckpoints = DefaultMaxCheckpoints
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Manifest == nil {
		opts.Manifest = NewFileManifest(filepath.Join(shardDir(opts.Dir, s.ID()), "manifest.json"))
	}

	m := &Manager{
		shard:  s,
		opts:   opts,
		label:  strconv.Itoa(s.ID()),
		logger: logger.With().Str("component", "checkpoint").Int("shard", s.ID()).Logger(),
	}

	existing, err := opts.Manifest.List(context.Background(), s.ID())
	if err != nil {
		return nil, err
	}
	for _, cp := range existing {
		if cp.ID >= m.nextID {
			m.nextID = cp.ID + 1
		}
	}
	if m.nextID == 0 {
		m.nextID = 1
	}
	metrics.CheckpointsRetained.WithLabelValues(m.label).Set(float64(len(existing)))
	return m, nil
}

func shardDir(dir string, shardID int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%d", shardID))
}

func checkpointFileName(id uint64) string {
	return fmt.Sprintf("checkpoint-%d.snap", id)
}

// Path is where checkpoint id of this shard lives on local disk.
func (m *Manager) Path(id uint64) string {
	return filepath.Join(shardDir(m.opts.Dir, m.shard.ID()), checkpointFileName(id))
}

// CreateCheckpoint snapshots the shard, records it and prunes the oldest
// checkpoints beyond MaxCheckpoints. A failed snapshot leaves the manifest
// untouched.
func (m *Manager) CreateCheckpoint(ctx context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Checkpoint{}, ferrors.WrapTimeoutError(err, "checkpoint_create", "context done")
	}

	start := time.Now()
	id := m.nextID
	path := m.Path(id)

	info, err := m.shard.Snapshot(path)
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues(m.label, "error").Inc()
		m.logger.Error().Err(err).Uint64("checkpoint", id).Msg("Checkpoint snapshot failed")
		return Checkpoint{}, err
	}

	cp := Checkpoint{
		ShardID:     m.shard.ID(),
		ID:          id,
		Path:        path,
		Timestamp:   m.opts.Clock(),
		VectorCount: info.VectorCount,
	}
	if err := m.opts.Manifest.Append(ctx, cp); err != nil {
		_ = os.Remove(path)
		metrics.CheckpointsTotal.WithLabelValues(m.label, "error").Inc()
		return Checkpoint{}, err
	}
	m.nextID++

	if m.opts.Archive != nil {
		if err := m.opts.Archive.Upload(ctx, cp); err != nil {
			m.logger.Warn().Err(err).Uint64("checkpoint", id).Msg("Checkpoint upload failed")
		}
	}

	if err := m.pruneLocked(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Checkpoint pruning failed")
	}

	metrics.CheckpointsTotal.WithLabelValues(m.label, "ok").Inc()
	metrics.CheckpointDurationSeconds.Observe(time.Since(start).Seconds())
	m.logger.Info().
		Uint64("checkpoint", id).
		Int("vectors", cp.VectorCount).
		Int64("bytes", info.Bytes).
		Dur("duration", time.Since(start)).
		Msg("Checkpoint created")
	return cp, nil
}

func (m *Manager) pruneLocked(ctx context.Context) error {
	list, err := m.opts.Manifest.List(ctx, m.shard.ID())
	if err != nil {
		return err
	}
	excess := len(list) - m.opts.MaxCheckpoints
	var firstErr error
	for i := 0; i < excess; i++ {
		cp := list[i]
		if err := m.opts.Manifest.Remove(ctx, cp.ShardID, cp.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(cp.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn().Err(err).Str("path", cp.Path).Msg("Failed to delete checkpoint file")
		}
		if m.opts.Archive != nil {
			if err := m.opts.Archive.Delete(ctx, cp); err != nil && !errors.Is(err, ferrors.ErrNotFound) {
				m.logger.Warn().Err(err).Uint64("checkpoint", cp.ID).Msg("Failed to delete archived checkpoint")
			}
		}
		metrics.CheckpointsPrunedTotal.Inc()
		m.logger.Debug().Uint64("checkpoint", cp.ID).Msg("Checkpoint pruned")
	}
	retained := len(list)
	if excess > 0 {
		retained = m.opts.MaxCheckpoints
	}
	metrics.CheckpointsRetained.WithLabelValues(m.label).Set(float64(retained))
	return firstErr
}

// List returns the retained checkpoints, oldest first.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	return m.opts.Manifest.List(ctx, m.shard.ID())
}

// RestoreLatest replaces the shard's state with its newest checkpoint.
func (m *Manager) RestoreLatest(ctx context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.List(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(list) == 0 {
		return Checkpoint{}, ferrors.NewNotFoundError("checkpoint_restore", fmt.Sprintf("no checkpoints for shard %d", m.shard.ID()))
	}
	cp := list[len(list)-1]
	return cp, m.restore(ctx, cp)
}

// Restore replaces the shard's state with checkpoint id. Pruned or unknown
// ids return ErrNotFound. Restores and new checkpoints are serialized, so
// retention never deletes a blob mid-restore.
func (m *Manager) Restore(ctx context.Context, id uint64) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.List(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	for _, cp := range list {
		if cp.ID == id {
			return cp, m.restore(ctx, cp)
		}
	}
	return Checkpoint{}, ferrors.NewNotFoundError("checkpoint_restore", fmt.Sprintf("checkpoint %d of shard %d", id, m.shard.ID()))
}

func (m *Manager) restore(ctx context.Context, cp Checkpoint) error {
	source := "local"
	if _, err := os.Stat(cp.Path); errors.Is(err, os.ErrNotExist) {
		if m.opts.Archive == nil {
			metrics.RestoresTotal.WithLabelValues(source, "error").Inc()
			return ferrors.WrapStorageError(err, "checkpoint_restore", cp.Path)
		}
		source = "archive"
		if err := os.MkdirAll(filepath.Dir(cp.Path), 0o755); err != nil {
			return ferrors.WrapStorageError(err, "checkpoint_restore", "create directory")
		}
		if err := m.opts.Archive.Download(ctx, cp, cp.Path); err != nil {
			metrics.RestoresTotal.WithLabelValues(source, "error").Inc()
			return err
		}
	}
	if err := m.shard.Restore(cp.Path); err != nil {
		metrics.RestoresTotal.WithLabelValues(source, "error").Inc()
		return err
	}
	metrics.RestoresTotal.WithLabelValues(source, "ok").Inc()
	m.logger.Info().Uint64("checkpoint", cp.ID).Str("source", source).Int("vectors", cp.VectorCount).Msg("Shard restored")
	return nil
}

// Start runs CreateCheckpoint every Interval until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ferrors.NewValidationError("checkpoint_start", "checkpoint loop already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	return nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CreateCheckpoint(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("Periodic checkpoint failed")
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight checkpoint to finish.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
