package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/23skdu/fletch/internal/checkpoint"
	ferrors "github.com/23skdu/fletch/internal/errors"
)

// checkpoints holds one checkpoint manager per shard. A zero Dir disables
// it and every method becomes a no-op or ErrConfiguration.
type checkpoints struct {
	cfg     CheckpointConfig
	archive checkpoint.Archive
	logger  zerolog.Logger

	manifest checkpoint.Manifest
	badger   *checkpoint.BadgerManifest

	mu       sync.Mutex
	managers map[int]*checkpoint.Manager
	running  context.Context
}

//nolint:gocritic // Logger passed by value for constructor simplicity
func newCheckpoints(cfg CheckpointConfig, archive checkpoint.Archive, logger zerolog.Logger) (*checkpoints, error) {
	cp := &checkpoints{
		cfg:      cfg,
		archive:  archive,
		logger:   logger,
		managers: make(map[int]*checkpoint.Manager),
	}
	if cfg.Dir != "" && cfg.Manifest == "badger" {
		bm, err := checkpoint.OpenBadgerManifest(filepath.Join(cfg.Dir, "manifest"))
		if err != nil {
			return nil, err
		}
		cp.badger = bm
		cp.manifest = bm
	}
	return cp, nil
}

func (cp *checkpoints) enabled() bool {
	return cp.cfg.Dir != ""
}

func (cp *checkpoints) add(n Node) error {
	if !cp.enabled() {
		return nil
	}
	m, err := checkpoint.New(n, checkpoint.Options{
		Dir:            cp.cfg.Dir,
		Interval:       cp.cfg.Interval,
		MaxCheckpoints: cp.cfg.MaxCheckpoints,
		Manifest:       cp.manifest,
		Archive:        cp.archive,
	}, cp.logger)
	if err != nil {
		return err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.managers[n.ID()] = m
	if cp.running != nil {
		return m.Start(cp.running)
	}
	return nil
}

func (cp *checkpoints) get(id int) (*checkpoint.Manager, error) {
	if !cp.enabled() {
		return nil, ferrors.NewConfigurationError("checkpoint", "checkpoints are not configured")
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	m, ok := cp.managers[id]
	if !ok {
		return nil, ferrors.NewNotFoundError("checkpoint", fmt.Sprintf("shard %d does not exist", id))
	}
	return m, nil
}

func (cp *checkpoints) start(ctx context.Context) error {
	if !cp.enabled() {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.running = ctx
	for _, m := range cp.managers {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (cp *checkpoints) stop() {
	cp.mu.Lock()
	cp.running = nil
	managers := make([]*checkpoint.Manager, 0, len(cp.managers))
	for _, m := range cp.managers {
		managers = append(managers, m)
	}
	cp.mu.Unlock()
	for _, m := range managers {
		m.Stop()
	}
}

func (cp *checkpoints) close() error {
	if cp.badger != nil {
		return cp.badger.Close()
	}
	return nil
}

// Checkpoint snapshots shard id now.
func (c *Coordinator) Checkpoint(ctx context.Context, id int) (checkpoint.Checkpoint, error) {
	m, err := c.ckpt.get(id)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return m.CreateCheckpoint(ctx)
}

// Checkpoints lists shard id's retained checkpoints, oldest first.
func (c *Coordinator) Checkpoints(ctx context.Context, id int) ([]checkpoint.Checkpoint, error) {
	m, err := c.ckpt.get(id)
	if err != nil {
		return nil, err
	}
	return m.List(ctx)
}

// RestoreShard replaces shard id with its newest checkpoint. It holds the
// topology lock exclusively, like a rebalance.
func (c *Coordinator) RestoreShard(ctx context.Context, id int) (checkpoint.Checkpoint, error) {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	m, err := c.ckpt.get(id)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp, err := m.RestoreLatest(ctx)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	c.afterRestore(id)
	return cp, nil
}

// RestoreCheckpoint replaces shard id with checkpoint ckptID. Pruned ids
// return ErrNotFound.
func (c *Coordinator) RestoreCheckpoint(ctx context.Context, id int, ckptID uint64) (checkpoint.Checkpoint, error) {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	m, err := c.ckpt.get(id)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp, err := m.Restore(ctx, ckptID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	c.afterRestore(id)
	return cp, nil
}

func (c *Coordinator) afterRestore(id int) {
	if n, err := c.node(id); err == nil {
		c.advanceVersion(n.MaxSeq())
	}
}
