package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"

	ferrors "github.com/23skdu/fletch/internal/errors"
)

// Checkpoint describes one persisted snapshot of a shard.
type Checkpoint struct {
	ShardID     int       `json:"shard_id"`
	ID          uint64    `json:"checkpoint_id"`
	Path        string    `json:"path"`
	Timestamp   time.Time `json:"timestamp"`
	VectorCount int       `json:"vector_count"`
}

// Manifest is the bookkeeping record of checkpoints. List returns a shard's
// checkpoints ascending by ID.
type Manifest interface {
	Append(ctx context.Context, cp Checkpoint) error
	List(ctx context.Context, shardID int) ([]Checkpoint, error)
	Remove(ctx context.Context, shardID int, id uint64) error
}

// FileManifest keeps the manifest in one JSON file, replaced atomically on
// every change.
type FileManifest struct {
	path string
	mu   sync.Mutex
}

func NewFileManifest(path string) *FileManifest {
	return &FileManifest{path: path}
}

func (m *FileManifest) Path() string {
	return m.path
}

func (m *FileManifest) load() ([]Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.WrapStorageError(err, "manifest_read", m.path)
	}
	var entries []Checkpoint
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, ferrors.WrapStorageError(err, "manifest_read", "decode "+m.path)
	}
	return entries, nil
}

func (m *FileManifest) store(entries []Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return ferrors.WrapStorageError(err, "manifest_write", "create directory")
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return ferrors.WrapStorageError(err, "manifest_write", "encode")
	}
	if err := renameio.WriteFile(m.path, data, 0o644); err != nil {
		return ferrors.WrapStorageError(err, "manifest_write", m.path)
	}
	return nil
}

func (m *FileManifest) Append(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ShardID == cp.ShardID && e.ID == cp.ID {
			return ferrors.NewValidationError("manifest_append", fmt.Sprintf("checkpoint %d of shard %d exists", cp.ID, cp.ShardID))
		}
	}
	return m.store(append(entries, cp))
}

func (m *FileManifest) List(_ context.Context, shardID int) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(entries))
	for _, e := range entries {
		if e.ShardID == shardID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *FileManifest) Remove(_ context.Context, shardID int, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.ShardID == shardID && e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return ferrors.NewNotFoundError("manifest_remove", fmt.Sprintf("checkpoint %d of shard %d", id, shardID))
	}
	return m.store(kept)
}
