package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	ferrors "github.com/23skdu/fletch/internal/errors"
)

// BadgerManifest stores manifest records in badger under
// ckpt/<shard>/<id>, both zero padded so key order is id order.
type BadgerManifest struct {
	db *badger.DB
}

// OpenBadgerManifest opens (or creates) a badger manifest in dir.
func OpenBadgerManifest(dir string) (*BadgerManifest, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	return OpenBadgerManifestWithOptions(opts)
}

func OpenBadgerManifestWithOptions(opts badger.Options) (*BadgerManifest, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, ferrors.WrapStorageError(err, "manifest_open", "open badger db")
	}
	return &BadgerManifest{db: db}, nil
}

func (m *BadgerManifest) Close() error {
	return m.db.Close()
}

func manifestPrefix(shardID int) []byte {
	return []byte(fmt.Sprintf("ckpt/%08d/", shardID))
}

func manifestKey(shardID int, id uint64) []byte {
	return []byte(fmt.Sprintf("ckpt/%08d/%020d", shardID, id))
}

func (m *BadgerManifest) Append(_ context.Context, cp Checkpoint) error {
	val, err := json.Marshal(cp)
	if err != nil {
		return ferrors.WrapStorageError(err, "manifest_append", "encode")
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		key := manifestKey(cp.ShardID, cp.ID)
		if _, err := txn.Get(key); err == nil {
			return ferrors.NewValidationError("manifest_append", fmt.Sprintf("checkpoint %d of shard %d exists", cp.ID, cp.ShardID))
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil && ferrors.TypeOf(err) == "" {
		return ferrors.WrapStorageError(err, "manifest_append", "badger update")
	}
	return err
}

func (m *BadgerManifest) List(_ context.Context, shardID int) ([]Checkpoint, error) {
	var out []Checkpoint
	prefix := manifestPrefix(shardID)
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return err
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.WrapStorageError(err, "manifest_list", "badger view")
	}
	return out, nil
}

func (m *BadgerManifest) Remove(_ context.Context, shardID int, id uint64) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		key := manifestKey(shardID, id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ferrors.NewNotFoundError("manifest_remove", fmt.Sprintf("checkpoint %d of shard %d", id, shardID))
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil && ferrors.TypeOf(err) == "" {
		return ferrors.WrapStorageError(err, "manifest_remove", "badger update")
	}
	return err
}
