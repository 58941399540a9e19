package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fystack/idbkv/pkg/common/pathutil"
	"github.com/fystack/idbkv/pkg/logger"
)

const (
	metaPrefix      = "\x00meta/"
	metaVersionKey  = metaPrefix + "version"
	metaTablePrefix = metaPrefix + "table/"

	badgerConflictAttempts = 10
	badgerClearBatch       = 10000
)

type BadgerOptions struct {
	// Dir holds one badger directory per store.
	Dir string
	// EncryptionKey must be 16, 24 or 32 bytes.
	EncryptionKey []byte
	// IndexCacheSize in bytes; defaults to 100MB.
	IndexCacheSize int64
	SyncWrites     bool
}

// BadgerDriver stores every named store in its own BadgerDB directory.
type BadgerDriver struct {
	opts BadgerOptions
}

func NewBadgerDriver(opts BadgerOptions) (*BadgerDriver, error) {
	// must ensure encryption key is provided
	if len(opts.EncryptionKey) == 0 {
		return nil, ErrEncryptionKeyNotProvided
	}
	if opts.IndexCacheSize == 0 {
		opts.IndexCacheSize = 100 << 20 // 100MB
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create badger data dir: %w", err)
	}
	return &BadgerDriver{opts: opts}, nil
}

func (d *BadgerDriver) Name() string {
	return "badger"
}

func (d *BadgerDriver) path(name string) (string, error) {
	return pathutil.SafePath(d.opts.Dir, name)
}

func (d *BadgerDriver) OpenEngine(name string, create bool) (Engine, error) {
	dbPath, err := d.path(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if !create {
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			return nil, ErrStoreNotExist
		}
	}

	opts := badger.DefaultOptions(dbPath).
		WithCompression(options.ZSTD).
		WithEncryptionKey(d.opts.EncryptionKey).
		WithIndexCacheSize(d.opts.IndexCacheSize).
		WithSyncWrites(d.opts.SyncWrites).
		WithLogger(newQuietBadgerLogger())
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	logger.Debug("Connected to BadgerDB", "path", dbPath)
	return &badgerEngine{db: db}, nil
}

func (d *BadgerDriver) Remove(name string) error {
	dbPath, err := d.path(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return os.RemoveAll(dbPath)
}

func (d *BadgerDriver) DatabaseNames() ([]string, error) {
	entries, err := os.ReadDir(d.opts.Dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

type badgerEngine struct {
	db *badger.DB
}

func (e *badgerEngine) Version() (uint64, error) {
	var version uint64
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaVersionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt version record of %d bytes", len(val))
			}
			version = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return version, err
}

func (e *badgerEngine) SetVersion(version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaVersionKey), buf)
	})
}

func (e *badgerEngine) TableNames() ([]string, error) {
	var names []string
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaTablePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), metaTablePrefix))
		}
		return nil
	})
	return names, err
}

func (e *badgerEngine) CreateTable(table string) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaTablePrefix+table), []byte{})
	})
}

func (e *badgerEngine) hasTable(txn *badger.Txn, table string) error {
	_, err := txn.Get([]byte(metaTablePrefix + table))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return err
}

func (e *badgerEngine) View(table string, fn func(Txn) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		if err := e.hasTable(txn, table); err != nil {
			return err
		}
		return fn(&badgerTxn{txn: txn, prefix: table + "/"})
	})
}

// Update retries the whole transaction when badger detects a write conflict,
// so read-then-write callbacks see a consistent snapshot on every attempt.
func (e *badgerEngine) Update(table string, fn func(Txn) error) error {
	return retryConflicts(func() error {
		return e.db.Update(func(txn *badger.Txn) error {
			if err := e.hasTable(txn, table); err != nil {
				return err
			}
			return fn(&badgerTxn{txn: txn, prefix: table + "/"})
		})
	})
}

// ClearTable deletes the records of table in batches of badgerClearBatch,
// committing early when badger reports ErrTxnTooBig.
func (e *badgerEngine) ClearTable(table string) error {
	prefix := []byte(table + "/")
	total := 0
	for {
		var deleted int
		err := retryConflicts(func() error {
			deleted = 0
			return e.db.Update(func(txn *badger.Txn) error {
				if err := e.hasTable(txn, table); err != nil {
					return err
				}
				for _, k := range prefixKeys(txn, prefix, badgerClearBatch) {
					err := txn.Delete(k)
					if errors.Is(err, badger.ErrTxnTooBig) && deleted > 0 {
						return nil
					}
					if err != nil {
						return err
					}
					deleted++
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
		if deleted == 0 {
			logger.Debug("Cleared badger table", "table", table, "deleted", total)
			return nil
		}
		total += deleted
	}
}

func retryConflicts(fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(badgerConflictAttempts),
		retry.Delay(5*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, badger.ErrConflict)
		}),
	)
}

// prefixKeys returns up to limit keys under prefix, 0 meaning no limit.
func prefixKeys(txn *badger.Txn, prefix []byte, limit int) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	return keys
}

func (e *badgerEngine) Close() error {
	return e.db.Close()
}

type badgerTxn struct {
	txn    *badger.Txn
	prefix string
}

func (t *badgerTxn) key(key string) []byte {
	return []byte(t.prefix + key)
}

func (t *badgerTxn) Get(key string) ([]byte, bool, error) {
	item, err := t.txn.Get(t.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *badgerTxn) Put(key string, value []byte) error {
	return t.txn.Set(t.key(key), value)
}

func (t *badgerTxn) Delete(key string) error {
	return t.txn.Delete(t.key(key))
}

func (t *badgerTxn) Clear() error {
	for _, k := range prefixKeys(t.txn, []byte(t.prefix), 0) {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) ForEach(fn func(key string, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(t.prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(strings.TrimPrefix(string(item.Key()), t.prefix), val); err != nil {
			return err
		}
	}
	return nil
}
