package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fystack/idbkv/pkg/common/pathutil"
	"github.com/fystack/idbkv/pkg/logger"
	bolt "go.etcd.io/bbolt"
)

const boltExt = ".db"

var (
	boltMetaBucket = []byte("__meta")
	boltVersionKey = []byte("version")
)

type BoltOptions struct {
	// Dir holds one bbolt file per store.
	Dir string
	// Timeout bounds waiting for the file lock; defaults to 1s.
	Timeout time.Duration
}

// BoltDriver stores every named store in its own bbolt file with one bucket per table.
type BoltDriver struct {
	opts BoltOptions
}

func NewBoltDriver(opts BoltOptions) (*BoltDriver, error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create bolt data dir: %w", err)
	}
	return &BoltDriver{opts: opts}, nil
}

func (d *BoltDriver) Name() string {
	return "bolt"
}

func (d *BoltDriver) path(name string) (string, error) {
	return pathutil.SafePath(d.opts.Dir, name+boltExt)
}

func (d *BoltDriver) OpenEngine(name string, create bool) (Engine, error) {
	path, err := d.path(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, ErrStoreNotExist
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: d.opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	logger.Debug("Opened bolt db", "path", path)
	return &boltEngine{db: db}, nil
}

func (d *BoltDriver) Remove(name string) error {
	path, err := d.path(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *BoltDriver) DatabaseNames() ([]string, error) {
	entries, err := os.ReadDir(d.opts.Dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), boltExt) {
			names = append(names, strings.TrimSuffix(e.Name(), boltExt))
		}
	}
	return names, nil
}

type boltEngine struct {
	db *bolt.DB
}

func (e *boltEngine) Version() (uint64, error) {
	var version uint64
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltMetaBucket)
		if b == nil {
			return nil
		}
		v := b.Get(boltVersionKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt version record of %d bytes", len(v))
		}
		version = binary.BigEndian.Uint64(v)
		return nil
	})
	return version, err
}

func (e *boltEngine) SetVersion(version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return b.Put(boltVersionKey, buf)
	})
}

func (e *boltEngine) TableNames() ([]string, error) {
	var names []string
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if string(name) != string(boltMetaBucket) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	return names, err
}

func (e *boltEngine) CreateTable(table string) error {
	if table == string(boltMetaBucket) {
		return fmt.Errorf("table name %q is reserved", table)
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(table))
		return err
	})
}

func (e *boltEngine) View(table string, fn func(Txn) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return fn(&boltTxn{tx: tx, name: []byte(table), bucket: b})
	})
}

func (e *boltEngine) Update(table string, fn func(Txn) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return fn(&boltTxn{tx: tx, name: []byte(table), bucket: b})
	})
}

func (e *boltEngine) Close() error {
	return e.db.Close()
}

type boltTxn struct {
	tx     *bolt.Tx
	name   []byte
	bucket *bolt.Bucket
}

func (t *boltTxn) Get(key string) ([]byte, bool, error) {
	v := t.bucket.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	val := make([]byte, len(v))
	copy(val, v)
	return val, true, nil
}

func (t *boltTxn) Put(key string, value []byte) error {
	return t.bucket.Put([]byte(key), value)
}

func (t *boltTxn) Delete(key string) error {
	return t.bucket.Delete([]byte(key))
}

// Clear recreates the bucket, which is cheaper than deleting key by key.
func (t *boltTxn) Clear() error {
	if err := t.tx.DeleteBucket(t.name); err != nil {
		return err
	}
	b, err := t.tx.CreateBucket(t.name)
	if err != nil {
		return err
	}
	t.bucket = b
	return nil
}

func (t *boltTxn) ForEach(fn func(key string, value []byte) error) error {
	return t.bucket.ForEach(func(k, v []byte) error {
		val := make([]byte, len(v))
		copy(val, v)
		return fn(string(k), val)
	})
}
