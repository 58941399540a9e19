// Package idb is a key/value accessor over named stores. Each store holds a
// single table of {key, value} records; every operation opens the store,
// creating it and its table on first use, and releases it before returning.
package idb

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fystack/idbkv/pkg/constant"
	"github.com/fystack/idbkv/pkg/kvstore"
	"github.com/fystack/idbkv/pkg/logger"
	"github.com/samber/lo"
)

type record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func encodeRecord(key string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record{Key: key, Value: raw})
}

func decodeRecord(data []byte) (record, error) {
	var r record
	err := json.Unmarshal(data, &r)
	return r, err
}

type Option func(*Accessor)

// WithDefaultStore sets the store used when an operation gets an empty name.
func WithDefaultStore(name string) Option {
	return func(a *Accessor) {
		a.defaultStore = name
	}
}

// WithSetIfAbsentDefaultStore sets the store SetIfAbsent uses for an empty
// name. Pass constant.LegacySetIfAbsentStoreName to keep data written by
// clients that defaulted set-if-absent to "defaultDB".
func WithSetIfAbsentDefaultStore(name string) Option {
	return func(a *Accessor) {
		a.setIfAbsentStore = name
	}
}

type Accessor struct {
	host             *kvstore.Host
	defaultStore     string
	setIfAbsentStore string
}

func New(host *kvstore.Host, opts ...Option) *Accessor {
	a := &Accessor{
		host:         host,
		defaultStore: constant.DefaultStoreName,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.setIfAbsentStore == "" {
		a.setIfAbsentStore = a.defaultStore
	}
	return a
}

func (a *Accessor) storeName(name string) string {
	if name == "" {
		return a.defaultStore
	}
	return name
}

func ensureKeyValueTable(u *kvstore.Upgrade, _, _ uint64) error {
	ok, err := u.HasObjectStore(constant.KeyValueTable)
	if err != nil || ok {
		return err
	}
	logger.Info("Creating object store", "table", constant.KeyValueTable)
	return u.CreateObjectStore(constant.KeyValueTable)
}

// Open opens the store at schema version 1, creating the key/value table if
// it is missing. The caller must Close the returned connection.
func (a *Accessor) Open(ctx context.Context, name string) (*kvstore.Conn, error) {
	name = a.storeName(name)
	conn, err := a.host.Open(ctx, name, constant.SchemaVersion, ensureKeyValueTable)
	if err != nil {
		return nil, &Error{Op: "open", Store: name, Kind: ErrOpen, Err: err}
	}
	return conn, nil
}

func validateKey(op, store, key string) error {
	if key == "" {
		return &Error{Op: op, Store: store, Kind: ErrInvalidKey, Err: errors.New("key must not be empty")}
	}
	return nil
}

// Insert writes value under key, replacing any existing record.
func (a *Accessor) Insert(ctx context.Context, name, key string, value any) error {
	name = a.storeName(name)
	if err := validateKey("insert", name, key); err != nil {
		return err
	}
	data, err := encodeRecord(key, value)
	if err != nil {
		return &Error{Op: "insert", Store: name, Key: key, Err: err}
	}

	conn, err := a.Open(ctx, name)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.Update(constant.KeyValueTable, func(txn kvstore.Txn) error {
		return txn.Put(key, data)
	})
	if err != nil {
		return &Error{Op: "insert", Store: name, Key: key, Err: err}
	}
	return nil
}

// Get returns the stored value and true, or nil and false when key is absent.
// Stored falsy values such as false, 0, "" or null are reported as present.
func (a *Accessor) Get(ctx context.Context, name, key string) (json.RawMessage, bool, error) {
	name = a.storeName(name)
	if err := validateKey("get", name, key); err != nil {
		return nil, false, err
	}

	conn, err := a.Open(ctx, name)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	var (
		value json.RawMessage
		found bool
	)
	err = conn.View(constant.KeyValueTable, func(txn kvstore.Txn) error {
		data, ok, err := txn.Get(key)
		if err != nil || !ok {
			return err
		}
		r, err := decodeRecord(data)
		if err != nil {
			return err
		}
		value, found = r.Value, true
		return nil
	})
	if err != nil {
		return nil, false, &Error{Op: "get", Store: name, Key: key, Err: err}
	}
	return value, found, nil
}

// ModifyFunc receives the current value of a key and decides what to write.
// Returning write=false leaves the record untouched.
type ModifyFunc func(current json.RawMessage, found bool) (next any, write bool, err error)

// Modify reads key and writes the value chosen by fn inside a single host
// transaction, so no other writer can interleave between the read and the
// write. fn may run more than once when the host retries a conflicting
// transaction. It reports whether a value was written.
func (a *Accessor) Modify(ctx context.Context, name, key string, fn ModifyFunc) (bool, error) {
	return a.modify(ctx, "modify", a.storeName(name), key, fn)
}

func (a *Accessor) modify(ctx context.Context, op, name, key string, fn ModifyFunc) (bool, error) {
	if err := validateKey(op, name, key); err != nil {
		return false, err
	}

	conn, err := a.Open(ctx, name)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var written bool
	err = conn.Update(constant.KeyValueTable, func(txn kvstore.Txn) error {
		written = false
		data, found, err := txn.Get(key)
		if err != nil {
			return err
		}
		var current json.RawMessage
		if found {
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			current = r.Value
		}

		next, write, err := fn(current, found)
		if err != nil || !write {
			return err
		}
		encoded, err := encodeRecord(key, next)
		if err != nil {
			return err
		}
		if err := txn.Put(key, encoded); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		var opErr *Error
		if errors.As(err, &opErr) {
			return false, opErr
		}
		return false, &Error{Op: op, Store: name, Key: key, Err: err}
	}
	return written, nil
}

// Update replaces the value of an existing key. It fails with ErrNotFound
// when the key is absent.
func (a *Accessor) Update(ctx context.Context, name, key string, value any) (Status, error) {
	name = a.storeName(name)
	_, err := a.modify(ctx, "update", name, key, func(_ json.RawMessage, found bool) (any, bool, error) {
		if !found {
			return nil, false, &Error{Op: "update", Store: name, Key: key, Kind: ErrNotFound}
		}
		return value, true, nil
	})
	if err != nil {
		return "", err
	}
	logger.Debug("Updated record", "store", name, "key", key)
	return StatusUpdated, nil
}

// SetIfAbsent adds the record only if key is not present yet. An empty name
// resolves to the set-if-absent default store, see WithSetIfAbsentDefaultStore.
func (a *Accessor) SetIfAbsent(ctx context.Context, name, key string, value any) (Status, error) {
	if name == "" {
		name = a.setIfAbsentStore
	}
	written, err := a.modify(ctx, "set-if-absent", name, key, func(_ json.RawMessage, found bool) (any, bool, error) {
		return value, !found, nil
	})
	if err != nil {
		return "", err
	}
	if !written {
		return StatusAlreadyExists, nil
	}
	return StatusAdded, nil
}

// Delete removes key. Deleting a key that does not exist succeeds.
func (a *Accessor) Delete(ctx context.Context, name, key string) (Status, error) {
	name = a.storeName(name)
	if err := validateKey("delete", name, key); err != nil {
		return "", err
	}

	conn, err := a.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	err = conn.Update(constant.KeyValueTable, func(txn kvstore.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return "", &Error{Op: "delete", Store: name, Key: key, Err: err}
	}
	return StatusDeleted, nil
}

// DeleteStore drops the whole store. It fails with ErrBlocked while another
// connection to the store is open.
func (a *Accessor) DeleteStore(ctx context.Context, name string) (Status, error) {
	name = a.storeName(name)

	conn, err := a.Open(ctx, name)
	if err != nil {
		return "", err
	}
	if err := conn.Close(); err != nil {
		return "", &Error{Op: "delete-store", Store: name, Kind: ErrDelete, Err: err}
	}

	if err := a.host.Delete(ctx, name); err != nil {
		kind := ErrDelete
		if errors.Is(err, kvstore.ErrBlocked) {
			kind = ErrBlocked
		}
		return "", &Error{Op: "delete-store", Store: name, Kind: kind, Err: err}
	}
	return statusStoreDeleted(name), nil
}

// Clear removes every record of the store. A store that was never created,
// or has no key/value table, is reported with StatusNoTable and left untouched.
func (a *Accessor) Clear(ctx context.Context, name string) (Status, error) {
	name = a.storeName(name)

	conn, err := a.host.OpenExisting(ctx, name)
	if errors.Is(err, kvstore.ErrStoreNotExist) {
		return StatusNoTable, nil
	}
	if err != nil {
		return "", &Error{Op: "clear", Store: name, Kind: ErrOpen, Err: err}
	}
	defer conn.Close()

	ok, err := conn.HasObjectStore(constant.KeyValueTable)
	if err != nil {
		return "", &Error{Op: "clear", Store: name, Kind: ErrOpen, Err: err}
	}
	if !ok {
		return StatusNoTable, nil
	}

	if err := conn.Clear(constant.KeyValueTable); err != nil {
		return "", &Error{Op: "clear", Store: name, Err: err}
	}
	logger.Debug("Cleared store", "store", name)
	return StatusCleared, nil
}

func (a *Accessor) scan(ctx context.Context, op, name string) ([]record, error) {
	conn, err := a.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	records := make([]record, 0)
	err = conn.View(constant.KeyValueTable, func(txn kvstore.Txn) error {
		return txn.ForEach(func(_ string, data []byte) error {
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, &Error{Op: op, Store: name, Kind: ErrQuery, Err: err}
	}
	return records, nil
}

// GetAll returns every stored value in key order, or an empty slice.
func (a *Accessor) GetAll(ctx context.Context, name string) ([]json.RawMessage, error) {
	records, err := a.scan(ctx, "get-all", a.storeName(name))
	if err != nil {
		return nil, err
	}
	return lo.Map(records, func(r record, _ int) json.RawMessage {
		return r.Value
	}), nil
}

// ListStoreNames lists every store the host knows about. Hosts that cannot
// enumerate stores fail with ErrUnsupported.
func (a *Accessor) ListStoreNames(ctx context.Context) ([]string, error) {
	names, err := a.host.DatabaseNames(ctx)
	if err != nil {
		var kind error
		if errors.Is(err, kvstore.ErrUnsupported) {
			kind = ErrUnsupported
		}
		return nil, &Error{Op: "list-stores", Kind: kind, Err: err}
	}
	return names, nil
}
