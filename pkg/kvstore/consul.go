package kvstore

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/fystack/idbkv/pkg/infra"
	"github.com/hashicorp/consul/api"
)

const (
	consulMetaDir        = "__meta/"
	consulVersionKey     = consulMetaDir + "version"
	consulTableDir       = consulMetaDir + "table/"
	consulMaxTxnOps      = 64
	consulCommitAttempts = 5
)

var (
	errConsulConflict = errors.New("consul transaction conflict")
	ErrTxnTooLarge    = errors.New("transaction exceeds consul operation limit")
)

// ConsulDriver keeps stores under <prefix>/<name>/ in the consul KV store.
// It cannot enumerate stores.
type ConsulDriver struct {
	kv     infra.ConsulKV
	prefix string
}

func NewConsulDriver(kv infra.ConsulKV, prefix string) *ConsulDriver {
	return &ConsulDriver{kv: kv, prefix: strings.Trim(prefix, "/")}
}

func (d *ConsulDriver) Name() string {
	return "consul"
}

func (d *ConsulDriver) base(name string) string {
	if d.prefix == "" {
		return name + "/"
	}
	return d.prefix + "/" + name + "/"
}

func (d *ConsulDriver) OpenEngine(name string, create bool) (Engine, error) {
	base := d.base(name)
	if !create {
		keys, _, err := d.kv.Keys(base, "", nil)
		if err != nil {
			return nil, fmt.Errorf("list consul keys: %w", err)
		}
		if len(keys) == 0 {
			return nil, ErrStoreNotExist
		}
	}
	return &consulEngine{kv: d.kv, base: base}, nil
}

func (d *ConsulDriver) Remove(name string) error {
	_, err := d.kv.DeleteTree(d.base(name), nil)
	return err
}

type consulEngine struct {
	kv   infra.ConsulKV
	base string
}

func (e *consulEngine) Version() (uint64, error) {
	pair, _, err := e.kv.Get(e.base+consulVersionKey, nil)
	if err != nil {
		return 0, err
	}
	if pair == nil {
		return 0, nil
	}
	return strconv.ParseUint(string(pair.Value), 10, 64)
}

func (e *consulEngine) SetVersion(version uint64) error {
	_, err := e.kv.Put(&api.KVPair{
		Key:   e.base + consulVersionKey,
		Value: []byte(strconv.FormatUint(version, 10)),
	}, nil)
	return err
}

func (e *consulEngine) TableNames() ([]string, error) {
	prefix := e.base + consulTableDir
	keys, _, err := e.kv.Keys(prefix, "", nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, prefix))
	}
	return names, nil
}

func (e *consulEngine) CreateTable(table string) error {
	_, err := e.kv.Put(&api.KVPair{Key: e.base + consulTableDir + table, Value: []byte{}}, nil)
	return err
}

func (e *consulEngine) tableIndex(table string) (uint64, error) {
	pair, _, err := e.kv.Get(e.base+consulTableDir+table, nil)
	if err != nil {
		return 0, err
	}
	if pair == nil {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return pair.ModifyIndex, nil
}

func (e *consulEngine) View(table string, fn func(Txn) error) error {
	if _, err := e.tableIndex(table); err != nil {
		return err
	}
	return fn(e.newTxn(table))
}

// Update buffers writes and commits them in one consul transaction guarded by
// check-index operations on every key read, retrying when another writer won.
func (e *consulEngine) Update(table string, fn func(Txn) error) error {
	return retry.Do(
		func() error {
			tableIdx, err := e.tableIndex(table)
			if err != nil {
				return err
			}
			txn := e.newTxn(table)
			txn.writable = true
			if err := fn(txn); err != nil {
				return err
			}
			return txn.commit(e.base+consulTableDir+table, tableIdx)
		},
		retry.Attempts(consulCommitAttempts),
		retry.Delay(20*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errConsulConflict)
		}),
	)
}

func (e *consulEngine) Close() error {
	return nil
}

func (e *consulEngine) newTxn(table string) *consulTxn {
	return &consulTxn{
		kv:      e.kv,
		prefix:  e.base + table + "/",
		reads:   make(map[string]uint64),
		overlay: make(map[string][]byte),
	}
}

type consulTxn struct {
	kv       infra.ConsulKV
	prefix   string
	writable bool

	// ModifyIndex of every key read, 0 when it did not exist
	reads map[string]uint64
	// pending writes; a nil value is a delete
	overlay map[string][]byte
	cleared bool
	ops     api.KVTxnOps
}

func (t *consulTxn) Get(key string) ([]byte, bool, error) {
	full := t.prefix + key
	if v, ok := t.overlay[full]; ok {
		return v, v != nil, nil
	}
	if t.cleared {
		return nil, false, nil
	}

	pair, _, err := t.kv.Get(full, nil)
	if err != nil {
		return nil, false, err
	}
	if pair == nil {
		t.reads[full] = 0
		return nil, false, nil
	}
	t.reads[full] = pair.ModifyIndex
	return pair.Value, true, nil
}

func (t *consulTxn) Put(key string, value []byte) error {
	if !t.writable {
		return fmt.Errorf("put %s: read-only transaction", key)
	}
	full := t.prefix + key
	val := append([]byte{}, value...)
	t.overlay[full] = val
	t.ops = append(t.ops, &api.KVTxnOp{Verb: api.KVSet, Key: full, Value: val})
	return nil
}

func (t *consulTxn) Delete(key string) error {
	if !t.writable {
		return fmt.Errorf("delete %s: read-only transaction", key)
	}
	full := t.prefix + key
	t.overlay[full] = nil
	t.ops = append(t.ops, &api.KVTxnOp{Verb: api.KVDelete, Key: full})
	return nil
}

func (t *consulTxn) Clear() error {
	if !t.writable {
		return fmt.Errorf("clear: read-only transaction")
	}
	t.cleared = true
	t.overlay = make(map[string][]byte)
	t.ops = append(t.ops, &api.KVTxnOp{Verb: api.KVDeleteTree, Key: t.prefix})
	return nil
}

func (t *consulTxn) ForEach(fn func(key string, value []byte) error) error {
	merged := make(map[string][]byte)
	if !t.cleared {
		pairs, _, err := t.kv.List(t.prefix, nil)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			merged[p.Key] = p.Value
		}
	}
	for k, v := range t.overlay {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(strings.TrimPrefix(k, t.prefix), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *consulTxn) commit(tableKey string, tableIdx uint64) error {
	if len(t.ops) == 0 {
		return nil
	}

	ops := api.KVTxnOps{{Verb: api.KVCheckIndex, Key: tableKey, Index: tableIdx}}
	for key, idx := range t.reads {
		if idx == 0 {
			ops = append(ops, &api.KVTxnOp{Verb: api.KVCheckNotExists, Key: key})
		} else {
			ops = append(ops, &api.KVTxnOp{Verb: api.KVCheckIndex, Key: key, Index: idx})
		}
	}
	ops = append(ops, t.ops...)
	if len(ops) > consulMaxTxnOps {
		return fmt.Errorf("%w: %d operations", ErrTxnTooLarge, len(ops))
	}

	ok, resp, _, err := t.kv.Txn(ops, nil)
	if err != nil {
		return err
	}
	if !ok {
		var msgs []string
		if resp != nil {
			for _, e := range resp.Errors {
				msgs = append(msgs, e.What)
			}
		}
		return fmt.Errorf("%w: %s", errConsulConflict, strings.Join(msgs, "; "))
	}
	return nil
}
