package idb

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fystack/idbkv/pkg/constant"
	"github.com/fystack/idbkv/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltAccessor(t *testing.T, opts ...Option) (*Accessor, *kvstore.Host) {
	t.Helper()
	driver, err := kvstore.NewBoltDriver(kvstore.BoltOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	h := kvstore.NewHost(driver)
	t.Cleanup(func() { h.Close() })
	return New(h, opts...), h
}

func newBadgerAccessor(t *testing.T, opts ...Option) (*Accessor, *kvstore.Host) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	driver, err := kvstore.NewBadgerDriver(kvstore.BadgerOptions{
		Dir:            t.TempDir(),
		EncryptionKey:  key,
		IndexCacheSize: 10 << 20,
	})
	require.NoError(t, err)
	h := kvstore.NewHost(driver)
	t.Cleanup(func() { h.Close() })
	return New(h, opts...), h
}

func forEachHost(t *testing.T, fn func(t *testing.T, a *Accessor, h *kvstore.Host)) {
	hosts := map[string]func(*testing.T, ...Option) (*Accessor, *kvstore.Host){
		"bolt":   newBoltAccessor,
		"badger": newBadgerAccessor,
	}
	for name, newAccessor := range hosts {
		t.Run(name, func(t *testing.T) {
			a, h := newAccessor(t)
			fn(t, a, h)
		})
	}
}

type user struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	Age    int    `json:"age"`
	Active bool   `json:"active"`
}

func TestOpen_CreatesTable(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, h *kvstore.Host) {
		conn, err := a.Open(context.Background(), "app")
		require.NoError(t, err)
		defer conn.Close()

		names, err := conn.ObjectStoreNames()
		require.NoError(t, err)
		assert.Equal(t, []string{constant.KeyValueTable}, names)
		version, err := conn.Version()
		require.NoError(t, err)
		assert.Equal(t, constant.SchemaVersion, version)
	})
}

func TestOpen_Failure(t *testing.T) {
	a, _ := newBoltAccessor(t)

	_, err := a.Open(context.Background(), "../escape")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, kvstore.ErrInvalidName)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Insert(ctx, "app", "k", 1)
	assert.ErrorIs(t, err, ErrOpen)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGet_MissingKey(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		value, found, err := a.Get(context.Background(), "app", "never-inserted")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, value)
	})
}

func TestInsertGet_RoundTrip(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		values := map[string]any{
			"string": "hello",
			"number": 42.5,
			"object": map[string]any{"nested": []any{1.0, "two"}},
			"array":  []any{"a", "b"},
		}
		for k, v := range values {
			require.NoError(t, a.Insert(ctx, "app", k, v))
		}
		for k, v := range values {
			raw, found, err := a.Get(ctx, "app", k)
			require.NoError(t, err)
			require.True(t, found, k)
			var got any
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, v, got, k)
		}
	})
}

func TestInsert_Overwrites(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		require.NoError(t, a.Insert(ctx, "app", "k", "v1"))
		require.NoError(t, a.Insert(ctx, "app", "k", "v2"))

		got, found, err := GetAs[string](ctx, a, "app", "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v2", got)

		all, err := a.GetAll(ctx, "app")
		require.NoError(t, err)
		assert.Len(t, all, 1, "one record per key")
	})
}

func TestGet_FalsyValuesArePresent(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		falsy := map[string]any{"false": false, "zero": 0, "empty": "", "null": nil}
		for k, v := range falsy {
			require.NoError(t, a.Insert(ctx, "app", k, v))
		}
		for k := range falsy {
			_, found, err := a.Get(ctx, "app", k)
			require.NoError(t, err)
			assert.True(t, found, k)
		}
	})
}

func TestEmptyKeyRejected(t *testing.T) {
	a, _ := newBoltAccessor(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.Insert(ctx, "app", "", 1), ErrInvalidKey)
	_, _, err := a.Get(ctx, "app", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = a.Update(ctx, "app", "", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = a.Delete(ctx, "app", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestInsert_UnencodableValue(t *testing.T) {
	a, _ := newBoltAccessor(t)

	err := a.Insert(context.Background(), "app", "k", make(chan int))
	require.Error(t, err)
	var opErr *Error
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "insert", opErr.Op)
	assert.Nil(t, opErr.Kind)
}

func TestUpdate(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()

		_, err := a.Update(ctx, "app", "ghost", "v")
		assert.ErrorIs(t, err, ErrNotFound)
		_, found, err := a.Get(ctx, "app", "ghost")
		require.NoError(t, err)
		assert.False(t, found, "failed update must not create the key")

		require.NoError(t, a.Insert(ctx, "app", "k", "v1"))
		status, err := a.Update(ctx, "app", "k", "v2")
		require.NoError(t, err)
		assert.Equal(t, StatusUpdated, status)

		got, _, err := GetAs[string](ctx, a, "app", "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
	})
}

func TestSetIfAbsent(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()

		status, err := a.SetIfAbsent(ctx, "app", "k", "first")
		require.NoError(t, err)
		assert.Equal(t, StatusAdded, status)

		status, err = a.SetIfAbsent(ctx, "app", "k", "second")
		require.NoError(t, err)
		assert.Equal(t, StatusAlreadyExists, status)

		got, _, err := GetAs[string](ctx, a, "app", "k")
		require.NoError(t, err)
		assert.Equal(t, "first", got)
	})
}

func TestSetIfAbsent_DefaultStore(t *testing.T) {
	ctx := context.Background()

	t.Run("canonical default", func(t *testing.T) {
		a, h := newBoltAccessor(t)
		_, err := a.SetIfAbsent(ctx, "", "k", 1)
		require.NoError(t, err)

		_, found, err := a.Get(ctx, "", "k")
		require.NoError(t, err)
		assert.True(t, found)

		names, err := h.DatabaseNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{constant.DefaultStoreName}, names)
	})

	t.Run("legacy default", func(t *testing.T) {
		a, h := newBoltAccessor(t, WithSetIfAbsentDefaultStore(constant.LegacySetIfAbsentStoreName))
		_, err := a.SetIfAbsent(ctx, "", "k", 1)
		require.NoError(t, err)

		_, found, err := a.Get(ctx, "", "k")
		require.NoError(t, err)
		assert.False(t, found, "other operations keep the canonical default")

		_, found, err = a.Get(ctx, constant.LegacySetIfAbsentStoreName, "k")
		require.NoError(t, err)
		assert.True(t, found)

		names, err := h.DatabaseNames(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{constant.DefaultStoreName, constant.LegacySetIfAbsentStoreName}, names)
	})

	t.Run("custom default store", func(t *testing.T) {
		a, h := newBoltAccessor(t, WithDefaultStore("custom"))
		require.NoError(t, a.Insert(ctx, "", "k", 1))
		_, err := a.SetIfAbsent(ctx, "", "j", 1)
		require.NoError(t, err)

		names, err := h.DatabaseNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"custom"}, names)
	})
}

func TestModify(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		incr := func(current json.RawMessage, found bool) (any, bool, error) {
			n := 0
			if found {
				if err := json.Unmarshal(current, &n); err != nil {
					return nil, false, err
				}
			}
			return n + 1, true, nil
		}

		written, err := a.Modify(ctx, "app", "counter", incr)
		require.NoError(t, err)
		assert.True(t, written)

		const workers = 4
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.Modify(ctx, "app", "counter", incr)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, _, err := GetAs[int](ctx, a, "app", "counter")
		require.NoError(t, err)
		assert.Equal(t, workers+1, got, "no increment is lost")

		written, err = a.Modify(ctx, "app", "counter", func(json.RawMessage, bool) (any, bool, error) {
			return nil, false, nil
		})
		require.NoError(t, err)
		assert.False(t, written)

		boom := errors.New("boom")
		_, err = a.Modify(ctx, "app", "counter", func(json.RawMessage, bool) (any, bool, error) {
			return nil, false, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestDelete(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		require.NoError(t, a.Insert(ctx, "app", "k", "v"))

		status, err := a.Delete(ctx, "app", "k")
		require.NoError(t, err)
		assert.Equal(t, StatusDeleted, status)

		_, found, err := a.Get(ctx, "app", "k")
		require.NoError(t, err)
		assert.False(t, found)

		status, err = a.Delete(ctx, "app", "never-existed")
		require.NoError(t, err)
		assert.Equal(t, StatusDeleted, status)
	})
}

func TestClear(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		require.NoError(t, a.Insert(ctx, "app", "k1", "v1"))
		require.NoError(t, a.Insert(ctx, "app", "k2", "v2"))

		status, err := a.Clear(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, StatusCleared, status)

		all, err := a.GetAll(ctx, "app")
		require.NoError(t, err)
		assert.NotNil(t, all)
		assert.Empty(t, all)
	})
}

func TestClear_MissingStoreOrTable(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, h *kvstore.Host) {
		ctx := context.Background()

		status, err := a.Clear(ctx, "never-created")
		require.NoError(t, err)
		assert.Equal(t, StatusNoTable, status)

		names, err := h.DatabaseNames(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "never-created", "clear must not create the store")

		conn, err := h.Open(ctx, "bare", 1, nil)
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		status, err = a.Clear(ctx, "bare")
		require.NoError(t, err)
		assert.Equal(t, StatusNoTable, status)
	})
}

func TestClear_LargeBadgerStore(t *testing.T) {
	if testing.Short() {
		t.Skip("seeds 300k records")
	}
	a, _ := newBadgerAccessor(t)
	ctx := context.Background()

	conn, err := a.Open(ctx, "big")
	require.NoError(t, err)
	const (
		total = 300000
		batch = 5000
	)
	for start := 0; start < total; start += batch {
		require.NoError(t, conn.Update(constant.KeyValueTable, func(txn kvstore.Txn) error {
			for i := start; i < start+batch; i++ {
				key := fmt.Sprintf("k%07d", i)
				data, err := encodeRecord(key, i)
				if err != nil {
					return err
				}
				if err := txn.Put(key, data); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	require.NoError(t, conn.Close())

	status, err := a.Clear(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, StatusCleared, status)

	all, err := a.GetAll(ctx, "big")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetAll(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()

		all, err := a.GetAll(ctx, "app")
		require.NoError(t, err)
		assert.Empty(t, all)

		require.NoError(t, a.Insert(ctx, "app", "k2", "v2"))
		require.NoError(t, a.Insert(ctx, "app", "k1", "v1"))

		values, err := GetAllAs[string](ctx, a, "app")
		require.NoError(t, err)
		assert.Equal(t, []string{"v1", "v2"}, values, "values come back in key order")
	})
}

func TestDeleteStore(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, h *kvstore.Host) {
		ctx := context.Background()
		require.NoError(t, a.Insert(ctx, "app", "k", "v"))

		status, err := a.DeleteStore(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, Status("Database app deleted successfully"), status)

		conn, err := a.Open(ctx, "app")
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		all, err := a.GetAll(ctx, "app")
		require.NoError(t, err)
		assert.Empty(t, all, "recreated store starts empty")
	})
}

func TestDeleteStore_Blocked(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, h *kvstore.Host) {
		ctx := context.Background()
		conn, err := a.Open(ctx, "app")
		require.NoError(t, err)

		_, err = a.DeleteStore(ctx, "app")
		assert.ErrorIs(t, err, ErrBlocked)
		assert.ErrorIs(t, err, kvstore.ErrBlocked)
		assert.NotErrorIs(t, err, ErrDelete)

		require.NoError(t, conn.Close())
		_, err = a.DeleteStore(ctx, "app")
		require.NoError(t, err)
	})
}

func TestListStoreNames(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		for _, name := range []string{"b", "a", ""} {
			require.NoError(t, a.Insert(ctx, name, "k", 1))
		}

		names, err := a.ListStoreNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", constant.DefaultStoreName}, names)
	})
}

func TestQueryBy(t *testing.T) {
	forEachHost(t, func(t *testing.T, a *Accessor, _ *kvstore.Host) {
		ctx := context.Background()
		users := map[string]user{
			"u1": {Name: "ada", Role: "admin", Age: 36, Active: true},
			"u2": {Name: "bob", Role: "user", Age: 25, Active: true},
			"u3": {Name: "cy", Role: "admin", Age: 25, Active: false},
		}
		for k, u := range users {
			require.NoError(t, a.Insert(ctx, "users", k, u))
		}
		require.NoError(t, a.Insert(ctx, "users", "scalar", "not an object"))

		tests := []struct {
			name string
			cond Condition
			want []string
		}{
			{name: "single field", cond: Condition{"role": "admin"}, want: []string{"ada", "cy"}},
			{name: "int matches stored number", cond: Condition{"age": 25}, want: []string{"bob", "cy"}},
			{name: "all fields must match", cond: Condition{"role": "admin", "age": 25}, want: []string{"cy"}},
			{name: "bool", cond: Condition{"active": false}, want: []string{"cy"}},
			{name: "no match", cond: Condition{"role": "guest"}, want: []string{}},
			{name: "missing field", cond: Condition{"email": "x"}, want: []string{}},
			{name: "type mismatch", cond: Condition{"age": "25"}, want: []string{}},
			{name: "objects never match", cond: Condition{"name": map[string]any{}}, want: []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := QueryByAs[user](ctx, a, "users", tt.cond)
				require.NoError(t, err)
				names := make([]string, 0, len(got))
				for _, u := range got {
					names = append(names, u.Name)
				}
				assert.Equal(t, tt.want, names)
			})
		}

		t.Run("empty condition returns everything", func(t *testing.T) {
			all, err := a.QueryBy(ctx, "users", Condition{})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			all, err = a.QueryBy(ctx, "users", nil)
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	})
}

func TestQueryBy_BadCondition(t *testing.T) {
	a, _ := newBoltAccessor(t)

	_, err := a.QueryBy(context.Background(), "users", Condition{"f": make(chan int)})
	assert.ErrorIs(t, err, ErrQuery)
}

func TestStrictEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{nil, nil, true},
		{"x", "x", true},
		{1.0, 1.0, true},
		{true, true, true},
		{1.0, "1", false},
		{false, nil, false},
		{map[string]any{}, map[string]any{}, false},
		{[]any{}, []any{}, false},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, tt.want, strictEqual(tt.a, tt.b))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Op: "update", Store: "app", Key: "k", Kind: ErrNotFound}
	assert.Equal(t, "idb: update app/k: key not found", err.Error())

	cause := errors.New("disk full")
	err = &Error{Op: "insert", Store: "app", Key: "k", Err: cause}
	assert.Equal(t, "idb: insert app/k: disk full", err.Error())
	assert.ErrorIs(t, err, cause)

	err = &Error{Op: "list-stores", Kind: ErrUnsupported, Err: kvstore.ErrUnsupported}
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, err, kvstore.ErrUnsupported)
}
