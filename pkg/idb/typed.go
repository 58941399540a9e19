package idb

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetAs is Get decoding the value into T. The zero T and false are returned
// for an absent key.
func GetAs[T any](ctx context.Context, a *Accessor, name, key string) (T, bool, error) {
	var out T
	raw, found, err := a.Get(ctx, name, key)
	if err != nil || !found {
		return out, found, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, &Error{Op: "get", Store: a.storeName(name), Key: key, Err: err}
	}
	return out, true, nil
}

// GetAllAs is GetAll decoding every value into T.
func GetAllAs[T any](ctx context.Context, a *Accessor, name string) ([]T, error) {
	raws, err := a.GetAll(ctx, name)
	if err != nil {
		return nil, err
	}
	return decodeAll[T]("get-all", a.storeName(name), raws)
}

// QueryByAs is QueryBy decoding every matching value into T.
func QueryByAs[T any](ctx context.Context, a *Accessor, name string, cond Condition) ([]T, error) {
	raws, err := a.QueryBy(ctx, name, cond)
	if err != nil {
		return nil, err
	}
	return decodeAll[T]("query", a.storeName(name), raws)
}

func decodeAll[T any](op, store string, raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Op: op, Store: store, Kind: ErrQuery, Err: fmt.Errorf("decode value %d: %w", i, err)}
		}
		out = append(out, v)
	}
	return out, nil
}
