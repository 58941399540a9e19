package idb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// Condition maps field names to the value each field must hold. Values are
// compared after a JSON round trip, so Go ints match stored numbers.
type Condition map[string]any

// QueryBy scans the whole store and returns the values whose fields equal
// every entry of cond. Only strings, numbers, booleans and null can match;
// object and array condition values never do. An empty cond returns all values.
func (a *Accessor) QueryBy(ctx context.Context, name string, cond Condition) ([]json.RawMessage, error) {
	name = a.storeName(name)

	want, err := normalizeCondition(cond)
	if err != nil {
		return nil, &Error{Op: "query", Store: name, Kind: ErrQuery, Err: err}
	}

	records, err := a.scan(ctx, "query", name)
	if err != nil {
		return nil, err
	}

	var decodeErr error
	matched := lo.Filter(records, func(r record, _ int) bool {
		if decodeErr != nil {
			return false
		}
		var value any
		if err := json.Unmarshal(r.Value, &value); err != nil {
			decodeErr = fmt.Errorf("decode value of %q: %w", r.Key, err)
			return false
		}
		return matches(value, want)
	})
	if decodeErr != nil {
		return nil, &Error{Op: "query", Store: name, Kind: ErrQuery, Err: decodeErr}
	}

	return lo.Map(matched, func(r record, _ int) json.RawMessage {
		return r.Value
	}), nil
}

func normalizeCondition(cond Condition) (map[string]any, error) {
	if len(cond) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("encode condition: %w", err)
	}
	var want map[string]any
	if err := json.Unmarshal(raw, &want); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return want, nil
}

func matches(value any, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return false
	}
	for field, expected := range want {
		got, ok := obj[field]
		if !ok || !strictEqual(got, expected) {
			return false
		}
	}
	return true
}

// strictEqual compares decoded JSON values the way === compares them:
// scalars by value, objects and arrays never.
func strictEqual(a, b any) bool {
	switch a.(type) {
	case nil, bool, float64, string:
		return a == b
	default:
		return false
	}
}
