package idb

import (
	"errors"
	"strings"
)

// Error kinds. Match them with errors.Is; the host error that caused the
// failure stays reachable through the same chain.
var (
	ErrOpen        = errors.New("error opening database")
	ErrNotFound    = errors.New("key not found")
	ErrDelete      = errors.New("error deleting database")
	ErrBlocked     = errors.New("database deletion blocked")
	ErrQuery       = errors.New("error querying data")
	ErrUnsupported = errors.New("listing databases not supported by host")
	ErrInvalidKey  = errors.New("invalid key")
)

// Error describes a failed accessor operation.
type Error struct {
	Op    string
	Store string
	Key   string
	// Kind is one of the Err* values above, nil for plain write failures.
	Kind error
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("idb: ")
	b.WriteString(e.Op)
	if e.Store != "" {
		b.WriteString(" ")
		b.WriteString(e.Store)
		if e.Key != "" {
			b.WriteString("/")
			b.WriteString(e.Key)
		}
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
