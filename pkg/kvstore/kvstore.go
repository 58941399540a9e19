package kvstore

import "errors"

var (
	ErrStoreNotExist            = errors.New("store does not exist")
	ErrTableNotFound            = errors.New("table not found")
	ErrBlocked                  = errors.New("store is in use by another connection")
	ErrVersion                  = errors.New("requested version is lower than the stored version")
	ErrUnsupported              = errors.New("operation not supported by driver")
	ErrInvalidName              = errors.New("invalid store name")
	ErrEncryptionKeyNotProvided = errors.New("encryption key not provided")
	ErrHostClosed               = errors.New("host is closed")
	ErrConnClosed               = errors.New("connection is closed")
)

// Driver creates, opens and removes the storage behind named stores.
type Driver interface {
	// Name identifies the driver in logs, e.g. "badger".
	Name() string

	// OpenEngine opens the storage for name. When create is false and the
	// store has never been created, it returns ErrStoreNotExist.
	OpenEngine(name string, create bool) (Engine, error)

	// Remove deletes all storage for name. Removing an unknown store is not an error.
	Remove(name string) error
}

// DatabaseLister is implemented by drivers able to enumerate their stores.
type DatabaseLister interface {
	DatabaseNames() ([]string, error)
}

// Engine is one open store.
type Engine interface {
	// Version returns the schema version, 0 for a store that was never versioned.
	Version() (uint64, error)
	SetVersion(version uint64) error

	TableNames() ([]string, error)
	CreateTable(table string) error

	// View runs fn in a read-only transaction on table.
	View(table string, fn func(Txn) error) error
	// Update runs fn in a read-write transaction on table. Nothing is
	// written if fn returns an error.
	Update(table string, fn func(Txn) error) error

	Close() error
}

// TableClearer is implemented by engines that clear a table outside a
// single transaction. Conn.Clear prefers it over Txn.Clear.
type TableClearer interface {
	ClearTable(table string) error
}

// Txn is a transaction scoped to a single table.
type Txn interface {
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Clear removes every key of the table, keeping the table itself. The
	// deletes count against the transaction size; see Conn.Clear.
	Clear() error
	// ForEach visits records in ascending key order. Returning an error stops the scan.
	ForEach(fn func(key string, value []byte) error) error
}
