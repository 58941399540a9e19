package kvstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/fystack/idbkv/pkg/common/pathutil"
	"github.com/fystack/idbkv/pkg/logger"
)

// UpgradeFunc runs when a store is opened at a higher version than the one
// it was stored with. It is the only place tables may be created.
type UpgradeFunc func(u *Upgrade, oldVersion, newVersion uint64) error

// Upgrade gives an UpgradeFunc access to the store schema.
type Upgrade struct {
	engine Engine
}

func (u *Upgrade) ObjectStoreNames() ([]string, error) {
	return sortedTables(u.engine)
}

func (u *Upgrade) HasObjectStore(table string) (bool, error) {
	names, err := u.engine.TableNames()
	if err != nil {
		return false, err
	}
	return slices.Contains(names, table), nil
}

func (u *Upgrade) CreateObjectStore(table string) error {
	return u.engine.CreateTable(table)
}

type entry struct {
	// closed once the engine is open or failed to open; engine and err are
	// read-only after that
	ready  chan struct{}
	engine Engine
	err    error

	refs      int
	exclusive bool
	// serializes version checks and upgrades of one store
	upgradeMu sync.Mutex
}

// Host owns the named stores of one driver and shares a single engine per
// store between all open connections.
type Host struct {
	driver Driver

	mu     sync.Mutex
	open   map[string]*entry
	closed bool
}

func NewHost(driver Driver) *Host {
	return &Host{
		driver: driver,
		open:   make(map[string]*entry),
	}
}

func (h *Host) DriverName() string {
	return h.driver.Name()
}

// Open opens name at version, creating the store if needed. When the stored
// version is lower, upgrade runs before the version is bumped.
func (h *Host) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: version must be positive", ErrVersion)
	}

	conn, err := h.acquire(name, true)
	if err != nil {
		return nil, err
	}

	if err := h.upgrade(conn, version, upgrade); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (h *Host) upgrade(conn *Conn, version uint64, upgrade UpgradeFunc) error {
	conn.entry.upgradeMu.Lock()
	defer conn.entry.upgradeMu.Unlock()

	current, err := conn.entry.engine.Version()
	if err != nil {
		return fmt.Errorf("read version of %s: %w", conn.name, err)
	}
	if current > version {
		return fmt.Errorf("%w: %s is at version %d, requested %d", ErrVersion, conn.name, current, version)
	}
	if current == version {
		return nil
	}

	if upgrade != nil {
		if err := upgrade(&Upgrade{engine: conn.entry.engine}, current, version); err != nil {
			return fmt.Errorf("upgrade %s from %d to %d: %w", conn.name, current, version, err)
		}
	}
	if err := conn.entry.engine.SetVersion(version); err != nil {
		return fmt.Errorf("set version of %s: %w", conn.name, err)
	}

	logger.Info("Upgraded store", "store", conn.name, "driver", h.driver.Name(), "from", current, "to", version)
	return nil
}

// OpenExisting opens name at whatever version it has, without creating it.
// It returns ErrStoreNotExist for a store that was never created.
func (h *Host) OpenExisting(ctx context.Context, name string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.acquire(name, false)
}

func (h *Host) acquire(name string, create bool) (*Conn, error) {
	return h.acquireMode(name, create, false)
}

// acquireExclusive opens name only when no other connection holds it, and
// keeps new connections out with ErrBlocked until the returned one is closed.
func (h *Host) acquireExclusive(name string, create bool) (*Conn, error) {
	return h.acquireMode(name, create, true)
}

// acquireMode holds h.mu only around the connection table. The driver opens
// the engine outside the lock, so a store waiting on a file lock does not
// stall the others; concurrent callers for the same name wait on entry.ready.
func (h *Host) acquireMode(name string, create, exclusive bool) (*Conn, error) {
	if err := pathutil.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHostClosed
		}

		if e, ok := h.open[name]; ok {
			if exclusive || e.exclusive {
				refs := e.refs
				h.mu.Unlock()
				return nil, fmt.Errorf("%w: %s has %d open connection(s)", ErrBlocked, name, refs)
			}
			e.refs++
			h.mu.Unlock()

			<-e.ready
			if e.err != nil {
				// the opener may have used create=false
				if create && errors.Is(e.err, ErrStoreNotExist) {
					continue
				}
				return nil, e.err
			}
			return h.newConn(name, e, false), nil
		}

		e := &entry{ready: make(chan struct{}), refs: 1, exclusive: exclusive}
		h.open[name] = e
		h.mu.Unlock()

		engine, err := h.driver.OpenEngine(name, create)

		h.mu.Lock()
		if err == nil && h.closed {
			engine.Close()
			err = ErrHostClosed
		}
		if err != nil {
			e.err = err
			if h.open[name] == e {
				delete(h.open, name)
			}
		} else {
			e.engine = engine
		}
		close(e.ready)
		h.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return h.newConn(name, e, exclusive), nil
	}
}

func (h *Host) newConn(name string, e *entry, exclusive bool) *Conn {
	logger.Debug("Opened connection", "store", name, "driver", h.driver.Name(), "exclusive", exclusive)
	return &Conn{host: h, name: name, entry: e, exclusive: exclusive}
}

func (h *Host) release(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := c.entry
	e.refs--
	if c.exclusive {
		e.exclusive = false
	}
	logger.Debug("Closed connection", "store", c.name, "driver", h.driver.Name(), "refs", e.refs)
	if e.refs > 0 || h.open[c.name] != e {
		return nil
	}

	delete(h.open, c.name)
	return e.engine.Close()
}

// Delete removes the store. It fails with ErrBlocked while any connection to
// the store is still open. Deleting a store that does not exist succeeds.
func (h *Host) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pathutil.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHostClosed
	}
	if e, ok := h.open[name]; ok && e.refs > 0 {
		logger.Warn("Store deletion blocked", "store", name, "open_connections", e.refs)
		return fmt.Errorf("%w: %s has %d open connection(s)", ErrBlocked, name, e.refs)
	}

	if err := h.driver.Remove(name); err != nil {
		return err
	}
	logger.Info("Deleted store", "store", name, "driver", h.driver.Name())
	return nil
}

// DatabaseNames lists the stores known to the driver, sorted.
func (h *Host) DatabaseNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lister, ok := h.driver.(DatabaseLister)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot enumerate stores", ErrUnsupported, h.driver.Name())
	}
	names, err := lister.DatabaseNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// OpenConnections reports how many connections to name are open.
func (h *Host) OpenConnections(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.open[name]; ok {
		return e.refs
	}
	return 0
}

// Close closes every engine regardless of open connections.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	for name, e := range h.open {
		delete(h.open, name)
		if e.engine == nil {
			// still opening; the opener sees h.closed and closes it
			continue
		}
		if err := e.engine.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	return firstErr
}

// Conn is one open connection to a store.
type Conn struct {
	host      *Host
	name      string
	entry     *entry
	exclusive bool

	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) Version() (uint64, error) {
	if c.isClosed() {
		return 0, ErrConnClosed
	}
	return c.entry.engine.Version()
}

func (c *Conn) ObjectStoreNames() ([]string, error) {
	if c.isClosed() {
		return nil, ErrConnClosed
	}
	return sortedTables(c.entry.engine)
}

func (c *Conn) HasObjectStore(table string) (bool, error) {
	names, err := c.ObjectStoreNames()
	if err != nil {
		return false, err
	}
	return slices.Contains(names, table), nil
}

func (c *Conn) View(table string, fn func(Txn) error) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.entry.engine.View(table, fn)
}

func (c *Conn) Update(table string, fn func(Txn) error) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.entry.engine.Update(table, fn)
}

// Clear removes every record of table. Engines implementing TableClearer
// clear in as many transactions as they need; the others use one Update.
func (c *Conn) Clear(table string) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	if tc, ok := c.entry.engine.(TableClearer); ok {
		return tc.ClearTable(table)
	}
	return c.entry.engine.Update(table, func(txn Txn) error {
		return txn.Clear()
	})
}

// Close releases the connection. The engine is closed with the last connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.host.release(c)
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func sortedTables(e Engine) ([]string, error) {
	names, err := e.TableNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
