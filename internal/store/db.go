package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database backing the local cache. Reads may run
// concurrently; writes are serialized through Write and announced to commit
// hooks after they land.
type DB struct {
	*sql.DB
	Reader

	writeMu sync.Mutex

	hooksMu  sync.RWMutex
	hooks    map[int]CommitHook
	nextHook int

	dispatch *dispatcher
}

// CommitHook receives the changes of one committed write transaction.
type CommitHook func(changes []Change)

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &DB{
		DB:     db,
		Reader: Reader{q: db},
		hooks:  make(map[int]CommitHook),
	}
	s.dispatch = newDispatcher(s.deliver)
	return s, nil
}

// Close stops change delivery and closes the database.
func (db *DB) Close() error {
	db.dispatch.stop()
	return db.DB.Close()
}

// Write runs fn inside a single write transaction. Writers are serialized;
// the recorded changes are delivered to commit hooks only if the transaction
// commits, and never while the writer lock is held.
func (db *DB) Write(ctx context.Context, fn func(tx *Tx) error) error {
	db.writeMu.Lock()
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.writeMu.Unlock()
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{Reader: Reader{q: sqlTx}, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		db.writeMu.Unlock()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		db.writeMu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	if len(tx.changes) > 0 {
		// Enqueued under the writer lock so batches keep commit order.
		db.dispatch.enqueue(tx.changes)
	}
	db.writeMu.Unlock()
	return nil
}

// OnCommit registers a hook for committed changes. Hooks run one at a time on
// the store's dispatcher goroutine and must not block on remote work.
func (db *DB) OnCommit(hook CommitHook) (unregister func()) {
	db.hooksMu.Lock()
	id := db.nextHook
	db.nextHook++
	db.hooks[id] = hook
	db.hooksMu.Unlock()

	return func() {
		db.hooksMu.Lock()
		delete(db.hooks, id)
		db.hooksMu.Unlock()
	}
}

func (db *DB) deliver(changes []Change) {
	db.hooksMu.RLock()
	hooks := make([]CommitHook, 0, len(db.hooks))
	for _, h := range db.hooks {
		hooks = append(hooks, h)
	}
	db.hooksMu.RUnlock()
	for _, h := range hooks {
		h(changes)
	}
}

// dispatcher delivers change batches in order on a single goroutine.
type dispatcher struct {
	mu      sync.Mutex
	pending [][]Change
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	deliver func([]Change)
}

func newDispatcher(deliver func([]Change)) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(batch []Change) {
	d.mu.Lock()
	d.pending = append(d.pending, batch)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			batch := d.pending[0]
			d.pending = d.pending[1:]
			d.mu.Unlock()
			d.deliver(batch)
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}
