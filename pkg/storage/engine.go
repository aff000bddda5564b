// Package storage provides the storage kernel for helixgraph.
//
// The kernel is a thin layer over BadgerDB that gives the engines above it
// a fixed set of binary-keyed tables (see keys.go), snapshot-isolated read
// transactions, and a single-writer discipline for write transactions.
//
// Concurrency model:
//   - Reads run in parallel against immutable MVCC snapshots fixed at
//     transaction begin.
//   - Writes are serialized by an engine-level writer lock. In blocking
//     mode a second writer waits; in non-blocking mode it fails fast with
//     ErrWriteBusy. Either way contention never corrupts state.
//
// Lifetime discipline: the engine must outlive every transaction, and a
// transaction must outlive any key or value slice borrowed from it.
// Iterators obtained from a transaction must not escape it.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Options configures the storage engine.
type Options struct {
	// Dir is the root path for the store. Required unless InMemory is set.
	Dir string

	// MaxSize sets the size of each Badger value-log file in bytes; it does
	// not cap the total size of the store. Zero uses the Badger default.
	MaxSize int64

	// InMemory runs the store without touching disk. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each commit. Slower but durable.
	SyncWrites bool

	// NonBlocking makes a second concurrent writer fail with ErrWriteBusy
	// instead of waiting for the writer lock.
	NonBlocking bool

	// Quiet suppresses Badger's internal logging.
	Quiet bool
}

// Engine is the storage kernel: a handle on the underlying store plus the
// writer lock that enforces the single-writer contract.
type Engine struct {
	db          *badger.DB
	writerMu    sync.Mutex
	nonBlocking bool

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a store at opts.Dir.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, fmt.Errorf("%w: storage dir required", ErrInvalidArgument)
	}

	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites)
	if opts.MaxSize > 0 {
		bopts = bopts.WithValueLogFileSize(opts.MaxSize)
	}
	if opts.Quiet {
		bopts = bopts.WithLogger(quietLogger{})
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorageFault, err)
	}

	return &Engine{db: db, nonBlocking: opts.NonBlocking}, nil
}

// Close releases the store. Outstanding transactions must be finished
// before Close is called.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorageFault, err)
	}
	return nil
}

// View runs fn inside a read transaction against a consistent snapshot.
func (e *Engine) View(fn func(txn *badger.Txn) error) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	e.mu.RUnlock()

	err := e.db.View(fn)
	return wrapTxnErr(err)
}

// Update runs fn inside the single write transaction. All writes in fn
// commit atomically in program order; on error the transaction aborts
// entirely.
func (e *Engine) Update(fn func(txn *badger.Txn) error) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	e.mu.RUnlock()

	if e.nonBlocking {
		if !e.writerMu.TryLock() {
			return ErrWriteBusy
		}
	} else {
		e.writerMu.Lock()
	}
	defer e.writerMu.Unlock()

	err := e.db.Update(fn)
	return wrapTxnErr(err)
}

// RunValueLogGC triggers one round of value-log garbage collection, which
// reclaims space held by deleted or overwritten values. This is the offline
// compaction entry point used by the CLI. Tombstoned vectors are live
// vector_meta records with a flag set, so it does not remove them.
func (e *Engine) RunValueLogGC(discardRatio float64) error {
	err := e.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: gc: %v", ErrStorageFault, err)
	}
	return nil
}

// DropAll removes every key in the store. Test and tooling use only.
func (e *Engine) DropAll() error {
	if err := e.db.DropAll(); err != nil {
		return fmt.Errorf("%w: drop: %v", ErrStorageFault, err)
	}
	return nil
}

// GetValue reads the value under key within txn. Returns ErrNotFound when
// the key is absent. The returned slice is a copy and safe to retain past
// the transaction.
func GetValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrStorageFault, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrStorageFault, err)
	}
	return val, nil
}

// SetValue writes key to value within txn.
func SetValue(txn *badger.Txn, key, value []byte) error {
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("%w: set: %v", ErrStorageFault, err)
	}
	return nil
}

// DeleteKey removes key within txn. Deleting an absent key is not an error.
func DeleteKey(txn *badger.Txn, key []byte) error {
	if err := txn.Delete(key); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorageFault, err)
	}
	return nil
}

// HasKey reports whether key exists within txn.
func HasKey(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get: %v", ErrStorageFault, err)
	}
	return true, nil
}

// ScanPrefix iterates every (key, value) pair under prefix in key order,
// invoking fn for each. fn returning false stops the scan early. Key and
// value slices passed to fn are only valid for the duration of the call.
func ScanPrefix(txn *badger.Txn, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		err := item.Value(func(val []byte) error {
			cont, ferr := fn(key, val)
			if ferr != nil {
				return ferr
			}
			if !cont {
				return errStopScan
			}
			return nil
		})
		if errors.Is(err, errStopScan) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ScanKeys is ScanPrefix without value materialization, for key-only tables
// such as the adjacency indexes.
func ScanKeys(txn *badger.Txn, prefix []byte, fn func(key []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		cont, err := fn(it.Item().Key())
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

var errStopScan = errors.New("stop scan")

func wrapTxnErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isDomainErr(err):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStorageFault, err)
	}
}

func isDomainErr(err error) bool {
	for _, sentinel := range []error{
		ErrNotFound, ErrDuplicateUnique, ErrMissingEndpoint,
		ErrInvalidArgument, ErrStorageFault, ErrWriteBusy,
		ErrCancelled, ErrClosed,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// quietLogger drops Badger's internal chatter. Warnings and errors still
// reach the process log.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { log.Printf("badger: "+f, v...) }
func (quietLogger) Warningf(f string, v ...interface{}) { log.Printf("badger: "+f, v...) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}
