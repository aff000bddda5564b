package storage

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(Options{InMemory: true, Quiet: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetSetDelete(t *testing.T) {
	eng := openTestEngine(t)
	key := []byte{TableNodes, 0x01}

	err := eng.View(func(txn *badger.Txn) error {
		_, err := GetValue(txn, key)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Update(func(txn *badger.Txn) error {
		return SetValue(txn, key, []byte("payload"))
	}))

	err = eng.View(func(txn *badger.Txn) error {
		val, err := GetValue(txn, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), val)

		ok, err := HasKey(txn, key)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Update(func(txn *badger.Txn) error {
		return DeleteKey(txn, key)
	}))
	err = eng.View(func(txn *badger.Txn) error {
		ok, err := HasKey(txn, key)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestScanPrefixOrderAndEarlyStop(t *testing.T) {
	eng := openTestEngine(t)

	require.NoError(t, eng.Update(func(txn *badger.Txn) error {
		for _, b := range []byte{0x03, 0x01, 0x02} {
			if err := SetValue(txn, []byte{TableEdges, b}, []byte{b}); err != nil {
				return err
			}
		}
		// A row in another table must not leak into the scan.
		return SetValue(txn, []byte{TableNodes, 0x01}, []byte("other"))
	}))

	var seen []byte
	err := eng.View(func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte{TableEdges}, func(key, value []byte) (bool, error) {
			seen = append(seen, key[1])
			return true, nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, seen, "scan must follow key order")

	seen = nil
	err = eng.View(func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte{TableEdges}, func(key, value []byte) (bool, error) {
			seen = append(seen, key[1])
			return false, nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestNonBlockingWriterFailsBusy(t *testing.T) {
	eng, err := Open(Options{InMemory: true, Quiet: true, NonBlocking: true})
	require.NoError(t, err)
	defer eng.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- eng.Update(func(txn *badger.Txn) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	err = eng.Update(func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, ErrWriteBusy)

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first writer never finished")
	}

	assert.NoError(t, eng.Update(func(txn *badger.Txn) error { return nil }))
}

func TestClosedEngineRejectsOps(t *testing.T) {
	eng, err := Open(Options{InMemory: true, Quiet: true})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	assert.ErrorIs(t, eng.View(func(txn *badger.Txn) error { return nil }), ErrClosed)
	assert.ErrorIs(t, eng.Update(func(txn *badger.Txn) error { return nil }), ErrClosed)
	assert.NoError(t, eng.Close(), "double close is a no-op")
}

func TestUpdateAbortsAtomically(t *testing.T) {
	eng := openTestEngine(t)
	key := []byte{TableNodes, 0xAA}

	err := eng.Update(func(txn *badger.Txn) error {
		if err := SetValue(txn, key, []byte("x")); err != nil {
			return err
		}
		return ErrInvalidArgument
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = eng.View(func(txn *badger.Txn) error {
		ok, err := HasKey(txn, key)
		require.NoError(t, err)
		assert.False(t, ok, "aborted write must leave no trace")
		return nil
	})
	require.NoError(t, err)
}
