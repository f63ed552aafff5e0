// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"sort"
	"sync"
	"time"

	"decred.org/coinjoin/cj"
	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get for a missing key.
const ErrNotFound = cj.ErrorKind("key not found")

// KeyValueDB is a minimal key-value store.
type KeyValueDB interface {
	Store(k []byte, v encoding.BinaryMarshaler) error
	Get(k []byte) ([]byte, error)
	// ForEach calls f for every key with the prefix, in key order.
	ForEach(prefix []byte, f func(k, v []byte) error) error
	Delete(k []byte) error
	DeletePrefix(prefix []byte) (int, error)
	Run(context.Context)
	Close() error
}

type kvDB struct {
	*badger.DB
	log cj.Logger
}

// NewFileDB opens or creates a badger database in the directory.
func NewFileDB(dir string, log cj.Logger) (KeyValueDB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLoggerWrapper{log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &kvDB{db, log}, nil
}

// Run starts the garbage collection loop.
func (d *kvDB) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := d.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.log.Errorf("garbage collection error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close the database.
func (d *kvDB) Close() error {
	return d.DB.Close()
}

// update retries the transaction on badger.ErrConflict, which badger can
// return when a read and a write happen concurrently.
func (d *kvDB) update(f func(txn *badger.Txn) error) (err error) {
	const maxRetries = 10
	sleepTime := 5 * time.Millisecond
	for i := 0; i < maxRetries; i++ {
		if err = d.DB.Update(f); err == nil || !errors.Is(err, badger.ErrConflict) {
			return err
		}
		sleepTime *= 2
		time.Sleep(sleepTime)
	}
	return err
}

func (d *kvDB) Get(k []byte) ([]byte, error) {
	var v []byte
	err := d.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return v, err
}

func (d *kvDB) ForEach(prefix []byte, f func(k, v []byte) error) error {
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			err := item.Value(func(v []byte) error {
				return f(k, v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *kvDB) Delete(k []byte) error {
	return d.update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (d *kvDB) DeletePrefix(prefix []byte) (n int, err error) {
	var keys [][]byte
	err = d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	return len(keys), d.update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *kvDB) Store(k []byte, thing encoding.BinaryMarshaler) error {
	b, err := thing.MarshalBinary()
	if err != nil {
		return err
	}
	return d.update(func(txn *badger.Txn) error {
		return txn.Set(k, b)
	})
}

// badgerLoggerWrapper wraps cj.Logger and translates Warnf to Warningf to
// satisfy badger.Logger. It also lowers the log level of Infof to Debugf
// and Debugf to Tracef.
type badgerLoggerWrapper struct {
	cj.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Debugf -> cj.Logger.Tracef
func (log *badgerLoggerWrapper) Debugf(s string, a ...any) {
	log.Tracef(s, a...)
}

// Infof -> cj.Logger.Debugf
func (log *badgerLoggerWrapper) Infof(s string, a ...any) {
	log.Debugf(s, a...)
}

// Warningf -> cj.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}

type memoryDB struct {
	mtx sync.RWMutex
	m   map[string][]byte
}

// NewMemoryDB is a KeyValueDB that is not persisted.
func NewMemoryDB() KeyValueDB {
	return &memoryDB{m: make(map[string][]byte)}
}

func (m *memoryDB) Store(k []byte, v encoding.BinaryMarshaler) error {
	b, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	m.mtx.Lock()
	m.m[string(k)] = b
	m.mtx.Unlock()
	return nil
}

func (m *memoryDB) Get(k []byte) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	v, found := m.m[string(k)]
	if !found {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memoryDB) Close() error {
	return nil
}

func (m *memoryDB) ForEach(prefix []byte, f func(k, v []byte) error) error {
	m.mtx.RLock()
	keys := make([]string, 0, len(m.m))
	for k := range m.m {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = m.m[k]
	}
	m.mtx.RUnlock()
	for i, k := range keys {
		if err := f([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryDB) Run(context.Context) {}

func (m *memoryDB) Delete(k []byte) error {
	m.mtx.Lock()
	delete(m.m, string(k))
	m.mtx.Unlock()
	return nil
}

func (m *memoryDB) DeletePrefix(prefix []byte) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var n int
	for k := range m.m {
		if bytes.HasPrefix([]byte(k), prefix) {
			delete(m.m, k)
			n++
		}
	}
	return n, nil
}
