// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package badgerstore implements storage.Store on a local Badger database.
package badgerstore

import (
	"context"
	"errors"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	log "github.com/golang/glog"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
)

// maxConflictRetries bounds the retries of an Update that lost an optimistic transaction race.
const maxConflictRetries = 64

// Options configures the value log garbage collection of a Store.
type Options struct {
	// GCInterval is the time between GC cycles. Zero disables GC.
	GCInterval time.Duration
	// GCDiscardRatio is passed to badger.DB.RunValueLogGC.
	GCDiscardRatio float64
	// InMemory keeps all data in memory, for tests.
	InMemory bool
}

// DefaultOptions are used when Open is given nil options.
var DefaultOptions = Options{
	GCInterval:     15 * time.Minute,
	GCDiscardRatio: 0.5,
}

type glogLogger struct{}

func (glogLogger) Errorf(format string, args ...interface{})   { log.Errorf(format, args...) }
func (glogLogger) Warningf(format string, args ...interface{}) { log.Warningf(format, args...) }
func (glogLogger) Infof(format string, args ...interface{})    { log.V(1).Infof(format, args...) }
func (glogLogger) Debugf(format string, args ...interface{})   { log.V(3).Infof(format, args...) }

// Store is a storage.Store backed by Badger.
type Store struct {
	db             *badger.DB
	gcDiscardRatio float64
	closing        chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates a database in dir.
func Open(dir string, options *Options) (*Store, error) {
	if options == nil {
		options = &DefaultOptions
	}
	opt := badger.DefaultOptions(dir).WithLogger(glogLogger{}).WithSyncWrites(true)
	if options.InMemory {
		opt = badger.DefaultOptions("").WithLogger(glogLogger{}).WithInMemory(true)
	}
	db, err := badger.Open(opt)
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	s := &Store{db: db, gcDiscardRatio: options.GCDiscardRatio, closing: make(chan struct{})}
	if options.GCInterval > 0 && !options.InMemory {
		s.wg.Add(1)
		go s.periodicGC(options.GCInterval)
	}
	return s, nil
}

func (s *Store) periodicGC(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(s.gcDiscardRatio)
				if err == nil {
					continue
				}
				if err != badger.ErrNoRewrite && err != badger.ErrRejected {
					log.Errorf("badger value log GC failed: %v", err)
				}
				break
			}
		case <-s.closing:
			return
		}
	}
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	v, err := item.ValueCopy(nil)
	return v, daperrors.Storage(err)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		value, err = getValue(txn, key)
		return err
	})
	return value, err
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	return daperrors.Storage(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}))
}

func (s *Store) Delete(_ context.Context, key string) error {
	return daperrors.Storage(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}))
}

// errAborted marks errors returned by an UpdateFunc so that they pass through unwrapped.
type errAborted struct{ err error }

func (e errAborted) Error() string { return e.err.Error() }

func (s *Store) Update(ctx context.Context, keys []string, fn storage.UpdateFunc) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			values := make(map[string][]byte)
			for _, k := range keys {
				v, err := getValue(txn, k)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				values[k] = v
			}
			writes, err := fn(values)
			if err == nil {
				err = storage.CheckWrites(keys, writes)
			}
			if err != nil {
				return errAborted{err}
			}
			for k, v := range writes {
				if v == nil {
					err = txn.Delete([]byte(k))
				} else {
					err = txn.Set([]byte(k), v)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		var aborted errAborted
		switch {
		case err == nil:
			return nil
		case errors.As(err, &aborted):
			return aborted.err
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			if ctx.Err() != nil {
				return daperrors.Storage(ctx.Err())
			}
			log.V(2).Infof("badger update of %d keys conflicted, retrying", len(keys))
			continue
		default:
			return daperrors.Storage(err)
		}
	}
}

func (s *Store) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	var aborted errAborted
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return errAborted{err}
			}
		}
		return nil
	})
	if errors.As(err, &aborted) {
		return aborted.err
	}
	return daperrors.Storage(err)
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return daperrors.Storage(s.db.Close())
}
