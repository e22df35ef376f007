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

// Package pebblestore implements storage.Store on a local Pebble database.
package pebblestore

import (
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
)

// Store is a storage.Store backed by Pebble.
//
// Pebble has no read-write transactions, so Update holds a mutex across its read and its batch commit.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates a database in dir.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	return &Store{db: db}, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	return s.get([]byte(key))
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return daperrors.Storage(s.db.Set([]byte(key), value, pebble.Sync))
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return daperrors.Storage(s.db.Delete([]byte(key), pebble.Sync))
}

func (s *Store) Update(_ context.Context, keys []string, fn storage.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string][]byte)
	for _, k := range keys {
		v, err := s.get([]byte(k))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		values[k] = v
	}
	writes, err := fn(values)
	if err != nil {
		return err
	}
	if err := storage.CheckWrites(keys, writes); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for k, v := range writes {
		if v == nil {
			err = batch.Delete([]byte(k), nil)
		} else {
			err = batch.Set([]byte(k), v, nil)
		}
		if err != nil {
			return daperrors.Storage(err)
		}
	}
	return daperrors.Storage(batch.Commit(pebble.Sync))
}

func (s *Store) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: storage.PrefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return daperrors.Storage(err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return daperrors.Storage(err)
		}
		if err := fn(string(iter.Key()), append([]byte(nil), value...)); err != nil {
			return err
		}
	}
	return daperrors.Storage(iter.Error())
}

func (s *Store) Close() error {
	return daperrors.Storage(s.db.Close())
}
