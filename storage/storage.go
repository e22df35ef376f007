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

// Package storage defines the key-value interface the aggregator persists its state through.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oliy/daphne/shared/daperrors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = daperrors.ErrNotFound

// UpdateFunc receives the current values of the keys passed to Update; missing keys are absent from the map.
// It returns the values to write. A nil value deletes the key, and keys not in the returned map are left unchanged.
type UpdateFunc func(values map[string][]byte) (map[string][]byte, error)

// Store is a durable key-value store.
//
// Update is atomic over all of its keys: concurrent Updates touching a common key are linearizable,
// and if fn returns an error nothing is written. Backend failures wrap daperrors.ErrStorage.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, keys []string, fn UpdateFunc) error
	// Scan calls fn for every key with the prefix in lexicographic order.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Key joins key parts with "/".
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

// CheckWrites returns an error if fn tried to write a key that was not declared to Update.
func CheckWrites(keys []string, writes map[string][]byte) error {
	declared := make(map[string]bool, len(keys))
	for _, k := range keys {
		declared[k] = true
	}
	for k := range writes {
		if !declared[k] {
			return fmt.Errorf("update writes undeclared key %q", k)
		}
	}
	return nil
}

// PrefixUpperBound returns the smallest key greater than every key with the prefix, or nil if there is none.
func PrefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

// MemoryStore is a Store held in memory, for tests and single-process deployments.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, keys []string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			values[k] = append([]byte(nil), v...)
		}
	}
	writes, err := fn(values)
	if err != nil {
		return err
	}
	if err := CheckWrites(keys, writes); err != nil {
		return err
	}
	for k, v := range writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemoryStore) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.Unlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
