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

// Package storagetest checks that a storage.Store implementation behaves as the aggregator expects.
package storagetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oliy/daphne/storage"
	"golang.org/x/sync/errgroup"
)

// Run exercises a store created by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	for _, tc := range []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"GetPutDelete", testGetPutDelete},
		{"UpdateAbortsOnError", testUpdateAbortsOnError},
		{"UpdateMultipleKeys", testUpdateMultipleKeys},
		{"UpdateRejectsUndeclaredKey", testUpdateRejectsUndeclaredKey},
		{"ConcurrentUpdates", testConcurrentUpdates},
		{"Scan", testScan},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func testGetPutDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "a/b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got error %v for a missing key, want %v", err, storage.ErrNotFound)
	}
	if err := s.Put(ctx, "a/b", []byte("value")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("value"), got); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
	if err := s.Delete(ctx, "a/b"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a/b"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got error %v after delete, want %v", err, storage.ErrNotFound)
	}
}

func testUpdateAbortsOnError(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Put(ctx, "k", []byte("old")); err != nil {
		t.Fatal(err)
	}
	wantErr := errors.New("abort")
	err := s.Update(ctx, []string{"k"}, func(values map[string][]byte) (map[string][]byte, error) {
		return map[string][]byte{"k": []byte("new")}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got error %v, want %v", err, wantErr)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("old"), got); diff != "" {
		t.Errorf("value changed by an aborted update (-want +got):\n%s", diff)
	}
}

func testUpdateMultipleKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Put(ctx, "x", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "gone", []byte("1")); err != nil {
		t.Fatal(err)
	}
	var seen map[string][]byte
	err := s.Update(ctx, []string{"x", "y", "gone"}, func(values map[string][]byte) (map[string][]byte, error) {
		seen = values
		return map[string][]byte{"x": []byte("2"), "y": []byte("3"), "gone": nil}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string][]byte{"x": []byte("1"), "gone": []byte("1")}, seen); diff != "" {
		t.Errorf("values passed to update mismatch (-want +got):\n%s", diff)
	}
	for key, want := range map[string]string{"x": "2", "y": "3"} {
		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("key %q: got %q, want %q", key, got, want)
		}
	}
	if _, err := s.Get(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got error %v for a deleted key, want %v", err, storage.ErrNotFound)
	}
}

func testUpdateRejectsUndeclaredKey(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := s.Update(ctx, []string{"a"}, func(map[string][]byte) (map[string][]byte, error) {
		return map[string][]byte{"a": []byte("1"), "b": []byte("2")}, nil
	})
	if err == nil {
		t.Fatal("expected error writing an undeclared key")
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got error %v, want %v", err, storage.ErrNotFound)
	}
}

func testConcurrentUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const workers, increments = 8, 20
	keys := []string{"counter/a", "counter/b"}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < increments; i++ {
				err := s.Update(ctx, keys, func(values map[string][]byte) (map[string][]byte, error) {
					out := make(map[string][]byte)
					for _, k := range keys {
						var n uint64
						if v, ok := values[k]; ok {
							n = binary.BigEndian.Uint64(v)
						}
						out[k] = binary.BigEndian.AppendUint64(nil, n+1)
					}
					return out, nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		v, err := s.Get(context.Background(), k)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := binary.BigEndian.Uint64(v), uint64(workers*increments); got != want {
			t.Errorf("key %q: got count %d, want %d", k, got, want)
		}
	}
}

func testScan(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, k := range []string{"job/2", "job/1", "jobs/x", "joa", "job/3"} {
		if err := s.Put(ctx, k, []byte("v-"+k)); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	err := s.Scan(ctx, "job/", func(key string, value []byte) error {
		if string(value) != "v-"+key {
			return fmt.Errorf("key %q has value %q", key, value)
		}
		got = append(got, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"job/1", "job/2", "job/3"}, got); diff != "" {
		t.Errorf("scanned keys mismatch (-want +got):\n%s", diff)
	}

	stop := errors.New("stop")
	var n int
	err = s.Scan(ctx, "job/", func(string, []byte) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("got error %v after %d keys, want %v after 1", err, n, stop)
	}
}
