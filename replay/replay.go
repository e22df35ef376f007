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

// Package replay keeps the set of consumed report IDs per task so that no report is aggregated twice.
package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
)

// Result is the outcome of CheckAndMark.
type Result int

// Replay check results.
const (
	Fresh Result = iota
	AlreadySeen
)

func (r Result) String() string {
	if r == Fresh {
		return "fresh"
	}
	return "already_seen"
}

// Guard is a linearizable set of consumed (task, report) pairs. Each entry remembers the
// aggregation job that consumed the report, so a job that is retried after a partial failure finds
// its own marks Fresh while every other job finds them AlreadySeen.
//
// Errors from a Guard never mean Fresh; callers must surface them.
type Guard interface {
	// CheckAndMark atomically marks the report as consumed by owner. It returns AlreadySeen when a
	// different job consumed the report before.
	CheckAndMark(ctx context.Context, taskID messages.TaskID, reportID messages.ReportID, reportTime uint64, owner messages.AggregationJobID) (Result, error)
	// Seen reports whether the report was consumed, without marking it.
	Seen(ctx context.Context, taskID messages.TaskID, reportID messages.ReportID) (bool, error)
	// Collect forgets the task's reports whose time is before cutoff and returns how many were removed.
	Collect(ctx context.Context, taskID messages.TaskID, cutoff uint64) (int, error)
}

type entryKey struct {
	task   messages.TaskID
	report messages.ReportID
}

type entry struct {
	time  uint64
	owner messages.AggregationJobID
}

// MemoryGuard is a Guard held in process memory.
type MemoryGuard struct {
	mu   sync.RWMutex
	seen map[entryKey]entry
}

// NewMemoryGuard returns an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[entryKey]entry)}
}

func (g *MemoryGuard) CheckAndMark(_ context.Context, taskID messages.TaskID, reportID messages.ReportID, reportTime uint64, owner messages.AggregationJobID) (Result, error) {
	k := entryKey{taskID, reportID}

	g.mu.RLock()
	e, exists := g.seen[k]
	g.mu.RUnlock()
	if exists {
		return resultFor(e.owner, owner), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, exists := g.seen[k]; exists {
		return resultFor(e.owner, owner), nil
	}
	g.seen[k] = entry{time: reportTime, owner: owner}
	return Fresh, nil
}

func resultFor(marked, owner messages.AggregationJobID) Result {
	if marked == owner {
		return Fresh
	}
	return AlreadySeen
}

func (g *MemoryGuard) Seen(_ context.Context, taskID messages.TaskID, reportID messages.ReportID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.seen[entryKey{taskID, reportID}]
	return exists, nil
}

func (g *MemoryGuard) Collect(_ context.Context, taskID messages.TaskID, cutoff uint64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int
	for k, e := range g.seen {
		if k.task == taskID && e.time < cutoff {
			delete(g.seen, k)
			n++
		}
	}
	return n, nil
}

const (
	keyPrefix = "replay"
	entryLen  = 8 + len(messages.AggregationJobID{})
)

// StorageGuard is a Guard kept in a storage.Store. Each consumed report is one key holding the
// big-endian report time followed by the ID of the consuming job.
type StorageGuard struct {
	store storage.Store
}

// NewStorageGuard returns a guard over store.
func NewStorageGuard(store storage.Store) *StorageGuard {
	return &StorageGuard{store: store}
}

func taskPrefix(taskID messages.TaskID) string {
	return storage.Key(keyPrefix, taskID.String()) + "/"
}

func reportKey(taskID messages.TaskID, reportID messages.ReportID) string {
	return taskPrefix(taskID) + reportID.String()
}

func (g *StorageGuard) CheckAndMark(ctx context.Context, taskID messages.TaskID, reportID messages.ReportID, reportTime uint64, owner messages.AggregationJobID) (Result, error) {
	key := reportKey(taskID, reportID)
	result := Fresh
	err := g.store.Update(ctx, []string{key}, func(values map[string][]byte) (map[string][]byte, error) {
		if v, ok := values[key]; ok {
			if len(v) != entryLen {
				return nil, fmt.Errorf("malformed replay entry %q", key)
			}
			var marked messages.AggregationJobID
			copy(marked[:], v[8:])
			result = resultFor(marked, owner)
			return nil, nil
		}
		v := binary.BigEndian.AppendUint64(make([]byte, 0, entryLen), reportTime)
		return map[string][]byte{key: append(v, owner[:]...)}, nil
	})
	if err != nil {
		return AlreadySeen, daperrors.Storage(err)
	}
	return result, nil
}

func (g *StorageGuard) Seen(ctx context.Context, taskID messages.TaskID, reportID messages.ReportID) (bool, error) {
	_, err := g.store.Get(ctx, reportKey(taskID, reportID))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, daperrors.Storage(err)
	}
	return true, nil
}

func (g *StorageGuard) Collect(ctx context.Context, taskID messages.TaskID, cutoff uint64) (int, error) {
	var expired []string
	err := g.store.Scan(ctx, taskPrefix(taskID), func(key string, value []byte) error {
		if len(value) != entryLen {
			return fmt.Errorf("malformed replay entry %q", key)
		}
		if binary.BigEndian.Uint64(value[:8]) < cutoff {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, daperrors.Storage(err)
	}
	for _, key := range expired {
		if err := g.store.Delete(ctx, key); err != nil {
			return 0, daperrors.Storage(err)
		}
	}
	return len(expired), nil
}

// RunCollector calls g.Collect every interval for each task returned by cutoffs, until ctx is done.
//
// cutoffs maps a task to the oldest report time that must still be remembered.
func RunCollector(ctx context.Context, g Guard, interval time.Duration, cutoffs func() map[messages.TaskID]uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for taskID, cutoff := range cutoffs() {
				n, err := g.Collect(ctx, taskID, cutoff)
				if err != nil {
					log.Errorf("replay collection for task %v failed: %v", taskID, err)
					continue
				}
				if n > 0 {
					log.V(1).Infof("task=%v removed %d expired replay entries", taskID, n)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
