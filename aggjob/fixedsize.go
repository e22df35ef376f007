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

package aggjob

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/task"
)

type fixedSizeState struct {
	Current  messages.BatchID
	Assigned uint64
	// Batches lists every batch ID in creation order, Current last.
	Batches []messages.BatchID
}

// Assignment is a run of reports placed in one fixed-size batch.
type Assignment struct {
	BatchID messages.BatchID
	Count   int
}

// FixedSizeBatches places the Leader's reports into fixed-size batches.
type FixedSizeBatches struct {
	kv storage.Store
}

// NewFixedSizeBatches returns a batch assigner over kv.
func NewFixedSizeBatches(kv storage.Store) *FixedSizeBatches {
	return &FixedSizeBatches{kv: kv}
}

func fixedSizeKey(taskID messages.TaskID) string {
	return storage.Key("fixedsize", taskID.String())
}

func newBatchID() (messages.BatchID, error) {
	var id messages.BatchID
	_, err := io.ReadFull(rand.Reader, id[:])
	return id, err
}

// capacity is the number of reports assigned to a batch before a new one is started.
func capacity(t *task.Task) uint64 {
	if t.MaxBatchSize != 0 {
		return t.MaxBatchSize
	}
	return t.MinBatchSize
}

func (f *FixedSizeBatches) update(ctx context.Context, t *task.Task, fn func(s *fixedSizeState) error) error {
	key := fixedSizeKey(t.ID)
	err := f.kv.Update(ctx, []string{key}, func(values map[string][]byte) (map[string][]byte, error) {
		s := &fixedSizeState{}
		if b, ok := values[key]; ok {
			if err := utils.UnmarshalCBOR(b, s); err != nil {
				return nil, daperrors.Storage(err)
			}
		}
		if err := fn(s); err != nil {
			return nil, err
		}
		b, err := utils.MarshalCBOR(s)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{key: b}, nil
	})
	return daperrors.Storage(err)
}

// Assign places n reports, starting a new batch whenever the current one is full.
func (f *FixedSizeBatches) Assign(ctx context.Context, t *task.Task, n int) ([]Assignment, error) {
	var out []Assignment
	err := f.update(ctx, t, func(s *fixedSizeState) error {
		out = nil
		limit := capacity(t)
		for remaining := uint64(n); remaining > 0; {
			if len(s.Batches) == 0 || s.Assigned >= limit {
				id, err := newBatchID()
				if err != nil {
					return err
				}
				s.Current, s.Assigned = id, 0
				s.Batches = append(s.Batches, id)
			}
			take := limit - s.Assigned
			if take > remaining {
				take = remaining
			}
			out = append(out, Assignment{BatchID: s.Current, Count: int(take)})
			s.Assigned += take
			remaining -= take
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops assigning reports to a batch. Closing a batch other than the current one is a no-op.
func (f *FixedSizeBatches) Close(ctx context.Context, t *task.Task, id messages.BatchID) error {
	return f.update(ctx, t, func(s *fixedSizeState) error {
		if len(s.Batches) > 0 && s.Current == id {
			s.Assigned = capacity(t)
		}
		return nil
	})
}

// Batches returns the task's batch IDs in creation order.
func (f *FixedSizeBatches) Batches(ctx context.Context, t *task.Task) ([]messages.BatchID, error) {
	b, err := f.kv.Get(ctx, fixedSizeKey(t.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	s := &fixedSizeState{}
	if err := utils.UnmarshalCBOR(b, s); err != nil {
		return nil, daperrors.Storage(fmt.Errorf("decoding fixed-size batches: %v", err))
	}
	return s.Batches, nil
}
