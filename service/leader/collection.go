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

package leader

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/storage"
)

// CollectionState is the progress of a collection job.
type CollectionState int

// Collection job states.
const (
	CollectionPending CollectionState = iota
	CollectionDone
	CollectionFailed
)

func (s CollectionState) String() string {
	switch s {
	case CollectionPending:
		return "pending"
	case CollectionDone:
		return "done"
	case CollectionFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CollectionJob is a Collector's request for the aggregate of one batch.
type CollectionJob struct {
	ID          messages.CollectionJobID
	TaskID      messages.TaskID
	Query       messages.Query
	RequestHash [32]byte
	State       CollectionState
	// Selector is the batch the query resolved to. A fixed-size query without a batch ID resolves
	// to the oldest batch that is ready.
	Selector messages.BatchSelector
	Resolved bool
	Created  int64

	// Collection is the encoded messages.Collection of a done job.
	Collection []byte
	// Problem is the problem document of a failed job.
	Problem       []byte
	ProblemStatus int
}

// CollectionStore keeps collection jobs.
type CollectionStore struct {
	kv storage.Store
}

// NewCollectionStore returns a CollectionStore over kv.
func NewCollectionStore(kv storage.Store) *CollectionStore {
	return &CollectionStore{kv: kv}
}

func collectionPrefix(taskID messages.TaskID) string {
	return storage.Key("collection", taskID.String()) + "/"
}

func collectionKey(taskID messages.TaskID, id messages.CollectionJobID) string {
	return collectionPrefix(taskID) + id.String()
}

// Create stores a new pending job. Creating a job again with the same request is a no-op; a
// different request under an existing ID is rejected.
func (s *CollectionStore) Create(ctx context.Context, j *CollectionJob) error {
	key := collectionKey(j.TaskID, j.ID)
	b, err := utils.MarshalCBOR(j)
	if err != nil {
		return err
	}
	return s.kv.Update(ctx, []string{key}, func(values map[string][]byte) (map[string][]byte, error) {
		if old, ok := values[key]; ok {
			existing := &CollectionJob{}
			if err := utils.UnmarshalCBOR(old, existing); err != nil {
				return nil, daperrors.Storage(err)
			}
			if existing.RequestHash != j.RequestHash {
				return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "collection job %v already exists with a different query", j.ID)
			}
			return nil, nil
		}
		return map[string][]byte{key: b}, nil
	})
}

// Put overwrites a job.
func (s *CollectionStore) Put(ctx context.Context, j *CollectionJob) error {
	b, err := utils.MarshalCBOR(j)
	if err != nil {
		return err
	}
	return daperrors.Storage(s.kv.Put(ctx, collectionKey(j.TaskID, j.ID), b))
}

// Get returns a job, or an abort wrapping daperrors.ErrUnrecognizedJob if there is none.
func (s *CollectionStore) Get(ctx context.Context, taskID messages.TaskID, id messages.CollectionJobID) (*CollectionJob, error) {
	b, err := s.kv.Get(ctx, collectionKey(taskID, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedJob, "collection job %v", id)
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	j := &CollectionJob{}
	if err := utils.UnmarshalCBOR(b, j); err != nil {
		return nil, daperrors.Storage(fmt.Errorf("decoding collection job %v: %v", id, err))
	}
	return j, nil
}

// Pending returns the task's pending jobs, oldest first.
func (s *CollectionStore) Pending(ctx context.Context, taskID messages.TaskID) ([]*CollectionJob, error) {
	var jobs []*CollectionJob
	err := s.kv.Scan(ctx, collectionPrefix(taskID), func(key string, value []byte) error {
		j := &CollectionJob{}
		if err := utils.UnmarshalCBOR(value, j); err != nil {
			return fmt.Errorf("decoding %q: %v", key, err)
		}
		if j.State == CollectionPending {
			jobs = append(jobs, j)
		}
		return nil
	})
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].Created < jobs[b].Created })
	return jobs, nil
}
