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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
)

func TestCollectionStore(t *testing.T) {
	ctx := context.Background()
	s := NewCollectionStore(storage.NewMemoryStore())
	taskID := messages.TaskID{1}
	query := messages.Query{Type: messages.QueryTypeTimeInterval, Interval: messages.Interval{Start: 3600, Duration: 3600}}

	var jobs []*CollectionJob
	for i, created := range []int64{30, 10, 20} {
		j := &CollectionJob{ID: messages.CollectionJobID{byte(i + 1)}, TaskID: taskID, Query: query, RequestHash: [32]byte{byte(i)}, Created: created}
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, j)
	}

	// Creating again with the same request keeps the stored job.
	again := *jobs[0]
	again.Created = 99
	if err := s.Create(ctx, &again); err != nil {
		t.Fatalf("repeated Create: %v", err)
	}
	got, err := s.Get(ctx, taskID, jobs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(jobs[0], got); diff != "" {
		t.Errorf("collection job mismatch (-want +got):\n%s", diff)
	}

	conflict := *jobs[0]
	conflict.RequestHash = [32]byte{0xff}
	if err := s.Create(ctx, &conflict); !errors.Is(err, daperrors.ErrUnrecognizedMessage) {
		t.Errorf("Create with a different request: got error %v, want %v", err, daperrors.ErrUnrecognizedMessage)
	}

	if _, err := s.Get(ctx, taskID, messages.CollectionJobID{9}); !errors.Is(err, daperrors.ErrUnrecognizedJob) {
		t.Errorf("Get of an unknown job: got error %v, want %v", err, daperrors.ErrUnrecognizedJob)
	}
	if _, err := s.Get(ctx, messages.TaskID{2}, jobs[0].ID); !errors.Is(err, daperrors.ErrUnrecognizedJob) {
		t.Errorf("Get under another task: got error %v, want %v", err, daperrors.ErrUnrecognizedJob)
	}

	jobs[2].State = CollectionDone
	jobs[2].Collection = []byte("collection")
	if err := s.Put(ctx, jobs[2]); err != nil {
		t.Fatal(err)
	}
	pending, err := s.Pending(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	var ids []messages.CollectionJobID
	for _, j := range pending {
		ids = append(ids, j.ID)
	}
	if diff := cmp.Diff([]messages.CollectionJobID{jobs[1].ID, jobs[0].ID}, ids); diff != "" {
		t.Errorf("pending jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestCollectionStateString(t *testing.T) {
	for state, want := range map[CollectionState]string{
		CollectionPending:  "pending",
		CollectionDone:     "done",
		CollectionFailed:   "failed",
		CollectionState(7): "state(7)",
	} {
		if got := state.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
