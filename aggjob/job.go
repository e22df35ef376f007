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

// Package aggjob runs aggregation jobs: the Leader drives reports through the preparation rounds
// and the Helper answers each round.
package aggjob

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/storage"
)

// State is the state of a Leader aggregation job.
type State int

// Job states. Finished and Abandoned are final.
const (
	StateInit State = iota
	StateRunning
	StateFinished
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LeaderJob is the persisted state of an aggregation job on the Leader.
//
// Preparation state is not persisted: it is a pure function of the reports and the verify key, and
// the Helper answers replayed requests from its stored responses, so an interrupted job restarts
// from its first round.
type LeaderJob struct {
	ID                   messages.AggregationJobID
	TaskID               messages.TaskID
	PartialBatchSelector messages.PartialBatchSelector
	State                State
	// Round is the last round sent to the Helper.
	Round int
	// PendingMarked is set once the job's buckets count it as pending in the batch aggregator.
	PendingMarked bool
	// Reports are wire-encoded messages.Report values.
	Reports [][]byte
	Buckets []batch.Bucket
	Created int64
	Error   string
}

// Final reports whether the job is finished or abandoned.
func (j *LeaderJob) Final() bool {
	return j.State == StateFinished || j.State == StateAbandoned
}

// HelperReport is the Helper's state of one report in a job.
type HelperReport struct {
	Metadata messages.ReportMetadata
	Status   report.Status
	Failure  messages.TransitionFailure
	// PrepState is the engine encoding of the preparation state while the report awaits the Leader.
	PrepState []byte
}

// HelperJob is the persisted state of an aggregation job on the Helper.
type HelperJob struct {
	ID                   messages.AggregationJobID
	TaskID               messages.TaskID
	PartialBatchSelector messages.PartialBatchSelector
	Round                int
	InitHash             [32]byte
	InitResponse         []byte
	LastHash             [32]byte
	LastResponse         []byte
	Reports              []HelperReport
}

// Store persists job records of both roles.
type Store struct {
	kv storage.Store
}

// NewStore returns a job store over kv.
func NewStore(kv storage.Store) *Store {
	return &Store{kv: kv}
}

func leaderKey(taskID messages.TaskID, id messages.AggregationJobID) string {
	return storage.Key("aggjob", "leader", taskID.String(), id.String())
}

func helperKey(taskID messages.TaskID, id messages.AggregationJobID) string {
	return storage.Key("aggjob", "helper", taskID.String(), id.String())
}

func (s *Store) get(ctx context.Context, key string, v interface{}) error {
	b, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return daperrors.Storage(err)
	}
	if err := utils.UnmarshalCBOR(b, v); err != nil {
		return daperrors.Storage(fmt.Errorf("decoding %q: %v", key, err))
	}
	return nil
}

// PutLeaderJob writes a Leader job record.
func (s *Store) PutLeaderJob(ctx context.Context, j *LeaderJob) error {
	b, err := utils.MarshalCBOR(j)
	if err != nil {
		return err
	}
	return daperrors.Storage(s.kv.Put(ctx, leaderKey(j.TaskID, j.ID), b))
}

// LeaderJob returns a Leader job record.
func (s *Store) LeaderJob(ctx context.Context, taskID messages.TaskID, id messages.AggregationJobID) (*LeaderJob, error) {
	j := &LeaderJob{}
	if err := s.get(ctx, leaderKey(taskID, id), j); err != nil {
		return nil, err
	}
	return j, nil
}

// LeaderJobs returns the task's Leader jobs that are not final, oldest first.
func (s *Store) LeaderJobs(ctx context.Context, taskID messages.TaskID) ([]*LeaderJob, error) {
	var jobs []*LeaderJob
	prefix := storage.Key("aggjob", "leader", taskID.String()) + "/"
	err := s.kv.Scan(ctx, prefix, func(key string, value []byte) error {
		j := &LeaderJob{}
		if err := utils.UnmarshalCBOR(value, j); err != nil {
			return fmt.Errorf("decoding %q: %v", key, err)
		}
		if !j.Final() {
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

// CreateLeaderJob stores a new job and deletes the consumed pending report keys in one update.
func (s *Store) CreateLeaderJob(ctx context.Context, j *LeaderJob, consumed []string) error {
	b, err := utils.MarshalCBOR(j)
	if err != nil {
		return err
	}
	key := leaderKey(j.TaskID, j.ID)
	keys := append([]string{key}, consumed...)
	return s.kv.Update(ctx, keys, func(values map[string][]byte) (map[string][]byte, error) {
		if _, ok := values[key]; ok {
			return nil, fmt.Errorf("aggregation job %v already exists", j.ID)
		}
		writes := map[string][]byte{key: b}
		for _, k := range consumed {
			writes[k] = nil
		}
		return writes, nil
	})
}

// HelperJob returns a Helper job record, or an error wrapping storage.ErrNotFound.
func (s *Store) HelperJob(ctx context.Context, taskID messages.TaskID, id messages.AggregationJobID) (*HelperJob, error) {
	j := &HelperJob{}
	if err := s.get(ctx, helperKey(taskID, id), j); err != nil {
		return nil, err
	}
	return j, nil
}

// PutHelperJob writes a Helper job record.
func (s *Store) PutHelperJob(ctx context.Context, j *HelperJob) error {
	b, err := utils.MarshalCBOR(j)
	if err != nil {
		return err
	}
	return daperrors.Storage(s.kv.Put(ctx, helperKey(j.TaskID, j.ID), b))
}

// PendingStore holds reports uploaded to the Leader that are not yet in an aggregation job.
type PendingStore struct {
	kv storage.Store
}

// NewPendingStore returns a pending report store over kv.
func NewPendingStore(kv storage.Store) *PendingStore {
	return &PendingStore{kv: kv}
}

func pendingPrefix(taskID messages.TaskID) string {
	return storage.Key("pending", taskID.String()) + "/"
}

// PendingKey is the storage key of a pending report.
func PendingKey(taskID messages.TaskID, id messages.ReportID) string {
	return pendingPrefix(taskID) + id.String()
}

// Add stores an uploaded report. Adding a report ID that is already pending is a no-op.
func (p *PendingStore) Add(ctx context.Context, version messages.Version, taskID messages.TaskID, r *messages.Report) (bool, error) {
	b, err := messages.Encode(version, r)
	if err != nil {
		return false, err
	}
	key := PendingKey(taskID, r.Metadata.ID)
	added := false
	err = p.kv.Update(ctx, []string{key}, func(values map[string][]byte) (map[string][]byte, error) {
		if _, ok := values[key]; ok {
			return nil, nil
		}
		added = true
		return map[string][]byte{key: b}, nil
	})
	if err != nil {
		return false, daperrors.Storage(err)
	}
	return added, nil
}

// PendingReport is a stored report together with its key.
type PendingReport struct {
	Key    string
	Report *messages.Report
}

// List returns up to limit pending reports of a task, oldest first. A limit of zero means all.
func (p *PendingStore) List(ctx context.Context, version messages.Version, taskID messages.TaskID, limit int) ([]PendingReport, error) {
	var out []PendingReport
	err := p.kv.Scan(ctx, pendingPrefix(taskID), func(key string, value []byte) error {
		r := &messages.Report{}
		if err := messages.Decode(version, value, r); err != nil {
			return fmt.Errorf("decoding %q: %v", key, err)
		}
		out = append(out, PendingReport{Key: key, Report: r})
		return nil
	})
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Report.Metadata.Time < out[b].Report.Metadata.Time })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes pending reports.
func (p *PendingStore) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return p.kv.Update(ctx, keys, func(map[string][]byte) (map[string][]byte, error) {
		writes := make(map[string][]byte, len(keys))
		for _, k := range keys {
			writes[k] = nil
		}
		return writes, nil
	})
}
