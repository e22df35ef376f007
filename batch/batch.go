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

// Package batch accumulates aggregate shares per batch bucket and assembles them for collection.
package batch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

// UpdateChecksum folds a report ID into an order-independent checksum.
func UpdateChecksum(c *messages.Checksum, id messages.ReportID) {
	h := standardencrypt.Digest(id[:])
	for i := range c {
		c[i] ^= h[i]
	}
}

// Bucket is the smallest unit of reports that is collected together: one time-precision
// window of a time-interval task, or one batch of a fixed-size task.
type Bucket struct {
	Type     messages.QueryType
	Interval messages.Interval
	BatchID  messages.BatchID
}

// BucketFor returns the bucket of a report in an aggregation job with the given selector.
func BucketFor(t *task.Task, pbs messages.PartialBatchSelector, reportTime uint64) Bucket {
	if pbs.Type == messages.QueryTypeFixedSize {
		return Bucket{Type: messages.QueryTypeFixedSize, BatchID: pbs.BatchID}
	}
	return Bucket{Type: messages.QueryTypeTimeInterval, Interval: t.Bucket(reportTime)}
}

// BucketsOf returns the buckets a batch selector covers.
func BucketsOf(t *task.Task, sel messages.BatchSelector) ([]Bucket, error) {
	if sel.Type != t.QueryType {
		return nil, fmt.Errorf("%w: %v query on a %v task", daperrors.ErrBatchPolicyViolation, sel.Type, t.QueryType)
	}
	if sel.Type == messages.QueryTypeFixedSize {
		return []Bucket{{Type: messages.QueryTypeFixedSize, BatchID: sel.BatchID}}, nil
	}
	if err := t.ValidateBatchInterval(sel.Interval); err != nil {
		return nil, err
	}
	var out []Bucket
	for _, iv := range t.Buckets(sel.Interval) {
		out = append(out, Bucket{Type: messages.QueryTypeTimeInterval, Interval: iv})
	}
	return out, nil
}

func (b Bucket) key(taskID messages.TaskID) string {
	if b.Type == messages.QueryTypeFixedSize {
		return storage.Key("batch", taskID.String(), "fs-"+b.BatchID.String())
	}
	return storage.Key("batch", taskID.String(), fmt.Sprintf("ti-%020d-%d", b.Interval.Start, b.Interval.Duration))
}

// Record is the persisted state of one bucket.
type Record struct {
	// AggregateShare is the engine encoding of the accumulated share; nil while empty.
	AggregateShare []byte
	ReportCount    uint64
	Checksum       messages.Checksum
	// MinTime and MaxTime bound the times of the aggregated reports.
	MinTime, MaxTime uint64
	// PendingJobs counts aggregation jobs that may still add reports to the bucket.
	PendingJobs int64
	// QueryCount is the number of distinct batches the bucket has been collected in.
	QueryCount uint64
}

// Collected reports whether the bucket is frozen by a collection.
func (r *Record) Collected() bool { return r.QueryCount > 0 }

// Contribution is the output share of one report that finished preparation.
type Contribution struct {
	ReportID    messages.ReportID
	Time        uint64
	OutputShare vdaf.Vector
}

// Share is the aggregate share of a collected batch.
type Share struct {
	AggregateShare []byte
	ReportCount    uint64
	Checksum       messages.Checksum
	Interval       messages.Interval
}

// Aggregator keeps bucket records in a storage.Store.
type Aggregator struct {
	store storage.Store
}

// New returns an aggregator over store.
func New(store storage.Store) *Aggregator {
	return &Aggregator{store: store}
}

func decodeRecords(keys []string, values map[string][]byte) (map[string]*Record, error) {
	records := make(map[string]*Record, len(keys))
	for _, k := range keys {
		r := &Record{}
		if b, ok := values[k]; ok {
			if err := utils.UnmarshalCBOR(b, r); err != nil {
				return nil, daperrors.Storage(fmt.Errorf("decoding %q: %v", k, err))
			}
		}
		records[k] = r
	}
	return records, nil
}

func encodeRecords(records map[string]*Record) (map[string][]byte, error) {
	out := make(map[string][]byte, len(records))
	for k, r := range records {
		b, err := utils.MarshalCBOR(r)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}

func uniqueKeys(taskID messages.TaskID, buckets ...[]Bucket) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, bs := range buckets {
		for _, b := range bs {
			k := b.key(taskID)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Get returns the record of a bucket; a bucket that never received reports has an empty record.
func (a *Aggregator) Get(ctx context.Context, t *task.Task, b Bucket) (*Record, error) {
	v, err := a.store.Get(ctx, b.key(t.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	r := &Record{}
	if err := utils.UnmarshalCBOR(v, r); err != nil {
		return nil, daperrors.Storage(err)
	}
	return r, nil
}

// AddPending adds delta to the pending job count of each bucket.
//
// The Leader marks the buckets of a job pending when it creates the job; Commit or Release
// clears them. A bucket with pending jobs is not ready for collection.
func (a *Aggregator) AddPending(ctx context.Context, t *task.Task, buckets []Bucket, delta int64) error {
	keys := uniqueKeys(t.ID, buckets)
	return a.store.Update(ctx, keys, func(values map[string][]byte) (map[string][]byte, error) {
		records, err := decodeRecords(keys, values)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			r.PendingJobs += delta
			if r.PendingJobs < 0 {
				r.PendingJobs = 0
			}
		}
		return encodeRecords(records)
	})
}

// Release clears the pending marks of an abandoned job without merging anything.
func (a *Aggregator) Release(ctx context.Context, t *task.Task, buckets []Bucket) error {
	return a.AddPending(ctx, t, buckets, -1)
}

// Commit merges the contributions of one aggregation job into their buckets in a single atomic update,
// and clears the job's pending marks on release.
//
// Reports whose bucket was collected in the meantime, or that would push a fixed-size batch past
// its maximum size, are not merged; they are returned with their failure.
// Contributions spanning several buckets are a policy violation unless the task allows overlapping batches.
func (a *Aggregator) Commit(ctx context.Context, t *task.Task, engine vdaf.Engine, pbs messages.PartialBatchSelector, contributions []Contribution, release []Bucket) (map[messages.ReportID]messages.TransitionFailure, error) {
	res, err := a.commit(ctx, t, engine, pbs, contributions, release, "")
	if err != nil {
		return nil, err
	}
	return res.Rejected, nil
}

// CommitResult is the outcome of committing the output of an aggregation job.
type CommitResult struct {
	Committed []messages.ReportID
	Rejected  map[messages.ReportID]messages.TransitionFailure
}

type commitRecord struct {
	Committed   []messages.ReportID
	RejectedIDs []messages.ReportID
	Failures    []messages.TransitionFailure
}

func (r *CommitResult) record() *commitRecord {
	rec := &commitRecord{Committed: r.Committed}
	for id, f := range r.Rejected {
		rec.RejectedIDs = append(rec.RejectedIDs, id)
		rec.Failures = append(rec.Failures, f)
	}
	return rec
}

func (rec *commitRecord) result() *CommitResult {
	r := &CommitResult{Committed: rec.Committed, Rejected: make(map[messages.ReportID]messages.TransitionFailure)}
	for i, id := range rec.RejectedIDs {
		r.Rejected[id] = rec.Failures[i]
	}
	return r
}

func commitKey(taskID messages.TaskID, jobID messages.AggregationJobID) string {
	return storage.Key("committed", taskID.String(), jobID.String())
}

// CommitJob is Commit for the output of the aggregation job jobID. The result is stored with the
// merge, and committing the same job again returns it without merging twice.
func (a *Aggregator) CommitJob(ctx context.Context, t *task.Task, engine vdaf.Engine, pbs messages.PartialBatchSelector, jobID messages.AggregationJobID, contributions []Contribution, release []Bucket) (*CommitResult, error) {
	return a.commit(ctx, t, engine, pbs, contributions, release, commitKey(t.ID, jobID))
}

// Committed returns the stored result of a job committed with CommitJob.
func (a *Aggregator) Committed(ctx context.Context, t *task.Task, jobID messages.AggregationJobID) (*CommitResult, bool, error) {
	b, err := a.store.Get(ctx, commitKey(t.ID, jobID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, daperrors.Storage(err)
	}
	rec := &commitRecord{}
	if err := utils.UnmarshalCBOR(b, rec); err != nil {
		return nil, false, daperrors.Storage(err)
	}
	return rec.result(), true, nil
}

func (a *Aggregator) commit(ctx context.Context, t *task.Task, engine vdaf.Engine, pbs messages.PartialBatchSelector, contributions []Contribution, release []Bucket, markerKey string) (*CommitResult, error) {
	byKey := make(map[string][]Contribution)
	var buckets []Bucket
	for _, c := range contributions {
		b := BucketFor(t, pbs, c.Time)
		k := b.key(t.ID)
		if _, ok := byKey[k]; !ok {
			buckets = append(buckets, b)
		}
		byKey[k] = append(byKey[k], c)
	}
	if len(byKey) > 1 && t.OverlapPolicy == task.OverlapDisjoint {
		return nil, fmt.Errorf("%w: job spans %d buckets", daperrors.ErrBatchOverlap, len(byKey))
	}
	bucketKeys := uniqueKeys(t.ID, buckets, release)
	keys := bucketKeys
	if markerKey != "" {
		keys = append(append([]string(nil), bucketKeys...), markerKey)
	}
	releaseKeys := make(map[string]bool)
	for _, b := range release {
		releaseKeys[b.key(t.ID)] = true
	}

	var res *CommitResult
	err := a.store.Update(ctx, keys, func(values map[string][]byte) (map[string][]byte, error) {
		if b, ok := values[markerKey]; ok && markerKey != "" {
			rec := &commitRecord{}
			if err := utils.UnmarshalCBOR(b, rec); err != nil {
				return nil, daperrors.Storage(err)
			}
			res = rec.result()
			return nil, nil
		}
		res = &CommitResult{Rejected: make(map[messages.ReportID]messages.TransitionFailure)}
		records, err := decodeRecords(bucketKeys, values)
		if err != nil {
			return nil, err
		}
		for _, k := range bucketKeys {
			r := records[k]
			if releaseKeys[k] && r.PendingJobs > 0 {
				r.PendingJobs--
			}
			contribs := byKey[k]
			if len(contribs) == 0 {
				continue
			}
			if r.Collected() {
				for _, c := range contribs {
					res.Rejected[c.ReportID] = messages.FailureBatchCollected
				}
				continue
			}
			if t.MaxBatchSize != 0 && r.ReportCount+uint64(len(contribs)) > t.MaxBatchSize {
				room := 0
				if r.ReportCount < t.MaxBatchSize {
					room = int(t.MaxBatchSize - r.ReportCount)
				}
				for _, c := range contribs[room:] {
					res.Rejected[c.ReportID] = messages.FailureBatchSaturated
				}
				contribs = contribs[:room]
			}
			if err := merge(engine, r, contribs); err != nil {
				return nil, err
			}
			for _, c := range contribs {
				res.Committed = append(res.Committed, c.ReportID)
			}
		}
		writes, err := encodeRecords(records)
		if err != nil {
			return nil, err
		}
		if markerKey != "" {
			if writes[markerKey], err = utils.MarshalCBOR(res.record()); err != nil {
				return nil, err
			}
		}
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func merge(engine vdaf.Engine, r *Record, contribs []Contribution) error {
	if len(contribs) == 0 {
		return nil
	}
	outs := make([]vdaf.Vector, len(contribs))
	for i, c := range contribs {
		outs[i] = c.OutputShare
	}
	sum, err := engine.Aggregate(outs...)
	if err != nil {
		return err
	}
	var current vdaf.Vector
	if r.AggregateShare != nil {
		if current, err = engine.DecodeVector(r.AggregateShare); err != nil {
			return daperrors.Storage(fmt.Errorf("decoding aggregate share: %v", err))
		}
	}
	merged, err := engine.Merge(current, r.ReportCount, sum, uint64(len(contribs)))
	if err != nil {
		return err
	}
	for _, c := range contribs {
		UpdateChecksum(&r.Checksum, c.ReportID)
		if r.ReportCount == 0 || c.Time < r.MinTime {
			r.MinTime = c.Time
		}
		if c.Time > r.MaxTime {
			r.MaxTime = c.Time
		}
		r.ReportCount++
	}
	r.AggregateShare = engine.EncodeVector(merged)
	return nil
}

func collectionKey(t *task.Task, sel messages.BatchSelector) (string, error) {
	b, err := messages.Encode(t.Version, &sel)
	if err != nil {
		return "", err
	}
	return storage.Key("collected", t.ID.String(), hex.EncodeToString(b)), nil
}

// Collect assembles the aggregate share of a batch and freezes its buckets.
//
// Collecting the same selector again returns the stored share. verify, when set, is called on the
// share before anything is written; an error from it aborts the collection.
func (a *Aggregator) Collect(ctx context.Context, t *task.Task, engine vdaf.Engine, sel messages.BatchSelector, now uint64, verify func(*Share) error) (*Share, error) {
	buckets, err := BucketsOf(t, sel)
	if err != nil {
		return nil, err
	}
	ckey, err := collectionKey(t, sel)
	if err != nil {
		return nil, err
	}
	keys := append(uniqueKeys(t.ID, buckets), ckey)

	var share *Share
	err = a.store.Update(ctx, keys, func(values map[string][]byte) (map[string][]byte, error) {
		if b, ok := values[ckey]; ok {
			share = &Share{}
			if err := utils.UnmarshalCBOR(b, share); err != nil {
				return nil, daperrors.Storage(err)
			}
			if verify != nil {
				return nil, verify(share)
			}
			return nil, nil
		}

		bucketKeys := keys[:len(keys)-1]
		records, err := decodeRecords(bucketKeys, values)
		if err != nil {
			return nil, err
		}
		s := &Share{}
		var (
			agg              vdaf.Vector
			minTime, maxTime uint64
		)
		for i, k := range bucketKeys {
			r := records[k]
			if r.PendingJobs > 0 {
				return nil, fmt.Errorf("%w: %d aggregation jobs pending", daperrors.ErrBatchNotReady, r.PendingJobs)
			}
			if sel.Type == messages.QueryTypeTimeInterval && !t.BucketClosed(buckets[i].Interval, now) {
				return nil, fmt.Errorf("%w: bucket starting at %d is still open", daperrors.ErrBatchNotReady, buckets[i].Interval.Start)
			}
			if r.QueryCount >= t.MaxBatchQueryCount {
				if t.OverlapPolicy == task.OverlapDisjoint {
					return nil, fmt.Errorf("%w: bucket already collected in another batch", daperrors.ErrBatchOverlap)
				}
				return nil, fmt.Errorf("%w: bucket collected %d times", daperrors.ErrBatchQueriedTooOften, r.QueryCount)
			}
			if r.ReportCount == 0 {
				continue
			}
			var v vdaf.Vector
			if v, err = engine.DecodeVector(r.AggregateShare); err != nil {
				return nil, daperrors.Storage(fmt.Errorf("decoding aggregate share: %v", err))
			}
			if agg, err = engine.Merge(agg, s.ReportCount, v, r.ReportCount); err != nil {
				return nil, err
			}
			if s.ReportCount == 0 || r.MinTime < minTime {
				minTime = r.MinTime
			}
			if r.MaxTime > maxTime {
				maxTime = r.MaxTime
			}
			s.ReportCount += r.ReportCount
			for j := range s.Checksum {
				s.Checksum[j] ^= r.Checksum[j]
			}
		}
		if s.ReportCount < t.MinBatchSize {
			return nil, fmt.Errorf("%w: %d reports, minimum is %d", daperrors.ErrBatchNotReady, s.ReportCount, t.MinBatchSize)
		}
		if sel.Type == messages.QueryTypeTimeInterval {
			s.Interval = sel.Interval
		} else {
			// Report times are revealed only at bucket granularity.
			first, last := t.Bucket(minTime), t.Bucket(maxTime)
			s.Interval = messages.Interval{Start: first.Start, Duration: last.End() - first.Start}
		}
		s.AggregateShare = engine.EncodeVector(agg)
		if verify != nil {
			if err := verify(s); err != nil {
				return nil, err
			}
		}

		for _, r := range records {
			r.QueryCount++
		}
		writes, err := encodeRecords(records)
		if err != nil {
			return nil, err
		}
		if writes[ckey], err = utils.MarshalCBOR(s); err != nil {
			return nil, err
		}
		share = s
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	log.V(1).Infof("task=%v collected batch %v: reports=%d", t.ID, sel.Type, share.ReportCount)
	return share, nil
}

// VerifyShare returns a verify function for Collect that checks a peer's report count and checksum.
func VerifyShare(reportCount uint64, checksum messages.Checksum) func(*Share) error {
	return func(s *Share) error {
		if s.ReportCount != reportCount || s.Checksum != checksum {
			return fmt.Errorf("%w: peer has %d reports, we have %d", daperrors.ErrBatchMismatch, reportCount, s.ReportCount)
		}
		return nil
	}
}
