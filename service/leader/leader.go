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

// Package leader contains the Leader's side of the protocol: report upload, aggregation job
// driving and collection.
package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/aggjob"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

// HelperClient requests aggregate shares from the Helper.
type HelperClient interface {
	AggregateShare(ctx context.Context, t *task.Task, req *messages.AggregateShareReq) (*messages.AggregateShare, error)
}

// Leader holds the Leader's state. Driver, Pipeline and Collections must share the storage the
// Driver's job records live in.
type Leader struct {
	Pipeline    *report.Pipeline
	Driver      *aggjob.Driver
	Collections *CollectionStore
	Helper      HelperClient
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (l *Leader) now() uint64 {
	if l.Now != nil {
		return uint64(l.Now().Unix())
	}
	return uint64(time.Now().Unix())
}

// Upload accepts a report from a Client into the pending set.
func (l *Leader) Upload(ctx context.Context, t *task.Task, body []byte) error {
	r := &messages.Report{}
	if err := messages.Decode(t.Version, body, r); err != nil {
		return daperrors.AsAbort(err)
	}
	if err := l.Pipeline.CheckUpload(ctx, t, r, l.now()); err != nil {
		if a := daperrors.AsAbort(err); a.Type != "" {
			log.Warningf("task=%v report=%v rejected at upload: %v", t.ID, r.Metadata.ID, err)
			l.Metrics.ReportRejected(t.ID.String(), messages.RoleLeader.String(), "upload")
		}
		return err
	}
	added, err := l.Driver.Pending.Add(ctx, t.Version, t.ID, r)
	if err != nil {
		return err
	}
	if added {
		l.Metrics.ReportUploaded(t.ID.String())
	}
	return nil
}

// CreateCollectionJob validates a Collector's query and stores it as a pending job.
func (l *Leader) CreateCollectionJob(ctx context.Context, t *task.Task, id messages.CollectionJobID, body []byte) error {
	req := &messages.CollectionReq{}
	if err := messages.Decode(t.Version, body, req); err != nil {
		return daperrors.AsAbort(err)
	}
	if len(req.AggregationParam) != 0 {
		return daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "unexpected aggregation parameter")
	}
	if req.Query.Type != t.QueryType {
		return daperrors.NewAbort(daperrors.ErrBatchPolicyViolation, "%v query for a %v task", req.Query.Type, t.QueryType)
	}
	j := &CollectionJob{
		ID:          id,
		TaskID:      t.ID,
		Query:       req.Query,
		RequestHash: standardencrypt.Digest(body),
		Created:     time.Now().UnixNano(),
	}
	if req.Query.Type == messages.QueryTypeTimeInterval {
		if err := t.ValidateBatchInterval(req.Query.Interval); err != nil {
			return daperrors.AsAbort(err)
		}
		j.Selector = messages.BatchSelector{Type: messages.QueryTypeTimeInterval, Interval: req.Query.Interval}
		j.Resolved = true
	} else if req.Query.BatchID != (messages.BatchID{}) {
		j.Selector = messages.BatchSelector{Type: messages.QueryTypeFixedSize, BatchID: req.Query.BatchID}
		j.Resolved = true
	}
	if err := l.Collections.Create(ctx, j); err != nil {
		return err
	}
	log.Infof("task=%v created collection job %v for a %v query", t.ID, id, req.Query.Type)
	return nil
}

// PollCollectionJob returns the encoded Collection of a done job, or ok=false while the job is
// pending. A failed job returns the abort it failed with.
func (l *Leader) PollCollectionJob(ctx context.Context, t *task.Task, id messages.CollectionJobID) (collection []byte, ok bool, err error) {
	j, err := l.Collections.Get(ctx, t.ID, id)
	if err != nil {
		return nil, false, err
	}
	switch j.State {
	case CollectionDone:
		return j.Collection, true, nil
	case CollectionFailed:
		return nil, false, daperrors.FromProblemJSON(j.ProblemStatus, j.Problem)
	}
	return nil, false, nil
}

// Run forms and runs the task's aggregation jobs, then processes its pending collection jobs.
func (l *Leader) Run(ctx context.Context, t *task.Task) error {
	res, err := l.Driver.Run(ctx, t)
	if err != nil {
		return err
	}
	if res.Jobs > 0 {
		log.Infof("task=%v ran %d aggregation jobs: finished=%d abandoned=%d accepted=%d rejected=%d", t.ID, res.Jobs, res.Finished, res.Abandoned, res.Accepted, res.Rejected)
	}
	_, err = l.ProcessCollections(ctx, t)
	return err
}

// ProcessCollections tries to finish each pending collection job of the task and returns the
// number it finished. A job whose batch is not ready stays pending.
func (l *Leader) ProcessCollections(ctx context.Context, t *task.Task) (int, error) {
	jobs, err := l.Collections.Pending(ctx, t.ID)
	if err != nil || len(jobs) == 0 {
		return 0, err
	}
	engine, err := t.Engine()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, j := range jobs {
		err := l.processCollection(ctx, t, engine, j)
		switch {
		case err == nil:
		case errors.Is(err, daperrors.ErrStorage) || ctx.Err() != nil:
			return done, err
		default:
			if err := l.failCollection(ctx, t, j, err); err != nil {
				return done, err
			}
		}
		if j.State != CollectionPending {
			done++
		}
	}
	return done, nil
}

// resolve picks the oldest fixed-size batch that is ready and not yet collected, and stops
// assigning reports to it.
func (l *Leader) resolve(ctx context.Context, t *task.Task, j *CollectionJob) (bool, error) {
	if j.Resolved {
		return true, nil
	}
	ids, err := l.Driver.FixedSize.Batches(ctx, t)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		rec, err := l.Driver.Batches.Get(ctx, t, batch.Bucket{Type: messages.QueryTypeFixedSize, BatchID: id})
		if err != nil {
			return false, err
		}
		if rec.Collected() || rec.ReportCount < t.MinBatchSize {
			continue
		}
		if err := l.Driver.FixedSize.Close(ctx, t, id); err != nil {
			return false, err
		}
		j.Selector = messages.BatchSelector{Type: messages.QueryTypeFixedSize, BatchID: id}
		j.Resolved = true
		return true, l.Collections.Put(ctx, j)
	}
	return false, nil
}

func (l *Leader) processCollection(ctx context.Context, t *task.Task, engine vdaf.Engine, j *CollectionJob) error {
	ok, err := l.resolve(ctx, t, j)
	if err != nil || !ok {
		return err
	}
	share, err := l.Driver.Batches.Collect(ctx, t, engine, j.Selector, l.now(), nil)
	if errors.Is(err, daperrors.ErrBatchNotReady) {
		log.V(1).Infof("task=%v collection job %v waiting: %v", t.ID, j.ID, err)
		return nil
	}
	if err != nil {
		return err
	}

	helperShare, err := l.Helper.AggregateShare(ctx, t, &messages.AggregateShareReq{
		BatchSelector: j.Selector,
		ReportCount:   share.ReportCount,
		Checksum:      share.Checksum,
	})
	if daperrors.IsRetryable(err) {
		log.Warningf("task=%v collection job %v: helper unavailable, retrying later: %v", t.ID, j.ID, err)
		return nil
	}
	if err != nil {
		return err
	}

	aad, err := messages.AggregateShareAAD(t.ID, j.Selector)
	if err != nil {
		return err
	}
	leaderShare, err := standardencrypt.Seal(t.CollectorHpkeConfig, messages.AggregateShareInfo(messages.RoleLeader), aad, share.AggregateShare)
	if err != nil {
		return fmt.Errorf("encrypting leader aggregate share: %w", err)
	}
	collection := &messages.Collection{
		PartialBatchSelector: messages.PartialBatchSelector{Type: j.Selector.Type, BatchID: j.Selector.BatchID},
		ReportCount:          share.ReportCount,
		Interval:             share.Interval,
		LeaderEncryptedShare: leaderShare,
		HelperEncryptedShare: helperShare.EncryptedAggregateShare,
	}
	if j.Collection, err = messages.Encode(t.Version, collection); err != nil {
		return err
	}
	j.State = CollectionDone
	if err := l.Collections.Put(ctx, j); err != nil {
		return err
	}
	l.Metrics.Collected(t.ID.String(), messages.RoleLeader.String())
	log.Infof("task=%v collection job %v done: reports=%d", t.ID, j.ID, share.ReportCount)
	return nil
}

func (l *Leader) failCollection(ctx context.Context, t *task.Task, j *CollectionJob, cause error) error {
	a := daperrors.AsAbort(cause)
	a.TaskID = t.ID.String()
	j.State, j.Problem, j.ProblemStatus = CollectionFailed, a.ProblemJSON(), a.Status
	log.Errorf("task=%v collection job %v failed: %v", t.ID, j.ID, cause)
	return l.Collections.Put(ctx, j)
}
