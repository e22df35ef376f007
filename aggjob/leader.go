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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
	"golang.org/x/sync/errgroup"
)

// Peer carries aggregation job requests from the Leader to the Helper.
//
// Errors wrapping daperrors.ErrTransport are retried; any other error aborts the job.
type Peer interface {
	InitJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, req []byte) ([]byte, error)
	ContinueJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, req []byte) ([]byte, error)
}

// RetryPolicy bounds how long a job keeps retrying an unreachable Helper before it is abandoned.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is used when a Driver has no policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}

// DefaultConcurrency is the number of jobs a Driver runs at once when Concurrency is zero.
const DefaultConcurrency = 8

// maxPendingPerPass bounds the reports turned into jobs by one FormJobs call.
const maxPendingPerPass = 16384

// Driver runs the Leader side of aggregation jobs.
//
// Pending and Jobs must be backed by the same storage.Store, so that a job and the removal of its
// reports from the pending set are written together.
type Driver struct {
	Pipeline  *report.Pipeline
	Jobs      *Store
	Pending   *PendingStore
	FixedSize *FixedSizeBatches
	Batches   *batch.Aggregator
	Peer      Peer
	Retry     RetryPolicy
	// Concurrency bounds the number of jobs run at once.
	Concurrency int
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Result summarizes a Run.
type Result struct {
	Jobs      int
	Finished  int
	Abandoned int
	Accepted  int
	Rejected  int
}

func (d *Driver) now() uint64 {
	if d.Now != nil {
		return uint64(d.Now().Unix())
	}
	return uint64(time.Now().Unix())
}

func (d *Driver) retry() RetryPolicy {
	if d.Retry.MaxAttempts == 0 {
		return DefaultRetryPolicy
	}
	return d.Retry
}

func newJobID() messages.AggregationJobID {
	var id messages.AggregationJobID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

type jobGroup struct {
	pbs     messages.PartialBatchSelector
	reports []PendingReport
}

func chunk(pbs messages.PartialBatchSelector, reports []PendingReport, size int) []jobGroup {
	var groups []jobGroup
	for len(reports) > 0 {
		n := size
		if n > len(reports) {
			n = len(reports)
		}
		groups = append(groups, jobGroup{pbs: pbs, reports: reports[:n]})
		reports = reports[n:]
	}
	return groups
}

// FormJobs turns the task's pending reports into aggregation jobs.
//
// Reports are admitted first and rejected reports are dropped from the pending set. Admission does
// not consume report IDs: a job consumes its reports when it runs, after it has been recorded.
// Time-interval jobs never mix buckets.
func (d *Driver) FormJobs(ctx context.Context, t *task.Task) ([]*LeaderJob, error) {
	pending, err := d.Pending.List(ctx, t.Version, t.ID, maxPendingPerPass)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	metadata := make([]messages.ReportMetadata, len(pending))
	for i, p := range pending {
		metadata[i] = p.Report.Metadata
	}
	admitted, err := d.Pipeline.Admit(ctx, t, messages.PartialBatchSelector{Type: t.QueryType}, metadata, d.now())
	if err != nil {
		return nil, err
	}
	var accepted []PendingReport
	var dropped []string
	for i, a := range admitted {
		if a.Final() {
			dropped = append(dropped, pending[i].Key)
			continue
		}
		accepted = append(accepted, pending[i])
	}

	var groups []jobGroup
	if t.QueryType == messages.QueryTypeFixedSize {
		assignments, err := d.FixedSize.Assign(ctx, t, len(accepted))
		if err != nil {
			return nil, err
		}
		for _, a := range assignments {
			pbs := messages.PartialBatchSelector{Type: messages.QueryTypeFixedSize, BatchID: a.BatchID}
			groups = append(groups, chunk(pbs, accepted[:a.Count], t.JobSize())...)
			accepted = accepted[a.Count:]
		}
	} else {
		byBucket := make(map[uint64][]PendingReport)
		var starts []uint64
		for _, p := range accepted {
			start := t.Bucket(p.Report.Metadata.Time).Start
			if _, ok := byBucket[start]; !ok {
				starts = append(starts, start)
			}
			byBucket[start] = append(byBucket[start], p)
		}
		sort.Slice(starts, func(a, b int) bool { return starts[a] < starts[b] })
		pbs := messages.PartialBatchSelector{Type: messages.QueryTypeTimeInterval}
		for _, start := range starts {
			groups = append(groups, chunk(pbs, byBucket[start], t.JobSize())...)
		}
	}

	var jobs []*LeaderJob
	for _, g := range groups {
		j := &LeaderJob{
			ID:                   newJobID(),
			TaskID:               t.ID,
			PartialBatchSelector: g.pbs,
			State:                StateInit,
			Created:              time.Now().UnixNano(),
		}
		seen := make(map[batch.Bucket]bool)
		var keys []string
		for _, p := range g.reports {
			b, err := messages.Encode(t.Version, p.Report)
			if err != nil {
				return nil, err
			}
			j.Reports = append(j.Reports, b)
			keys = append(keys, p.Key)
			if bucket := batch.BucketFor(t, g.pbs, p.Report.Metadata.Time); !seen[bucket] {
				seen[bucket] = true
				j.Buckets = append(j.Buckets, bucket)
			}
		}
		if err := d.Jobs.CreateLeaderJob(ctx, j, keys); err != nil {
			return nil, err
		}
		if err := d.markPending(ctx, t, j); err != nil {
			return nil, err
		}
		log.Infof("task=%v created aggregation job %v with %d reports", t.ID, j.ID, len(j.Reports))
		jobs = append(jobs, j)
	}
	if err := d.Pending.Delete(ctx, dropped); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *Driver) markPending(ctx context.Context, t *task.Task, j *LeaderJob) error {
	if j.PendingMarked {
		return nil
	}
	if err := d.Batches.AddPending(ctx, t, j.Buckets, 1); err != nil {
		return err
	}
	j.PendingMarked = true
	return d.Jobs.PutLeaderJob(ctx, j)
}

// Run forms jobs from the pending reports and runs every unfinished job of the task.
func (d *Driver) Run(ctx context.Context, t *task.Task) (*Result, error) {
	if _, err := d.FormJobs(ctx, t); err != nil {
		return nil, err
	}
	jobs, err := d.Jobs.LeaderJobs(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	var mu sync.Mutex
	res := &Result{Jobs: len(jobs)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			out, err := d.RunJob(gctx, t, j)
			if err != nil {
				return fmt.Errorf("aggregation job %v: %w", j.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if j.State == StateFinished {
				res.Finished++
			} else {
				res.Abandoned++
			}
			res.Accepted += out.Accepted
			res.Rejected += out.Rejected
			return nil
		})
	}
	return res, g.Wait()
}

// Outcome counts the reports of one job by final status.
type Outcome struct {
	Accepted int
	Rejected int
}

// RunJob drives one job to Finished or Abandoned.
//
// An error is returned only when the job could not be recorded, or ctx was cancelled; the job is
// then left in its current state and resumes from its first round on the next run.
func (d *Driver) RunJob(ctx context.Context, t *task.Task, j *LeaderJob) (*Outcome, error) {
	engine, err := t.Engine()
	if err != nil {
		return nil, err
	}
	if err := d.markPending(ctx, t, j); err != nil {
		return nil, err
	}
	if t.Expired(d.now()) {
		return d.abandon(ctx, t, j, fmt.Errorf("%w: task expired", daperrors.ErrTaskUnknownOrExpired))
	}

	reports := make([]*messages.Report, len(j.Reports))
	prepared := make([]*report.Prepared, len(j.Reports))
	for i, b := range j.Reports {
		r := &messages.Report{}
		if err := messages.Decode(t.Version, b, r); err != nil {
			return nil, daperrors.Storage(fmt.Errorf("decoding report %d of job %v: %v", i, j.ID, err))
		}
		reports[i] = r
		prepared[i] = &report.Prepared{Metadata: r.Metadata}
	}
	if err := d.Pipeline.Consume(ctx, t, j.ID, prepared); err != nil {
		return nil, err
	}
	for i, r := range reports {
		d.Pipeline.Prepare(t, engine, prepared[i], r.PublicShare, r.EncryptedInputShares[0])
	}

	initReq := &messages.AggregationJobInitReq{PartialBatchSelector: j.PartialBatchSelector}
	byID := make(map[messages.ReportID]*report.Prepared)
	for i, p := range prepared {
		if p.Status != report.StatusAwaitingPeer {
			continue
		}
		initReq.ReportShares = append(initReq.ReportShares, messages.ReportShare{
			Metadata:            p.Metadata,
			PublicShare:         reports[i].PublicShare,
			EncryptedInputShare: reports[i].EncryptedInputShares[1],
		})
		byID[p.Metadata.ID] = p
	}
	if len(initReq.ReportShares) > 0 {
		if err := d.runRounds(ctx, t, engine, j, initReq, byID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, daperrors.ErrStorage) {
				return nil, err
			}
			return d.abandon(ctx, t, j, err)
		}
	}
	return d.finish(ctx, t, engine, j, prepared)
}

// runRounds exchanges the init and continue requests of a job with the Helper. Every report in
// byID is final when it returns without error.
func (d *Driver) runRounds(ctx context.Context, t *task.Task, engine vdaf.Engine, j *LeaderJob, initReq *messages.AggregationJobInitReq, byID map[messages.ReportID]*report.Prepared) error {
	body, err := messages.Encode(t.Version, initReq)
	if err != nil {
		return err
	}
	j.State, j.Round = StateRunning, 0
	if err := d.Jobs.PutLeaderJob(ctx, j); err != nil {
		return err
	}
	resp, err := d.exchange(ctx, t, j, func(ctx context.Context) ([]byte, error) {
		return d.Peer.InitJob(ctx, t, j.ID, body)
	})
	if err != nil {
		return err
	}
	sent := make([]messages.ReportID, len(initReq.ReportShares))
	for i, rs := range initReq.ReportShares {
		sent[i] = rs.Metadata.ID
	}
	if err := checkCoverage(sent, resp); err != nil {
		return err
	}

	outputs := make(map[messages.ReportID]vdaf.Vector)
	cont := &messages.AggregationJobContinueReq{Round: 1}
	for _, tr := range resp.Transitions {
		p := byID[tr.ReportID]
		switch tr.Var {
		case messages.TransitionContinued:
			prep, err := engine.PrepSharesToPrep([][]byte{p.PrepShare, tr.Message})
			if err != nil {
				d.Pipeline.Reject(t, p, messages.FailureVdafPrepError, err)
				continue
			}
			next := engine.PrepareNext(p.State, prep)
			if next.Kind != vdaf.TransitionFinish {
				d.Pipeline.Reject(t, p, messages.FailureVdafPrepError, next.Err)
				continue
			}
			outputs[tr.ReportID] = next.OutputShare
			cont.Transitions = append(cont.Transitions, messages.Transition{ReportID: tr.ReportID, Var: messages.TransitionContinued, Message: prep})
		case messages.TransitionFailed:
			d.Pipeline.Reject(t, p, tr.Failure, fmt.Errorf("%w: helper rejected the report: %v", daperrors.ErrReportRejected, tr.Failure))
		default:
			d.Pipeline.Reject(t, p, messages.FailureUnrecognizedMessage, fmt.Errorf("%w: unexpected transition %d in round 0", daperrors.ErrUnrecognizedMessage, tr.Var))
		}
	}
	if len(cont.Transitions) == 0 {
		return nil
	}

	body, err = messages.Encode(t.Version, cont)
	if err != nil {
		return err
	}
	j.Round = int(cont.Round)
	if err := d.Jobs.PutLeaderJob(ctx, j); err != nil {
		return err
	}
	resp, err = d.exchange(ctx, t, j, func(ctx context.Context) ([]byte, error) {
		return d.Peer.ContinueJob(ctx, t, j.ID, body)
	})
	if err != nil {
		return err
	}
	sent = sent[:0]
	for _, tr := range cont.Transitions {
		sent = append(sent, tr.ReportID)
	}
	if err := checkCoverage(sent, resp); err != nil {
		return err
	}
	for _, tr := range resp.Transitions {
		p := byID[tr.ReportID]
		switch tr.Var {
		case messages.TransitionFinished:
			p.Accept(outputs[tr.ReportID])
		case messages.TransitionFailed:
			d.Pipeline.Reject(t, p, tr.Failure, fmt.Errorf("%w: helper rejected the report: %v", daperrors.ErrReportRejected, tr.Failure))
		default:
			d.Pipeline.Reject(t, p, messages.FailureUnrecognizedMessage, fmt.Errorf("%w: unexpected transition %d in round %d", daperrors.ErrUnrecognizedMessage, tr.Var, cont.Round))
		}
	}
	return nil
}

// checkCoverage requires a response to resolve exactly the reports sent, in order.
func checkCoverage(sent []messages.ReportID, resp *messages.AggregationJobResp) error {
	if len(resp.Transitions) != len(sent) {
		return fmt.Errorf("%w: helper answered %d of %d reports", daperrors.ErrUnrecognizedMessage, len(resp.Transitions), len(sent))
	}
	for i, tr := range resp.Transitions {
		if tr.ReportID != sent[i] {
			return fmt.Errorf("%w: helper answered report %v out of order", daperrors.ErrUnrecognizedMessage, tr.ReportID)
		}
	}
	return nil
}

// exchange sends one round to the Helper, retrying transport failures with exponential backoff.
func (d *Driver) exchange(ctx context.Context, t *task.Task, j *LeaderJob, call func(context.Context) ([]byte, error)) (*messages.AggregationJobResp, error) {
	policy := d.retry()
	delay := policy.InitialDelay
	start := time.Now()
	for attempt := 1; ; attempt++ {
		body, err := call(ctx)
		if err == nil {
			d.Metrics.ObserveRound(t.ID.String(), messages.RoleLeader.String(), start)
			resp := &messages.AggregationJobResp{}
			if err := messages.Decode(t.Version, body, resp); err != nil {
				return nil, err
			}
			return resp, nil
		}
		if !daperrors.IsRetryable(err) || attempt >= policy.MaxAttempts {
			return nil, err
		}
		log.Warningf("task=%v job=%v round=%d attempt %d failed, retrying in %v: %v", t.ID, j.ID, j.Round, attempt, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}

func (d *Driver) finish(ctx context.Context, t *task.Task, engine vdaf.Engine, j *LeaderJob, prepared []*report.Prepared) (*Outcome, error) {
	var contribs []batch.Contribution
	for _, p := range prepared {
		if p.Status == report.StatusAccepted {
			contribs = append(contribs, batch.Contribution{ReportID: p.Metadata.ID, Time: p.Metadata.Time, OutputShare: p.OutputShare})
		}
	}
	res, err := d.Batches.CommitJob(ctx, t, engine, j.PartialBatchSelector, j.ID, contribs, j.Buckets)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Accepted: len(res.Committed), Rejected: len(prepared) - len(res.Committed)}
	for id, failure := range res.Rejected {
		log.Errorf("task=%v job=%v report=%v finished on both aggregators but was not committed: %v", t.ID, j.ID, id, failure)
		d.Metrics.ReportRejected(t.ID.String(), messages.RoleLeader.String(), failure.String())
	}

	j.State, j.Error = StateFinished, ""
	if err := d.Jobs.PutLeaderJob(ctx, j); err != nil {
		return nil, err
	}
	d.Metrics.ReportsAccepted(t.ID.String(), messages.RoleLeader.String(), out.Accepted)
	d.Metrics.JobFinished(t.ID.String(), messages.RoleLeader.String())
	log.Infof("task=%v job=%v finished: accepted=%d rejected=%d", t.ID, j.ID, out.Accepted, out.Rejected)
	return out, nil
}

// abandon releases the job's pending marks without committing anything.
func (d *Driver) abandon(ctx context.Context, t *task.Task, j *LeaderJob, cause error) (*Outcome, error) {
	if err := d.Batches.Release(ctx, t, j.Buckets); err != nil {
		return nil, err
	}
	j.State, j.Error = StateAbandoned, cause.Error()
	if err := d.Jobs.PutLeaderJob(ctx, j); err != nil {
		return nil, err
	}
	d.Metrics.JobAbandoned(t.ID.String())
	log.Errorf("task=%v job=%v abandoned in round %d with %d reports: %v", t.ID, j.ID, j.Round, len(j.Reports), cause)
	return &Outcome{Rejected: len(j.Reports)}, nil
}
