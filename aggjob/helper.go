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
	"hash/fnv"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/replay"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

const lockStripes = 64

// Handler answers the Leader's aggregation job requests on the Helper.
//
// Requests for the same job are serialized. A request identical to the last one processed for a
// job is answered from the stored response.
type Handler struct {
	Pipeline *report.Pipeline
	Jobs     *Store
	Batches  *batch.Aggregator
	Metrics  *metrics.Metrics
	Now      func() time.Time

	locks [lockStripes]sync.Mutex
}

func (h *Handler) now() uint64 {
	if h.Now != nil {
		return uint64(h.Now().Unix())
	}
	return uint64(time.Now().Unix())
}

func (h *Handler) lock(id messages.AggregationJobID) func() {
	f := fnv.New32a()
	f.Write(id[:])
	mu := &h.locks[f.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (h *Handler) reject(t *task.Task, hr *HelperReport, failure messages.TransitionFailure, err error) {
	hr.Status, hr.Failure, hr.PrepState = report.StatusRejected, failure, nil
	log.Warningf("task=%v report=%v role=%v rejected: reason=%v err=%v", t.ID, hr.Metadata.ID, messages.RoleHelper, failure, err)
	h.Metrics.ReportRejected(t.ID.String(), messages.RoleHelper.String(), failure.String())
}

// Init handles an AggregationJobInitReq. Errors are *daperrors.Abort values or storage failures.
func (h *Handler) Init(ctx context.Context, t *task.Task, id messages.AggregationJobID, body []byte) ([]byte, error) {
	defer h.lock(id)()
	start := time.Now()
	hash := standardencrypt.Digest(body)

	existing, err := h.Jobs.HelperJob(ctx, t.ID, id)
	switch {
	case err == nil:
		if existing.InitHash == hash {
			return existing.InitResponse, nil
		}
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "aggregation job %v already exists with a different request", id)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	req := &messages.AggregationJobInitReq{}
	if err := messages.Decode(t.Version, body, req); err != nil {
		return nil, daperrors.AsAbort(err)
	}
	if len(req.AggregationParam) != 0 {
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "unexpected aggregation parameter")
	}
	if req.PartialBatchSelector.Type != t.QueryType {
		return nil, daperrors.NewAbort(daperrors.ErrBatchPolicyViolation, "%v job for a %v task", req.PartialBatchSelector.Type, t.QueryType)
	}
	seen := make(map[messages.ReportID]bool)
	buckets := make(map[batch.Bucket]bool)
	metadata := make([]messages.ReportMetadata, len(req.ReportShares))
	for i, rs := range req.ReportShares {
		if seen[rs.Metadata.ID] {
			return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "report %v appears twice", rs.Metadata.ID)
		}
		seen[rs.Metadata.ID] = true
		buckets[batch.BucketFor(t, req.PartialBatchSelector, rs.Metadata.Time)] = true
		metadata[i] = rs.Metadata
	}
	if len(buckets) > 1 && t.OverlapPolicy == task.OverlapDisjoint {
		return nil, daperrors.NewAbort(daperrors.ErrBatchOverlap, "job spans %d batch buckets", len(buckets))
	}

	engine, err := t.Engine()
	if err != nil {
		return nil, err
	}
	admitted, err := h.Pipeline.Admit(ctx, t, req.PartialBatchSelector, metadata, h.now())
	if err != nil {
		return nil, err
	}

	job := &HelperJob{ID: id, TaskID: t.ID, PartialBatchSelector: req.PartialBatchSelector, InitHash: hash, LastHash: hash}
	resp := &messages.AggregationJobResp{}
	for i, rs := range req.ReportShares {
		p := admitted[i]
		h.Pipeline.Prepare(t, engine, p, rs.PublicShare, rs.EncryptedInputShare)
		hr := HelperReport{Metadata: p.Metadata, Status: p.Status, Failure: p.Failure}
		tr := messages.Transition{ReportID: p.Metadata.ID}
		if p.Status == report.StatusAwaitingPeer {
			hr.PrepState = engine.EncodePrepState(p.State)
			tr.Var, tr.Message = messages.TransitionContinued, p.PrepShare
		} else {
			tr.Var, tr.Failure = messages.TransitionFailed, p.Failure
		}
		job.Reports = append(job.Reports, hr)
		resp.Transitions = append(resp.Transitions, tr)
	}

	out, err := messages.Encode(t.Version, resp)
	if err != nil {
		return nil, err
	}
	job.InitResponse, job.LastResponse = out, out
	if err := h.Jobs.PutHelperJob(ctx, job); err != nil {
		return nil, err
	}
	h.Metrics.ObserveRound(t.ID.String(), messages.RoleHelper.String(), start)
	return out, nil
}

// Continue handles an AggregationJobContinueReq. Reports that finish are committed to the batch
// aggregator before the response is returned.
func (h *Handler) Continue(ctx context.Context, t *task.Task, id messages.AggregationJobID, body []byte) ([]byte, error) {
	defer h.lock(id)()
	start := time.Now()
	hash := standardencrypt.Digest(body)

	job, err := h.Jobs.HelperJob(ctx, t.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedJob, "aggregation job %v", id)
	}
	if err != nil {
		return nil, err
	}
	req := &messages.AggregationJobContinueReq{}
	if err := messages.Decode(t.Version, body, req); err != nil {
		return nil, daperrors.AsAbort(err)
	}
	switch round := int(req.Round); {
	case round == job.Round && hash == job.LastHash:
		return job.LastResponse, nil
	case round == job.Round:
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "round %d of job %v was already processed with a different request", round, id)
	case round != job.Round+1:
		return nil, daperrors.NewAbort(daperrors.ErrRoundMismatch, "got round %d, job %v is in round %d", round, id, job.Round)
	}

	engine, err := t.Engine()
	if err != nil {
		return nil, err
	}
	index := make(map[messages.ReportID]int, len(job.Reports))
	for i, hr := range job.Reports {
		index[hr.Metadata.ID] = i
	}

	outcomes := make(map[messages.ReportID]messages.Transition)
	var finished []int
	outputs := make(map[messages.ReportID]vdaf.Vector)
	last := -1
	for _, tr := range req.Transitions {
		i, ok := index[tr.ReportID]
		if !ok {
			return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "report %v is not in job %v", tr.ReportID, id)
		}
		if i <= last {
			return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "report %v is repeated or out of order", tr.ReportID)
		}
		last = i
		hr := &job.Reports[i]
		if hr.Status != report.StatusAwaitingPeer {
			return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "report %v is not awaiting preparation", tr.ReportID)
		}

		switch tr.Var {
		case messages.TransitionContinued:
			state, err := engine.DecodePrepState(hr.PrepState)
			if err != nil {
				return nil, daperrors.Storage(fmt.Errorf("decoding preparation state of report %v: %v", tr.ReportID, err))
			}
			next := engine.PrepareNext(state, tr.Message)
			switch next.Kind {
			case vdaf.TransitionFinish:
				finished = append(finished, i)
				outputs[tr.ReportID] = next.OutputShare
			case vdaf.TransitionContinue:
				hr.PrepState = engine.EncodePrepState(next.State)
				outcomes[tr.ReportID] = messages.Transition{ReportID: tr.ReportID, Var: messages.TransitionContinued, Message: next.Message}
			default:
				h.reject(t, hr, messages.FailureVdafPrepError, next.Err)
				outcomes[tr.ReportID] = messages.Transition{ReportID: tr.ReportID, Var: messages.TransitionFailed, Failure: messages.FailureVdafPrepError}
			}
		case messages.TransitionFailed:
			h.reject(t, hr, tr.Failure, fmt.Errorf("%w: leader rejected the report", daperrors.ErrReportRejected))
			outcomes[tr.ReportID] = messages.Transition{ReportID: tr.ReportID, Var: messages.TransitionFailed, Failure: tr.Failure}
		default:
			return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "unexpected transition %d for report %v", tr.Var, tr.ReportID)
		}
	}
	// Reports the Leader did not continue are dropped.
	for i := range job.Reports {
		hr := &job.Reports[i]
		if _, ok := outcomes[hr.Metadata.ID]; !ok && hr.Status == report.StatusAwaitingPeer && outputs[hr.Metadata.ID] == nil {
			h.reject(t, hr, messages.FailureReportDropped, fmt.Errorf("%w: not continued by the leader", daperrors.ErrReportRejected))
		}
	}

	if len(finished) > 0 {
		res, err := h.commit(ctx, t, engine, job, finished, outputs)
		if err != nil {
			return nil, err
		}
		committed := make(map[messages.ReportID]bool, len(res.Committed))
		for _, rid := range res.Committed {
			committed[rid] = true
		}
		for _, i := range finished {
			hr := &job.Reports[i]
			rid := hr.Metadata.ID
			if committed[rid] {
				hr.Status, hr.PrepState = report.StatusAccepted, nil
				outcomes[rid] = messages.Transition{ReportID: rid, Var: messages.TransitionFinished}
				continue
			}
			failure, ok := res.Rejected[rid]
			if !ok {
				failure = messages.FailureReportReplayed
			}
			h.reject(t, hr, failure, nil)
			outcomes[rid] = messages.Transition{ReportID: rid, Var: messages.TransitionFailed, Failure: failure}
		}
		h.Metrics.ReportsAccepted(t.ID.String(), messages.RoleHelper.String(), len(res.Committed))
	}

	resp := &messages.AggregationJobResp{}
	for _, tr := range req.Transitions {
		resp.Transitions = append(resp.Transitions, outcomes[tr.ReportID])
	}
	out, err := messages.Encode(t.Version, resp)
	if err != nil {
		return nil, err
	}
	job.Round, job.LastHash, job.LastResponse = int(req.Round), hash, out
	if err := h.Jobs.PutHelperJob(ctx, job); err != nil {
		return nil, err
	}
	h.Metrics.ObserveRound(t.ID.String(), messages.RoleHelper.String(), start)
	if done(job) {
		h.Metrics.JobFinished(t.ID.String(), messages.RoleHelper.String())
	}
	return out, nil
}

func done(job *HelperJob) bool {
	for _, hr := range job.Reports {
		if hr.Status == report.StatusAwaitingPeer {
			return false
		}
	}
	return true
}

// commit consumes the finished reports in the replay guard and merges the fresh ones. A job whose
// output was already committed gets the stored result, so a retried request cannot merge twice.
// Marks are owned by the job, so an attempt that failed between marking and merging is completed
// by the retried request.
func (h *Handler) commit(ctx context.Context, t *task.Task, engine vdaf.Engine, job *HelperJob, finished []int, outputs map[messages.ReportID]vdaf.Vector) (*batch.CommitResult, error) {
	res, ok, err := h.Batches.Committed(ctx, t, job.ID)
	if err != nil || ok {
		return res, err
	}
	var contribs []batch.Contribution
	for _, i := range finished {
		md := job.Reports[i].Metadata
		r, err := h.Pipeline.Replay.CheckAndMark(ctx, t.ID, md.ID, md.Time, job.ID)
		if err != nil {
			return nil, err
		}
		if r == replay.AlreadySeen {
			continue
		}
		contribs = append(contribs, batch.Contribution{ReportID: md.ID, Time: md.Time, OutputShare: outputs[md.ID]})
	}
	return h.Batches.CommitJob(ctx, t, engine, job.PartialBatchSelector, job.ID, contribs, nil)
}
