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

// Package helper contains the Helper's side of the protocol.
package helper

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/aggjob"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/task"
)

// Helper answers the Leader's aggregation job and aggregate share requests.
type Helper struct {
	Jobs    *aggjob.Handler
	Batches *batch.Aggregator
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (h *Helper) now() uint64 {
	if h.Now != nil {
		return uint64(h.Now().Unix())
	}
	return uint64(time.Now().Unix())
}

// InitJob handles an AggregationJobInitReq.
func (h *Helper) InitJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, body []byte) ([]byte, error) {
	return h.Jobs.Init(ctx, t, id, body)
}

// ContinueJob handles an AggregationJobContinueReq.
func (h *Helper) ContinueJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, body []byte) ([]byte, error) {
	return h.Jobs.Continue(ctx, t, id, body)
}

// AggregateShare collects the batch named by an AggregateShareReq and returns the Helper's share
// encrypted to the Collector. The request's report count and checksum must match the Helper's
// own; otherwise nothing is collected.
func (h *Helper) AggregateShare(ctx context.Context, t *task.Task, body []byte) ([]byte, error) {
	req := &messages.AggregateShareReq{}
	if err := messages.Decode(t.Version, body, req); err != nil {
		return nil, daperrors.AsAbort(err)
	}
	if len(req.AggregationParam) != 0 {
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "unexpected aggregation parameter")
	}
	sel := req.BatchSelector
	if sel.Type != t.QueryType {
		return nil, daperrors.NewAbort(daperrors.ErrBatchPolicyViolation, "%v batch for a %v task", sel.Type, t.QueryType)
	}
	if sel.Type == messages.QueryTypeTimeInterval {
		if err := t.ValidateBatchInterval(sel.Interval); err != nil {
			return nil, daperrors.AsAbort(err)
		}
	}
	engine, err := t.Engine()
	if err != nil {
		return nil, err
	}

	share, err := h.Batches.Collect(ctx, t, engine, sel, h.now(), batch.VerifyShare(req.ReportCount, req.Checksum))
	if err != nil {
		log.Warningf("task=%v aggregate share request for %v batch failed: %v", t.ID, sel.Type, err)
		return nil, daperrors.AsAbort(err)
	}
	aad, err := messages.AggregateShareAAD(t.ID, sel)
	if err != nil {
		return nil, err
	}
	ct, err := standardencrypt.Seal(t.CollectorHpkeConfig, messages.AggregateShareInfo(messages.RoleHelper), aad, share.AggregateShare)
	if err != nil {
		return nil, err
	}
	out, err := messages.Encode(t.Version, &messages.AggregateShare{EncryptedAggregateShare: ct})
	if err != nil {
		return nil, err
	}
	h.Metrics.Collected(t.ID.String(), messages.RoleHelper.String())
	log.Infof("task=%v sent aggregate share: reports=%d", t.ID, share.ReportCount)
	return out, nil
}
