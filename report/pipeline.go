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

package report

import (
	"context"
	"fmt"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/replay"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

// Status is the position of a report in the consumption pipeline of one Aggregator.
type Status int

// Report states. Accepted and Rejected are final.
const (
	StatusReceived Status = iota
	StatusDecrypted
	StatusSharded
	StatusAwaitingPeer
	StatusAccepted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusDecrypted:
		return "decrypted"
	case StatusSharded:
		return "sharded"
	case StatusAwaitingPeer:
		return "awaiting_peer"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Prepared is one report moving through preparation.
type Prepared struct {
	Metadata messages.ReportMetadata
	Status   Status
	// Failure and Err are set once the report is rejected.
	Failure messages.TransitionFailure
	Err     error
	// State and PrepShare are set while the report awaits the peer.
	State     *vdaf.PrepState
	PrepShare []byte
	// OutputShare is set once the report is accepted.
	OutputShare vdaf.Vector
}

// Final reports whether the report reached Accepted or Rejected.
func (p *Prepared) Final() bool {
	return p.Status == StatusAccepted || p.Status == StatusRejected
}

// Accept records the output share of a report that finished preparation.
func (p *Prepared) Accept(out vdaf.Vector) {
	if p.Final() {
		return
	}
	p.Status, p.OutputShare, p.State = StatusAccepted, out, nil
}

// Reject moves the report to Rejected and drops its preparation state.
func (p *Prepared) Reject(failure messages.TransitionFailure, err error) {
	if p.Final() {
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: %v", daperrors.ErrReportRejected, failure)
	}
	p.Status, p.Failure, p.Err = StatusRejected, failure, err
	p.State, p.PrepShare, p.OutputShare = nil, nil, nil
}

// CheckTime applies the time-based admission rules to a report.
func CheckTime(t *task.Task, reportTime, now uint64) (messages.TransitionFailure, bool) {
	switch {
	case t.Expired(reportTime):
		return messages.FailureTaskExpired, false
	case reportTime > now+t.TolerableClockSkew:
		return messages.FailureReportTooEarly, false
	case now > t.ReplayHorizon && reportTime < now-t.ReplayHorizon:
		return messages.FailureReportDropped, false
	}
	return 0, true
}

// Pipeline admits and prepares reports on one Aggregator.
type Pipeline struct {
	Role    messages.Role
	Keys    standardencrypt.Opener
	Replay  replay.Guard
	Batches *batch.Aggregator
	Metrics *metrics.Metrics
}

func (p *Pipeline) aggregatorID() int {
	if p.Role == messages.RoleLeader {
		return 0
	}
	return 1
}

// Reject moves r to Rejected, logging and counting the reason.
func (p *Pipeline) Reject(t *task.Task, r *Prepared, failure messages.TransitionFailure, err error) {
	if r.Final() {
		return
	}
	r.Reject(failure, err)
	log.Warningf("task=%v report=%v role=%v rejected: reason=%v err=%v", t.ID, r.Metadata.ID, p.Role, failure, r.Err)
	p.Metrics.ReportRejected(t.ID.String(), p.Role.String(), failure.String())
}

// Admit applies the admission rules that need no decryption, in order: task expiry, clock skew,
// replay horizon, collected batch and replay. A report ID repeated within metadata is replayed.
//
// Admission only reads the replay guard. Reports are consumed by Consume once the job that
// carries them is recorded.
//
// Storage errors are returned and never turn into accepted reports.
func (p *Pipeline) Admit(ctx context.Context, t *task.Task, pbs messages.PartialBatchSelector, metadata []messages.ReportMetadata, now uint64) ([]*Prepared, error) {
	collected := make(map[batch.Bucket]bool)
	ids := make(map[messages.ReportID]bool)
	out := make([]*Prepared, len(metadata))
	for i, md := range metadata {
		r := &Prepared{Metadata: md, Status: StatusReceived}
		out[i] = r
		if failure, ok := CheckTime(t, md.Time, now); !ok {
			p.Reject(t, r, failure, nil)
			continue
		}

		b := batch.BucketFor(t, pbs, md.Time)
		done, ok := collected[b]
		if !ok {
			rec, err := p.Batches.Get(ctx, t, b)
			if err != nil {
				return nil, err
			}
			done = rec.Collected()
			collected[b] = done
		}
		if done {
			p.Reject(t, r, messages.FailureBatchCollected, nil)
			continue
		}

		if ids[md.ID] {
			p.Reject(t, r, messages.FailureReportReplayed, daperrors.ErrReplayDetected)
			continue
		}
		ids[md.ID] = true
		seen, err := p.Replay.Seen(ctx, t.ID, md.ID)
		if err != nil {
			return nil, err
		}
		if seen {
			p.Reject(t, r, messages.FailureReportReplayed, daperrors.ErrReplayDetected)
		}
	}
	return out, nil
}

// Consume marks the reports that are still in flight as consumed by job, rejecting those another
// job consumed first. It is safe to call again for the same job after a failure.
func (p *Pipeline) Consume(ctx context.Context, t *task.Task, job messages.AggregationJobID, reports []*Prepared) error {
	for _, r := range reports {
		if r.Final() {
			continue
		}
		res, err := p.Replay.CheckAndMark(ctx, t.ID, r.Metadata.ID, r.Metadata.Time, job)
		if err != nil {
			return err
		}
		if res == replay.AlreadySeen {
			p.Reject(t, r, messages.FailureReportReplayed, daperrors.ErrReplayDetected)
		}
	}
	return nil
}

func checkExtensions(exts []messages.Extension) error {
	seen := make(map[messages.ExtensionType]bool)
	for _, e := range exts {
		if seen[e.Type] {
			return fmt.Errorf("%w: duplicate extension %#04x", daperrors.ErrUnrecognizedMessage, uint16(e.Type))
		}
		seen[e.Type] = true
		if e.Type != messages.ExtensionTaskprov {
			return fmt.Errorf("%w: unknown extension %#04x", daperrors.ErrUnrecognizedMessage, uint16(e.Type))
		}
	}
	return nil
}

// Prepare decrypts an admitted report's input share and starts VDAF preparation. Rejected reports
// are left untouched.
func (p *Pipeline) Prepare(t *task.Task, engine vdaf.Engine, r *Prepared, publicShare []byte, ct messages.HpkeCiphertext) {
	if r.Final() {
		return
	}
	if !p.Keys.HasConfig(ct.ConfigID) {
		p.Reject(t, r, messages.FailureHpkeUnknownConfigID, fmt.Errorf("%w: %d", standardencrypt.ErrUnknownConfigID, ct.ConfigID))
		return
	}
	aad := messages.InputShareAAD(t.ID, r.Metadata, publicShare)
	plaintext, err := p.Keys.Open(messages.InputShareInfo(p.Role), aad, ct)
	if err != nil {
		p.Reject(t, r, messages.FailureHpkeDecryptError, err)
		return
	}
	r.Status = StatusDecrypted

	share := &messages.PlaintextInputShare{}
	if err := messages.Decode(t.Version, plaintext, share); err != nil {
		p.Reject(t, r, messages.FailureUnrecognizedMessage, err)
		return
	}
	if err := checkExtensions(share.Extensions); err != nil {
		p.Reject(t, r, messages.FailureUnrecognizedMessage, err)
		return
	}
	r.Status = StatusSharded

	state, prepShare, err := engine.PrepareInit(t.VerifyKey, p.aggregatorID(), r.Metadata.ID[:], publicShare, share.Payload)
	if err != nil {
		p.Reject(t, r, messages.FailureVdafPrepError, err)
		return
	}
	r.State, r.PrepShare, r.Status = state, prepShare, StatusAwaitingPeer
	if log.V(2) {
		log.Infof("task=%v report=%v role=%v awaiting peer", t.ID, r.Metadata.ID, p.Role)
	}
}

// CheckUpload validates a report uploaded to the Leader before it is stored for aggregation.
// The returned error is an *daperrors.Abort.
func (p *Pipeline) CheckUpload(ctx context.Context, t *task.Task, r *messages.Report, now uint64) error {
	if len(r.EncryptedInputShares) != 2 {
		return daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "report has %d encrypted input shares, want 2", len(r.EncryptedInputShares))
	}
	if !p.Keys.HasConfig(r.EncryptedInputShares[0].ConfigID) {
		return daperrors.NewAbort(daperrors.ErrOutdatedConfig, "unknown HPKE config %d", r.EncryptedInputShares[0].ConfigID)
	}
	switch failure, ok := CheckTime(t, r.Metadata.Time, now); {
	case ok:
	case failure == messages.FailureReportTooEarly:
		return daperrors.NewAbort(daperrors.ErrReportTooEarly, "report time %d is after %d", r.Metadata.Time, now+t.TolerableClockSkew)
	default:
		return daperrors.NewAbort(daperrors.ErrReportRejected, "%v", failure)
	}
	if t.QueryType != messages.QueryTypeTimeInterval {
		return nil
	}
	rec, err := p.Batches.Get(ctx, t, batch.BucketFor(t, messages.PartialBatchSelector{Type: messages.QueryTypeTimeInterval}, r.Metadata.Time))
	if err != nil {
		return err
	}
	if rec.Collected() {
		return daperrors.NewAbort(daperrors.ErrReportRejected, "%v", messages.FailureBatchCollected)
	}
	return nil
}
