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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/replay"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/task/tasktest"
	"github.com/oliy/daphne/vdaf"
)

const hour = tasktest.Precision

var (
	now        = time.Unix(1000*hour, 0)
	reportTime = uint64(now.Unix()) - 2*hour
)

// localPeer hands requests to a Handler as bytes, failing the first failures calls with a transport error.
type localPeer struct {
	helper *Handler

	mu       sync.Mutex
	failures int
	calls    int
}

func (p *localPeer) fail() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return daperrors.Transport(errors.New("connection refused"))
	}
	return nil
}

func (p *localPeer) InitJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, req []byte) ([]byte, error) {
	if err := p.fail(); err != nil {
		return nil, err
	}
	return p.helper.Init(ctx, t, id, req)
}

func (p *localPeer) ContinueJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, req []byte) ([]byte, error) {
	if err := p.fail(); err != nil {
		return nil, err
	}
	return p.helper.Continue(ctx, t, id, req)
}

// flakyStore fails the Put and Update calls touching a key under prefix whose sequence number,
// counted from 1 over such calls, is in fail.
type flakyStore struct {
	storage.Store
	prefix string
	fail   map[int]bool

	mu    sync.Mutex
	calls int
}

func (s *flakyStore) next(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if strings.HasPrefix(k, s.prefix) {
			s.calls++
			if s.fail[s.calls] {
				return errors.New("storage unavailable")
			}
			return nil
		}
	}
	return nil
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.next(key); err != nil {
		return err
	}
	return s.Store.Put(ctx, key, value)
}

func (s *flakyStore) Update(ctx context.Context, keys []string, fn storage.UpdateFunc) error {
	if err := s.next(keys...); err != nil {
		return err
	}
	return s.Store.Update(ctx, keys, fn)
}

type testEnv struct {
	task    *task.Task
	engine  vdaf.Engine
	params  *report.ClientParams
	driver  *Driver
	handler *Handler
	peer    *localPeer
}

func newTestEnv(t *testing.T, tk *task.Task) *testEnv {
	t.Helper()
	engine, err := tk.Engine()
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{task: tk, engine: engine, params: &report.ClientParams{Task: tk}}
	clock := func() time.Time { return now }

	pipelines := make([]*report.Pipeline, 2)
	for i, role := range []messages.Role{messages.RoleLeader, messages.RoleHelper} {
		rc, err := standardencrypt.GenerateReceiverConfig(uint8(i+1), standardencrypt.KemX25519HkdfSha256, standardencrypt.KdfHkdfSha256, standardencrypt.AeadAes128Gcm)
		if err != nil {
			t.Fatal(err)
		}
		keys, err := standardencrypt.NewKeyRing(rc)
		if err != nil {
			t.Fatal(err)
		}
		if role == messages.RoleLeader {
			env.params.LeaderConfig = rc.Config
		} else {
			env.params.HelperConfig = rc.Config
		}
		pipelines[i] = &report.Pipeline{
			Role:    role,
			Keys:    keys,
			Replay:  replay.NewMemoryGuard(),
			Batches: batch.New(storage.NewMemoryStore()),
		}
	}

	helperStore := storage.NewMemoryStore()
	env.handler = &Handler{
		Pipeline: pipelines[1],
		Jobs:     NewStore(helperStore),
		Batches:  pipelines[1].Batches,
		Now:      clock,
	}
	env.peer = &localPeer{helper: env.handler}
	leaderStore := storage.NewMemoryStore()
	env.driver = &Driver{
		Pipeline:  pipelines[0],
		Jobs:      NewStore(leaderStore),
		Pending:   NewPendingStore(leaderStore),
		FixedSize: NewFixedSizeBatches(leaderStore),
		Batches:   pipelines[0].Batches,
		Peer:      env.peer,
		Retry:     RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:       clock,
	}
	return env
}

func (env *testEnv) upload(t *testing.T, values ...uint64) []*messages.Report {
	t.Helper()
	var reports []*messages.Report
	for _, v := range values {
		r, err := report.Generate(env.params, env.engine, report.Measurement{Value: v, Time: reportTime})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.addPending(t, r); err != nil {
			t.Fatal(err)
		}
		reports = append(reports, r)
	}
	return reports
}

func (env *testEnv) addPending(t *testing.T, r *messages.Report) error {
	t.Helper()
	_, err := env.driver.Pending.Add(context.Background(), env.task.Version, env.task.ID, r)
	return err
}

// collect collects a batch on both aggregators and returns the unsharded result.
func (env *testEnv) collect(t *testing.T, sel messages.BatchSelector) ([]uint64, uint64) {
	t.Helper()
	ctx := context.Background()
	collectAt := uint64(now.Unix()) + 2*hour
	leader, err := env.driver.Batches.Collect(ctx, env.task, env.engine, sel, collectAt, nil)
	if err != nil {
		t.Fatalf("leader collection: %v", err)
	}
	helper, err := env.handler.Batches.Collect(ctx, env.task, env.engine, sel, collectAt, batch.VerifyShare(leader.ReportCount, leader.Checksum))
	if err != nil {
		t.Fatalf("helper collection: %v", err)
	}
	got, err := env.engine.Unshard([][]byte{leader.AggregateShare, helper.AggregateShare}, leader.ReportCount, env.task.MinBatchSize)
	if err != nil {
		t.Fatal(err)
	}
	return got, leader.ReportCount
}

func (env *testEnv) bucketSelector() messages.BatchSelector {
	return messages.BatchSelector{Type: messages.QueryTypeTimeInterval, Interval: env.task.Bucket(reportTime)}
}

func TestRunSum(t *testing.T) {
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3sum", Bits: 8}, 10)
	env := newTestEnv(t, tk)
	env.upload(t, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	res, err := env.driver.Run(context.Background(), tk)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Result{Jobs: 3, Finished: 3, Accepted: 10}, res); diff != "" {
		t.Errorf("run result mismatch (-want +got):\n%s", diff)
	}
	got, count := env.collect(t, env.bucketSelector())
	if count != 10 {
		t.Errorf("got report count %d, want 10", count)
	}
	if diff := cmp.Diff([]uint64{55}, got); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}

	jobs, err := env.driver.Jobs.LeaderJobs(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d unfinished jobs after the run", len(jobs))
	}
}

func TestReplayedReportIsCountedOnce(t *testing.T) {
	ctx := context.Background()
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3count"}, 1)
	env := newTestEnv(t, tk)
	reports := env.upload(t, 1)
	if _, err := env.driver.Run(ctx, tk); err != nil {
		t.Fatal(err)
	}

	if err := env.addPending(t, reports[0]); err != nil {
		t.Fatal(err)
	}
	res, err := env.driver.Run(ctx, tk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Jobs != 0 || res.Accepted != 0 {
		t.Errorf("resubmitted report: got %+v, want no jobs", res)
	}

	// The Helper rejects it too when a Leader sends it in a new job.
	initReq := &messages.AggregationJobInitReq{
		PartialBatchSelector: messages.PartialBatchSelector{Type: messages.QueryTypeTimeInterval},
		ReportShares: []messages.ReportShare{{
			Metadata:            reports[0].Metadata,
			PublicShare:         reports[0].PublicShare,
			EncryptedInputShare: reports[0].EncryptedInputShares[1],
		}},
	}
	body, err := messages.Encode(tk.Version, initReq)
	if err != nil {
		t.Fatal(err)
	}
	respBody, err := env.handler.Init(ctx, tk, newJobID(), body)
	if err != nil {
		t.Fatal(err)
	}
	resp := &messages.AggregationJobResp{}
	if err := messages.Decode(tk.Version, respBody, resp); err != nil {
		t.Fatal(err)
	}
	want := []messages.Transition{{ReportID: reports[0].Metadata.ID, Var: messages.TransitionFailed, Failure: messages.FailureReportReplayed}}
	if diff := cmp.Diff(want, resp.Transitions); diff != "" {
		t.Errorf("helper transitions mismatch (-want +got):\n%s", diff)
	}

	got, count := env.collect(t, env.bucketSelector())
	if count != 1 || got[0] != 1 {
		t.Errorf("got count %d and aggregate %v, want one report", count, got)
	}
}

func TestFailedJobWriteDoesNotConsumeReports(t *testing.T) {
	for _, tc := range []struct {
		name string
		fail int
	}{
		{"job creation", 1},
		{"first round", 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3count"}, 3)
			env := newTestEnv(t, tk)
			kv := &flakyStore{Store: storage.NewMemoryStore(), prefix: "aggjob/leader/", fail: map[int]bool{tc.fail: true}}
			env.driver.Jobs = NewStore(kv)
			env.driver.Pending = NewPendingStore(kv)
			env.upload(t, 1, 1, 1)

			if _, err := env.driver.Run(ctx, tk); err == nil {
				t.Fatal("run with a failing job write succeeded")
			}
			res, err := env.driver.Run(ctx, tk)
			if err != nil {
				t.Fatal(err)
			}
			if res.Accepted != 3 || res.Rejected != 0 {
				t.Errorf("got %+v after the failed run, want all 3 reports accepted", res)
			}
			got, count := env.collect(t, env.bucketSelector())
			if count != 3 || got[0] != 3 {
				t.Errorf("got count %d and aggregate %v, want 3 reports", count, got)
			}
		})
	}
}

func TestTransportFailuresAreRetried(t *testing.T) {
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3count"}, 1)
	env := newTestEnv(t, tk)
	env.upload(t, 1, 0, 1)
	env.peer.failures = 2

	res, err := env.driver.Run(context.Background(), tk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Finished != 1 || res.Accepted != 3 {
		t.Errorf("got %+v, want one finished job with 3 reports", res)
	}
	if env.peer.calls != 4 {
		t.Errorf("got %d helper calls, want 4", env.peer.calls)
	}
}

func TestUnreachableHelperAbandonsJob(t *testing.T) {
	ctx := context.Background()
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3count"}, 1)
	env := newTestEnv(t, tk)
	env.upload(t, 1, 1)
	env.peer.failures = -1

	res, err := env.driver.Run(ctx, tk)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&Result{Jobs: 1, Abandoned: 1, Rejected: 2}, res); diff != "" {
		t.Errorf("run result mismatch (-want +got):\n%s", diff)
	}
	if env.peer.calls != env.driver.Retry.MaxAttempts {
		t.Errorf("got %d helper calls, want %d", env.peer.calls, env.driver.Retry.MaxAttempts)
	}

	bucket := batch.BucketFor(tk, messages.PartialBatchSelector{Type: messages.QueryTypeTimeInterval}, reportTime)
	r, err := env.driver.Batches.Get(ctx, tk, bucket)
	if err != nil {
		t.Fatal(err)
	}
	if r.PendingJobs != 0 || r.ReportCount != 0 {
		t.Errorf("abandoned job left %d pending jobs and %d reports", r.PendingJobs, r.ReportCount)
	}
	jobs, err := env.driver.Jobs.LeaderJobs(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d unfinished jobs, want the abandoned job to be final", len(jobs))
	}
}

func TestInvalidReportIsRejectedAlone(t *testing.T) {
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3sum", Bits: 4}, 2)
	env := newTestEnv(t, tk)
	reports := env.upload(t, 3, 4)
	bad, err := report.Generate(env.params, env.engine, report.Measurement{Value: 5, Time: reportTime})
	if err != nil {
		t.Fatal(err)
	}
	bad.EncryptedInputShares[1].Payload[0] ^= 1
	if err := env.addPending(t, bad); err != nil {
		t.Fatal(err)
	}

	res, err := env.driver.Run(context.Background(), tk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Finished != 1 || res.Accepted != len(reports) || res.Rejected != 1 {
		t.Errorf("got %+v, want one finished job with one rejection", res)
	}
	got, count := env.collect(t, env.bucketSelector())
	if count != 2 || got[0] != 7 {
		t.Errorf("got count %d and aggregate %v, want 2 and 7", count, got)
	}
}

func TestRerunningFinishedJobDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3count"}, 1)
	env := newTestEnv(t, tk)
	env.upload(t, 1, 1, 1)
	jobs, err := env.driver.FormJobs(ctx, tk)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	j := jobs[0]
	if _, err := env.driver.RunJob(ctx, tk, j); err != nil {
		t.Fatal(err)
	}

	// As if the Leader stopped before recording the job as finished.
	j.State = StateRunning
	out, err := env.driver.RunJob(ctx, tk, j)
	if err != nil {
		t.Fatal(err)
	}
	if out.Accepted != 3 {
		t.Errorf("rerun accepted %d reports, want 3", out.Accepted)
	}
	got, count := env.collect(t, env.bucketSelector())
	if count != 3 || got[0] != 3 {
		t.Errorf("got count %d and aggregate %v, want 3 and 3", count, got)
	}
}

func TestFixedSizeJobs(t *testing.T) {
	ctx := context.Background()
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3count"}, 2)
	tk.QueryType = messages.QueryTypeFixedSize
	tk.MaxBatchSize = 4
	env := newTestEnv(t, tk)
	env.upload(t, 1, 1, 1, 1, 1, 1)

	res, err := env.driver.Run(ctx, tk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 6 {
		t.Errorf("got %+v, want 6 accepted reports", res)
	}
	ids, err := env.driver.FixedSize.Batches(ctx, tk)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d batches, want 2", len(ids))
	}
	for i, want := range []uint64{4, 2} {
		_, count := env.collect(t, messages.BatchSelector{Type: messages.QueryTypeFixedSize, BatchID: ids[i]})
		if count != want {
			t.Errorf("batch %d: got %d reports, want %d", i, count, want)
		}
	}
}
