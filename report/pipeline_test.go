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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/replay"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/task/tasktest"
	"github.com/oliy/daphne/vdaf"
	"lukechampine.com/uint128"
)

const (
	hour = tasktest.Precision
	now  = 100 * hour
)

type testEnv struct {
	task           *task.Task
	engine         vdaf.Engine
	params         *ClientParams
	leader, helper *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tk, _ := tasktest.New(t, vdaf.Config{Type: "prio3sum", Bits: 8}, 1)
	engine, err := tk.Engine()
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{task: tk, engine: engine, params: &ClientParams{Task: tk}}
	for _, r := range []struct {
		role     messages.Role
		id       uint8
		pipeline **Pipeline
		config   *messages.HpkeConfig
	}{
		{messages.RoleLeader, 1, &env.leader, &env.params.LeaderConfig},
		{messages.RoleHelper, 2, &env.helper, &env.params.HelperConfig},
	} {
		rc, err := standardencrypt.GenerateReceiverConfig(r.id, standardencrypt.KemX25519HkdfSha256, standardencrypt.KdfHkdfSha256, standardencrypt.AeadAes128Gcm)
		if err != nil {
			t.Fatal(err)
		}
		keys, err := standardencrypt.NewKeyRing(rc)
		if err != nil {
			t.Fatal(err)
		}
		*r.config = rc.Config
		*r.pipeline = &Pipeline{
			Role:        r.role,
			Keys:        keys,
			Replay:      replay.NewMemoryGuard(),
			Batches:     batch.New(storage.NewMemoryStore()),
		}
	}
	return env
}

var timeInterval = messages.PartialBatchSelector{Type: messages.QueryTypeTimeInterval}

func (env *testEnv) prepare(t *testing.T, p *Pipeline, r *messages.Report, share int) *Prepared {
	t.Helper()
	admitted, err := p.Admit(context.Background(), env.task, timeInterval, []messages.ReportMetadata{r.Metadata}, now)
	if err != nil {
		t.Fatal(err)
	}
	p.Prepare(env.task, env.engine, admitted[0], r.PublicShare, r.EncryptedInputShares[share])
	return admitted[0]
}

func TestGenerateAndPrepare(t *testing.T) {
	env := newTestEnv(t)
	r, err := Generate(env.params, env.engine, Measurement{Value: 42, Time: now - 17})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Metadata.Time, uint64(now-hour); got != want {
		t.Errorf("got report time %d, want %d", got, want)
	}

	l := env.prepare(t, env.leader, r, 0)
	h := env.prepare(t, env.helper, r, 1)
	for _, p := range []*Prepared{l, h} {
		if p.Status != StatusAwaitingPeer {
			t.Fatalf("got status %v (%v), want %v", p.Status, p.Err, StatusAwaitingPeer)
		}
	}

	prep, err := env.engine.PrepSharesToPrep([][]byte{l.PrepShare, h.PrepShare})
	if err != nil {
		t.Fatal(err)
	}
	var shares [][]byte
	for _, p := range []*Prepared{l, h} {
		trans := env.engine.PrepareNext(p.State, prep)
		if trans.Kind != vdaf.TransitionFinish {
			t.Fatalf("got transition %v, want %v", trans.Kind, vdaf.TransitionFinish)
		}
		p.Accept(trans.OutputShare)
		shares = append(shares, env.engine.EncodeVector(p.OutputShare))
	}
	got, err := env.engine.Unshard(shares, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{42}, got); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}

	l.Reject(messages.FailureVdafPrepError, nil)
	if l.Status != StatusAccepted {
		t.Errorf("rejecting an accepted report changed its status to %v", l.Status)
	}
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.task.Expiration = 200 * hour

	collectedTime := uint64(now - 5*hour)
	if _, err := env.leader.Batches.Commit(ctx, env.task, env.engine, timeInterval, []batch.Contribution{
		{ReportID: messages.ReportID{0xff}, Time: collectedTime, OutputShare: vdaf.Vector{uint128.From64(1)}},
	}, nil); err != nil {
		t.Fatal(err)
	}
	sel := messages.BatchSelector{Type: messages.QueryTypeTimeInterval, Interval: env.task.Bucket(collectedTime)}
	if _, err := env.leader.Batches.Collect(ctx, env.task, env.engine, sel, now, nil); err != nil {
		t.Fatal(err)
	}

	metadata := []messages.ReportMetadata{
		{ID: messages.ReportID{1}, Time: now},
		{ID: messages.ReportID{2}, Time: 200 * hour},
		{ID: messages.ReportID{3}, Time: now + 2*hour},
		{ID: messages.ReportID{4}, Time: now - 30*hour},
		{ID: messages.ReportID{5}, Time: collectedTime},
		{ID: messages.ReportID{1}, Time: now},
	}
	got, err := env.leader.Admit(ctx, env.task, timeInterval, metadata, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		status  Status
		failure messages.TransitionFailure
	}{
		{StatusReceived, 0},
		{StatusRejected, messages.FailureTaskExpired},
		{StatusRejected, messages.FailureReportTooEarly},
		{StatusRejected, messages.FailureReportDropped},
		{StatusRejected, messages.FailureBatchCollected},
		{StatusRejected, messages.FailureReportReplayed},
	}
	for i, w := range want {
		if got[i].Status != w.status || got[i].Failure != w.failure {
			t.Errorf("report %d: got %v/%v, want %v/%v", i, got[i].Status, got[i].Failure, w.status, w.failure)
		}
	}
	if !errors.Is(got[5].Err, daperrors.ErrReplayDetected) {
		t.Errorf("got error %v for a replayed report, want %v", got[5].Err, daperrors.ErrReplayDetected)
	}
}

func TestAdmitWithoutMarking(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	md := []messages.ReportMetadata{{ID: messages.ReportID{1}, Time: now}}
	for i := 0; i < 2; i++ {
		got, err := env.helper.Admit(ctx, env.task, timeInterval, md, now)
		if err != nil {
			t.Fatal(err)
		}
		if got[0].Status != StatusReceived {
			t.Fatalf("admission %d: got status %v, want %v", i, got[0].Status, StatusReceived)
		}
	}
	if _, err := env.helper.Replay.CheckAndMark(ctx, env.task.ID, md[0].ID, md[0].Time, messages.AggregationJobID{1}); err != nil {
		t.Fatal(err)
	}
	got, err := env.helper.Admit(ctx, env.task, timeInterval, md, now)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Failure != messages.FailureReportReplayed {
		t.Errorf("got %v/%v after marking, want a replayed report", got[0].Status, got[0].Failure)
	}
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job := messages.AggregationJobID{1}
	md := []messages.ReportMetadata{{ID: messages.ReportID{1}, Time: now}, {ID: messages.ReportID{2}, Time: now}}

	admitted, err := env.leader.Admit(ctx, env.task, timeInterval, md, now)
	if err != nil {
		t.Fatal(err)
	}
	// Admission only reads the guard.
	if seen, err := env.leader.Replay.Seen(ctx, env.task.ID, md[0].ID); err != nil || seen {
		t.Fatalf("got seen=%v err=%v after admission, want an unmarked report", seen, err)
	}
	if err := env.leader.Consume(ctx, env.task, job, admitted); err != nil {
		t.Fatal(err)
	}

	// The same job consuming again, as after a failed attempt, keeps its reports.
	retried := []*Prepared{{Metadata: md[0], Status: StatusReceived}, {Metadata: md[1], Status: StatusReceived}}
	if err := env.leader.Consume(ctx, env.task, job, retried); err != nil {
		t.Fatal(err)
	}
	var got []messages.TransitionFailure
	for _, r := range append(admitted, retried...) {
		got = append(got, r.Failure)
	}
	if diff := cmp.Diff([]messages.TransitionFailure{0, 0, 0, 0}, got); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
}

func TestConsumeByAnotherJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	md := []messages.ReportMetadata{{ID: messages.ReportID{1}, Time: now}}
	a, err := env.leader.Admit(ctx, env.task, timeInterval, md, now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.leader.Admit(ctx, env.task, timeInterval, md, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.leader.Consume(ctx, env.task, messages.AggregationJobID{1}, a); err != nil {
		t.Fatal(err)
	}
	if err := env.leader.Consume(ctx, env.task, messages.AggregationJobID{2}, b); err != nil {
		t.Fatal(err)
	}
	if a[0].Status != StatusReceived {
		t.Errorf("first job: got %v/%v, want %v", a[0].Status, a[0].Failure, StatusReceived)
	}
	if b[0].Failure != messages.FailureReportReplayed {
		t.Errorf("second job: got %v/%v, want a replayed report", b[0].Status, b[0].Failure)
	}
}

type failingGuard struct{ replay.Guard }

func (failingGuard) CheckAndMark(context.Context, messages.TaskID, messages.ReportID, uint64, messages.AggregationJobID) (replay.Result, error) {
	return replay.Fresh, daperrors.Storage(errors.New("unavailable"))
}

func (failingGuard) Seen(context.Context, messages.TaskID, messages.ReportID) (bool, error) {
	return false, daperrors.Storage(errors.New("unavailable"))
}

func TestAdmitSurfacesStorageErrors(t *testing.T) {
	env := newTestEnv(t)
	for _, p := range []*Pipeline{env.leader, env.helper} {
		p.Replay = failingGuard{}
		md := []messages.ReportMetadata{{ID: messages.ReportID{1}, Time: now}}
		if _, err := p.Admit(context.Background(), env.task, timeInterval, md, now); !errors.Is(err, daperrors.ErrStorage) {
			t.Errorf("%v: got error %v, want %v", p.Role, err, daperrors.ErrStorage)
		}
	}
}

func TestPrepareRejections(t *testing.T) {
	env := newTestEnv(t)
	md := messages.ReportMetadata{ID: messages.ReportID{9}, Time: now}
	seal := func(t *testing.T, payload []byte, exts ...messages.Extension) messages.HpkeCiphertext {
		plaintext, err := messages.Encode(env.task.Version, &messages.PlaintextInputShare{Extensions: exts, Payload: payload})
		if err != nil {
			t.Fatal(err)
		}
		ct, err := standardencrypt.Seal(env.params.HelperConfig, messages.InputShareInfo(messages.RoleHelper), messages.InputShareAAD(env.task.ID, md, nil), plaintext)
		if err != nil {
			t.Fatal(err)
		}
		return ct
	}
	seed := make([]byte, vdaf.SeedSize)

	for _, tc := range []struct {
		name string
		ct   func(t *testing.T) messages.HpkeCiphertext
		want messages.TransitionFailure
	}{
		{
			name: "unknown config",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				ct := seal(t, seed)
				ct.ConfigID = 77
				return ct
			},
			want: messages.FailureHpkeUnknownConfigID,
		},
		{
			name: "tampered payload",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				ct := seal(t, seed)
				ct.Payload[0] ^= 1
				return ct
			},
			want: messages.FailureHpkeDecryptError,
		},
		{
			name: "malformed encapsulated key",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				ct := seal(t, seed)
				ct.Enc = ct.Enc[:3]
				return ct
			},
			want: messages.FailureHpkeDecryptError,
		},
		{
			name: "malformed plaintext",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				ct, err := standardencrypt.Seal(env.params.HelperConfig, messages.InputShareInfo(messages.RoleHelper), messages.InputShareAAD(env.task.ID, md, nil), []byte{1})
				if err != nil {
					t.Fatal(err)
				}
				return ct
			},
			want: messages.FailureUnrecognizedMessage,
		},
		{
			name: "duplicate extension",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				return seal(t, seed, messages.Extension{Type: messages.ExtensionTaskprov}, messages.Extension{Type: messages.ExtensionTaskprov})
			},
			want: messages.FailureUnrecognizedMessage,
		},
		{
			name: "unknown extension",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				return seal(t, seed, messages.Extension{Type: 7})
			},
			want: messages.FailureUnrecognizedMessage,
		},
		{
			name: "short input share",
			ct: func(t *testing.T) messages.HpkeCiphertext {
				return seal(t, seed[:4])
			},
			want: messages.FailureVdafPrepError,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &Prepared{Metadata: md}
			env.helper.Prepare(env.task, env.engine, r, nil, tc.ct(t))
			if r.Status != StatusRejected || r.Failure != tc.want {
				t.Errorf("got %v/%v, want rejected with %v", r.Status, r.Failure, tc.want)
			}
			if r.State != nil || r.PrepShare != nil {
				t.Error("rejected report kept its preparation state")
			}
		})
	}

	r := &Prepared{Metadata: md}
	env.helper.Prepare(env.task, env.engine, r, nil, seal(t, seed))
	if r.Status != StatusAwaitingPeer {
		t.Errorf("got status %v (%v) for a well-formed share, want %v", r.Status, r.Err, StatusAwaitingPeer)
	}
}

func TestCheckUpload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, err := Generate(env.params, env.engine, Measurement{Value: 1, Time: now})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.leader.CheckUpload(ctx, env.task, r, now); err != nil {
		t.Fatalf("CheckUpload() = %v", err)
	}

	for _, tc := range []struct {
		name   string
		mutate func(r *messages.Report)
		want   error
	}{
		{"one share", func(r *messages.Report) { r.EncryptedInputShares = r.EncryptedInputShares[:1] }, daperrors.ErrUnrecognizedMessage},
		{"outdated config", func(r *messages.Report) { r.EncryptedInputShares[0].ConfigID = 9 }, daperrors.ErrOutdatedConfig},
		{"too early", func(r *messages.Report) { r.Metadata.Time = now + hour }, daperrors.ErrReportTooEarly},
		{"too old", func(r *messages.Report) { r.Metadata.Time = now - 48*hour }, daperrors.ErrReportRejected},
	} {
		c := *r
		c.EncryptedInputShares = append([]messages.HpkeCiphertext(nil), r.EncryptedInputShares...)
		tc.mutate(&c)
		err := env.leader.CheckUpload(ctx, env.task, &c, now)
		var abort *daperrors.Abort
		if !errors.As(err, &abort) || !errors.Is(err, tc.want) {
			t.Errorf("%s: got error %v, want an abort wrapping %v", tc.name, err, tc.want)
		}
	}
}
