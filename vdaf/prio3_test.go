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

package vdaf

import (
	"crypto/rand"
	"errors"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oliy/daphne/shared/daperrors"
	"lukechampine.com/uint128"
)

var _ Engine = (*Prio3)(nil)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

// runReport prepares one sharded report on both Aggregators and returns both output shares.
func runReport(t *testing.T, p *Prio3, verifyKeys [2][]byte, nonce []byte, publicShare []byte, inputShares [][]byte) ([2]Vector, error) {
	t.Helper()
	var (
		states     [2]*PrepState
		prepShares [][]byte
	)
	for aggID := 0; aggID < 2; aggID++ {
		state, share, err := p.PrepareInit(verifyKeys[aggID], aggID, nonce, publicShare, inputShares[aggID])
		if err != nil {
			return [2]Vector{}, err
		}
		states[aggID] = state
		prepShares = append(prepShares, share)
	}
	msg, err := p.PrepSharesToPrep(prepShares)
	if err != nil {
		return [2]Vector{}, err
	}
	var outs [2]Vector
	for aggID := 0; aggID < 2; aggID++ {
		tr := p.PrepareNext(states[aggID], msg)
		if tr.Kind != TransitionFinish {
			t.Fatalf("aggregator %d: got transition %v (%v), want finish", aggID, tr.Kind, tr.Err)
		}
		outs[aggID] = tr.OutputShare
	}
	return outs, nil
}

func TestShardPrepareAggregate(t *testing.T) {
	for _, tc := range []struct {
		desc         string
		config       Config
		measurements []uint64
		want         []uint64
	}{
		{
			desc:         "count",
			config:       Config{Type: "prio3count"},
			measurements: []uint64{1, 0, 1, 1, 0},
			want:         []uint64{3},
		},
		{
			desc:         "sum one to ten",
			config:       Config{Type: "prio3sum", Bits: 8},
			measurements: []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			want:         []uint64{55},
		},
		{
			desc:         "sum full width",
			config:       Config{Type: "prio3sum", Bits: 64},
			measurements: []uint64{1 << 62, 1 << 62, 7},
			want:         []uint64{1<<63 + 7},
		},
		{
			desc:         "histogram",
			config:       Config{Type: "prio3histogram", Length: 4},
			measurements: []uint64{0, 3, 3, 1, 3},
			want:         []uint64{1, 1, 0, 3},
		},
		{
			desc:         "prio2",
			config:       Config{Type: "prio2", Dimension: 5},
			measurements: []uint64{0b00001, 0b10101, 0b11111, 0},
			want:         []uint64{3, 1, 2, 1, 2},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := New(tc.config)
			if err != nil {
				t.Fatal(err)
			}
			verifyKey := randomBytes(t, SeedSize)
			var leaderOuts, helperOuts []Vector
			for _, m := range tc.measurements {
				nonce := randomBytes(t, SeedSize)
				publicShare, inputShares, err := p.Shard(m, nonce)
				if err != nil {
					t.Fatal(err)
				}
				outs, err := runReport(t, p, [2][]byte{verifyKey, verifyKey}, nonce, publicShare, inputShares)
				if err != nil {
					t.Fatalf("measurement %d rejected: %v", m, err)
				}
				leaderOuts = append(leaderOuts, outs[0])
				helperOuts = append(helperOuts, outs[1])
			}

			leaderAgg, err := p.Aggregate(leaderOuts...)
			if err != nil {
				t.Fatal(err)
			}
			// Split the Helper's outputs to check that merging partial aggregates is equivalent.
			half := len(helperOuts) / 2
			first, err := p.Aggregate(helperOuts[:half]...)
			if err != nil {
				t.Fatal(err)
			}
			second, err := p.Aggregate(helperOuts[half:]...)
			if err != nil {
				t.Fatal(err)
			}
			helperAgg, err := p.Merge(first, uint64(half), second, uint64(len(helperOuts)-half))
			if err != nil {
				t.Fatal(err)
			}

			n := uint64(len(tc.measurements))
			got, err := p.Unshard([][]byte{p.EncodeVector(leaderAgg), p.EncodeVector(helperAgg)}, n, n)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("aggregate result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestRandomBatchesMatchPlainAggregate shards random measurements, prepares them on both
// Aggregators, aggregates the output shares in random partitions and checks that unsharding gives
// the aggregate computed in the clear.
func TestRandomBatchesMatchPlainAggregate(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := mathrand.New(mathrand.NewSource(seed))

	for _, tc := range []struct {
		config Config
		// draw returns a random valid measurement.
		draw func() uint64
		// add folds a measurement into the plain aggregate.
		add func(agg []uint64, m uint64)
	}{
		{
			config: Config{Type: "prio3count"},
			draw:   func() uint64 { return uint64(rng.Intn(2)) },
			add:    func(agg []uint64, m uint64) { agg[0] += m },
		},
		{
			config: Config{Type: "prio3sum", Bits: 16},
			draw:   func() uint64 { return uint64(rng.Intn(1 << 16)) },
			add:    func(agg []uint64, m uint64) { agg[0] += m },
		},
		{
			config: Config{Type: "prio3histogram", Length: 7},
			draw:   func() uint64 { return uint64(rng.Intn(7)) },
			add:    func(agg []uint64, m uint64) { agg[m]++ },
		},
		{
			config: Config{Type: "prio2", Dimension: 9},
			draw:   func() uint64 { return uint64(rng.Intn(1 << 9)) },
			add: func(agg []uint64, m uint64) {
				for i := range agg {
					agg[i] += (m >> uint(i)) & 1
				}
			},
		},
	} {
		t.Run(tc.config.Type, func(t *testing.T) {
			p, err := New(tc.config)
			if err != nil {
				t.Fatal(err)
			}
			for batch := 0; batch < 3; batch++ {
				verifyKey := randomBytes(t, SeedSize)
				n := 1 + rng.Intn(16)
				want := make([]uint64, p.OutputLen())
				var outs [2][]Vector
				for i := 0; i < n; i++ {
					m := tc.draw()
					tc.add(want, m)
					nonce := randomBytes(t, SeedSize)
					publicShare, inputShares, err := p.Shard(m, nonce)
					if err != nil {
						t.Fatal(err)
					}
					shares, err := runReport(t, p, [2][]byte{verifyKey, verifyKey}, nonce, publicShare, inputShares)
					if err != nil {
						t.Fatalf("valid measurement %d rejected: %v", m, err)
					}
					outs[0] = append(outs[0], shares[0])
					outs[1] = append(outs[1], shares[1])
				}

				var aggShares [][]byte
				for aggID := 0; aggID < 2; aggID++ {
					// Each Aggregator merges its own random partition of the job outputs.
					cut := rng.Intn(n + 1)
					first, err := p.Aggregate(outs[aggID][:cut]...)
					if err != nil {
						t.Fatal(err)
					}
					second, err := p.Aggregate(outs[aggID][cut:]...)
					if err != nil {
						t.Fatal(err)
					}
					merged, err := p.Merge(first, uint64(cut), second, uint64(n-cut))
					if err != nil {
						t.Fatal(err)
					}
					aggShares = append(aggShares, p.EncodeVector(merged))
				}
				got, err := p.Unshard(aggShares, uint64(n), 1)
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("batch %d of %d reports: aggregate mismatch (-want +got):\n%s", batch, n, diff)
				}
			}
		})
	}
}

func TestInvalidReportsRejected(t *testing.T) {
	sum8, err := New(Config{Type: "prio3sum", Bits: 8})
	if err != nil {
		t.Fatal(err)
	}
	count, err := New(Config{Type: "prio3count"})
	if err != nil {
		t.Fatal(err)
	}
	hist, err := New(Config{Type: "prio3histogram", Length: 3})
	if err != nil {
		t.Fatal(err)
	}
	prio2, err := New(Config{Type: "prio2", Dimension: 4})
	if err != nil {
		t.Fatal(err)
	}
	f := Field128
	one := uint128.From64(1)

	for _, tc := range []struct {
		desc      string
		engine    *Prio3
		encoded   Vector
		tamper    func(shares [][]byte) [][]byte
		helperKey bool
	}{
		{
			desc:    "count of two",
			engine:  count,
			encoded: Vector{uint128.From64(2)},
		},
		{
			desc:    "sum with a non-bit",
			engine:  sum8,
			encoded: Vector{1: uint128.From64(3), 7: uint128.Zero},
		},
		{
			desc:    "histogram with two buckets set",
			engine:  hist,
			encoded: Vector{one, one, uint128.Zero},
		},
		{
			desc:    "histogram with no bucket set",
			engine:  hist,
			encoded: Vector{uint128.Zero, uint128.Zero, uint128.Zero},
		},
		{
			desc:    "histogram with a negative bucket",
			engine:  hist,
			encoded: Vector{f.Neg(one), one, one},
		},
		{
			desc:    "prio2 with a non-bit",
			engine:  prio2,
			encoded: Vector{one, uint128.From64(2), uint128.Zero, one},
		},
		{
			desc:    "prio2 with a negative element",
			engine:  prio2,
			encoded: Vector{FieldPrio2.Neg(one), uint128.Zero, uint128.Zero, uint128.Zero},
		},
		{
			desc:    "tampered leader measurement share",
			engine:  sum8,
			encoded: Vector{one, 7: uint128.Zero},
			tamper:  func(shares [][]byte) [][]byte {
				leader := append([]byte(nil), shares[0]...)
				leader[0] ^= 1
				return [][]byte{leader, shares[1]}
			},
		},
		{
			desc:    "tampered helper seed",
			engine:  count,
			encoded: Vector{one},
			tamper:  func(shares [][]byte) [][]byte {
				helper := append([]byte(nil), shares[1]...)
				helper[3] ^= 0x80
				return [][]byte{shares[0], helper}
			},
		},
		{
			desc:      "aggregators disagree on the verify key",
			engine:    sum8,
			encoded:   Vector{one, 7: uint128.Zero},
			helperKey: true,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			nonce := randomBytes(t, SeedSize)
			publicShare, inputShares, err := tc.engine.shardEncoded(tc.encoded, nonce)
			if err != nil {
				t.Fatal(err)
			}
			if tc.tamper != nil {
				inputShares = tc.tamper(inputShares)
			}
			verifyKey := randomBytes(t, SeedSize)
			keys := [2][]byte{verifyKey, verifyKey}
			if tc.helperKey {
				keys[1] = randomBytes(t, SeedSize)
			}
			_, err = runReport(t, tc.engine, keys, nonce, publicShare, inputShares)
			if !errors.Is(err, daperrors.ErrVdafPrepare) {
				t.Errorf("got error %v, want %v", err, daperrors.ErrVdafPrepare)
			}
		})
	}
}

func TestPrepareInitRejectsMalformedShares(t *testing.T) {
	p, err := New(Config{Type: "prio3sum", Bits: 4})
	if err != nil {
		t.Fatal(err)
	}
	nonce := randomBytes(t, SeedSize)
	verifyKey := randomBytes(t, SeedSize)
	publicShare, inputShares, err := p.Shard(5, nonce)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		desc        string
		aggID       int
		nonce       []byte
		publicShare []byte
		inputShare  []byte
	}{
		{"short leader share", 0, nonce, publicShare, inputShares[0][1:]},
		{"long helper share", 1, nonce, publicShare, append(inputShares[1], 0)},
		{"unexpected public share", 1, nonce, []byte{1}, inputShares[1]},
		{"short nonce", 0, nonce[:8], publicShare, inputShares[0]},
		{"unknown aggregator", 2, nonce, publicShare, inputShares[1]},
	} {
		if _, _, err := p.PrepareInit(verifyKey, tc.aggID, tc.nonce, tc.publicShare, tc.inputShare); !errors.Is(err, daperrors.ErrVdafPrepare) {
			t.Errorf("%s: got error %v, want %v", tc.desc, err, daperrors.ErrVdafPrepare)
		}
	}
}

func TestPrepareNextRejectsUnexpectedMessage(t *testing.T) {
	p, err := New(Config{Type: "prio3count"})
	if err != nil {
		t.Fatal(err)
	}
	state := &PrepState{OutputShare: Vector{uint128.From64(1)}}
	for _, tc := range []struct {
		desc  string
		state *PrepState
		msg   []byte
	}{
		{"non-empty message", state, []byte{0}},
		{"finished state", &PrepState{Round: 1}, nil},
		{"missing state", nil, nil},
	} {
		tr := p.PrepareNext(tc.state, tc.msg)
		if tr.Kind != TransitionFail || !errors.Is(tr.Err, daperrors.ErrVdafPrepare) {
			t.Errorf("%s: got transition %v (%v), want fail", tc.desc, tr.Kind, tr.Err)
		}
	}
}

func TestShardRejectsInvalidMeasurement(t *testing.T) {
	nonce := make([]byte, SeedSize)
	for _, tc := range []struct {
		config      Config
		measurement uint64
	}{
		{Config{Type: "prio3count"}, 2},
		{Config{Type: "prio3sum", Bits: 4}, 16},
		{Config{Type: "prio3histogram", Length: 3}, 3},
		{Config{Type: "prio2", Dimension: 3}, 8},
	} {
		p, err := New(tc.config)
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := p.Shard(tc.measurement, nonce); err == nil {
			t.Errorf("%+v: expected error sharding %d", tc.config, tc.measurement)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Type: "prio3sum"},
		{Type: "prio3sum", Bits: 65},
		{Type: "prio3histogram"},
		{Type: "prio3histogram", Length: MaxHistogramLength + 1},
		{Type: "prio2"},
		{Type: "prio2", Dimension: MaxPrio2Dimension + 1},
		{Type: "poplar1"},
	} {
		if _, err := New(cfg); err == nil {
			t.Errorf("expected error for config %+v", cfg)
		}
	}
}

func TestUnshard(t *testing.T) {
	p, err := New(Config{Type: "prio3sum", Bits: 64})
	if err != nil {
		t.Fatal(err)
	}
	max := uint128.From64(^uint64(0))
	share := p.EncodeVector(Vector{max})
	zero := p.EncodeVector(Vector{uint128.Zero})

	if _, err := p.Unshard([][]byte{share, share}, 2, 1); !errors.Is(err, daperrors.ErrOverflow) {
		t.Errorf("got error %v, want %v", err, daperrors.ErrOverflow)
	}
	if _, err := p.Unshard([][]byte{share, zero}, 9, 10); !errors.Is(err, daperrors.ErrInvalidBatchSize) {
		t.Errorf("got error %v, want %v", err, daperrors.ErrInvalidBatchSize)
	}
	got, err := p.Unshard([][]byte{share, zero}, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{^uint64(0)}, got); diff != "" {
		t.Errorf("aggregate result mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeRejectsCountOverflow(t *testing.T) {
	p, err := New(Config{Type: "prio3sum", Bits: 64})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Merge(nil, p.maxCount, Vector{uint128.Zero}, 1); !errors.Is(err, daperrors.ErrOverflow) {
		t.Errorf("got error %v, want %v", err, daperrors.ErrOverflow)
	}
	if _, err := p.Merge(nil, ^uint64(0), nil, 1); !errors.Is(err, daperrors.ErrOverflow) {
		t.Errorf("got error %v, want %v", err, daperrors.ErrOverflow)
	}
}

func TestPrepStateEncoding(t *testing.T) {
	p, err := New(Config{Type: "prio3histogram", Length: 3})
	if err != nil {
		t.Fatal(err)
	}
	want := &PrepState{Round: 0, OutputShare: Vector{uint128.From64(1), uint128.Zero, Field128.Neg(uint128.From64(5))}}
	got, err := p.DecodePrepState(p.EncodePrepState(want))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("prepare state mismatch (-want +got):\n%s", diff)
	}
}
