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

// Package vdaf implements the Prio3 family of verifiable distributed aggregation functions
// for two Aggregators (Count, Sum and Histogram) and Prio2, a bit-vector sum over a 32-bit field.
package vdaf

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/oliy/daphne/shared/daperrors"
)

// Algorithm identifiers.
const (
	Prio3CountID     uint32 = 0x00000000
	Prio3SumID       uint32 = 0x00000001
	Prio3HistogramID uint32 = 0x00000003
	Prio2ID          uint32 = 0xFFFF0000
)

// Config selects a VDAF and its parameters.
type Config struct {
	// Type is one of "prio3count", "prio3sum", "prio3histogram" or "prio2".
	Type string `yaml:"type" json:"type"`
	// Bits is the bit width of a Prio3Sum measurement.
	Bits int `yaml:"bits,omitempty" json:"bits,omitempty"`
	// Length is the number of Prio3Histogram buckets.
	Length int `yaml:"length,omitempty" json:"length,omitempty"`
	// Dimension is the number of bits of a Prio2 measurement.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty"`
}

// Maximum parameter values.
const (
	MaxSumBits         = 64
	MaxHistogramLength = 1024
	// MaxPrio2Dimension is bounded by the bit mask a measurement is given as.
	MaxPrio2Dimension = 64
)

// PrepState is an Aggregator's state between preparation steps of one report.
type PrepState struct {
	Round       int
	OutputShare Vector
}

// TransitionKind tags a PrepareTransition.
type TransitionKind int

// Preparation outcomes.
const (
	TransitionContinue TransitionKind = iota
	TransitionFinish
	TransitionFail
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionContinue:
		return "continue"
	case TransitionFinish:
		return "finish"
	case TransitionFail:
		return "fail"
	}
	return fmt.Sprintf("transition(%d)", int(k))
}

// PrepareTransition is the result of PrepareNext.
type PrepareTransition struct {
	Kind TransitionKind
	// State and Message are set for TransitionContinue.
	State   *PrepState
	Message []byte
	// OutputShare is set for TransitionFinish.
	OutputShare Vector
	// Err is set for TransitionFail and wraps daperrors.ErrVdafPrepare.
	Err error
}

// Engine is a VDAF as used by Clients, Aggregators and Collectors.
type Engine interface {
	ID() uint32
	Rounds() int
	OutputLen() int
	Shard(measurement uint64, nonce []byte) (publicShare []byte, inputShares [][]byte, err error)
	PrepareInit(verifyKey []byte, aggID int, nonce, publicShare, inputShare []byte) (*PrepState, []byte, error)
	PrepSharesToPrep(prepShares [][]byte) ([]byte, error)
	PrepareNext(state *PrepState, msg []byte) PrepareTransition
	Aggregate(outputShares ...Vector) (Vector, error)
	Merge(dst Vector, dstCount uint64, src Vector, srcCount uint64) (Vector, error)
	Unshard(aggShares [][]byte, reportCount, minBatchSize uint64) ([]uint64, error)
	EncodeVector(v Vector) []byte
	DecodeVector(b []byte) (Vector, error)
	EncodePrepState(s *PrepState) []byte
	DecodePrepState(b []byte) (*PrepState, error)
}

// Prio3 is a two-Aggregator instance of the proof system. Prio2 runs on it too, with its own
// field and circuit.
type Prio3 struct {
	id       uint32
	field    *Field
	valid    validity
	maxCount uint64
	rand     io.Reader
}

// New returns the engine described by cfg.
func New(cfg Config) (*Prio3, error) {
	switch cfg.Type {
	case "prio3count":
		return newPrio3(Prio3CountID, Field64, countValidity{}), nil
	case "prio3sum":
		if cfg.Bits < 1 || cfg.Bits > MaxSumBits {
			return nil, fmt.Errorf("prio3sum bits must be in [1, %d], got %d", MaxSumBits, cfg.Bits)
		}
		return newPrio3(Prio3SumID, Field128, sumValidity{bits: cfg.Bits}), nil
	case "prio3histogram":
		if cfg.Length < 1 || cfg.Length > MaxHistogramLength {
			return nil, fmt.Errorf("prio3histogram length must be in [1, %d], got %d", MaxHistogramLength, cfg.Length)
		}
		return newPrio3(Prio3HistogramID, Field128, histogramValidity{length: cfg.Length}), nil
	case "prio2":
		if cfg.Dimension < 1 || cfg.Dimension > MaxPrio2Dimension {
			return nil, fmt.Errorf("prio2 dimension must be in [1, %d], got %d", MaxPrio2Dimension, cfg.Dimension)
		}
		return newPrio3(Prio2ID, FieldPrio2, bitVectorValidity{dimension: cfg.Dimension}), nil
	}
	return nil, fmt.Errorf("unsupported VDAF type %q", cfg.Type)
}

func newPrio3(id uint32, f *Field, v validity) *Prio3 {
	// The largest report count whose aggregate cannot wrap around the modulus.
	limit := new(big.Int).Sub(f.Modulus().Big(), big.NewInt(1))
	limit.Quo(limit, v.maxOutput().Big())
	maxCount := ^uint64(0)
	if limit.IsUint64() {
		maxCount = limit.Uint64()
	}
	return &Prio3{id: id, field: f, valid: v, maxCount: maxCount, rand: rand.Reader}
}

func (p *Prio3) ID() uint32     { return p.id }
func (p *Prio3) Rounds() int    { return 1 }
func (p *Prio3) OutputLen() int { return p.valid.outputLen() }

// Field returns the field the engine computes in.
func (p *Prio3) Field() *Field { return p.field }

func (p *Prio3) inputShareLen(aggID int) int {
	if aggID == 0 {
		n := p.valid.inputLen()
		return (n + proofLen(n)) * p.field.EncodedSize()
	}
	return SeedSize
}

// helperShare expands the Helper's seed into its measurement and proof shares.
func (p *Prio3) helperShare(seed, nonce []byte) (Vector, Vector) {
	n := p.valid.inputLen()
	binder := append([]byte{1}, nonce...)
	meas := p.field.Sample(NewXOF(seed, domainSeparationTag(p.id, usageMeasurementShare), binder), n)
	proof := p.field.Sample(NewXOF(seed, domainSeparationTag(p.id, usageProofShare), binder), proofLen(n))
	return meas, proof
}

// Shard splits a measurement into a Leader share and a Helper share. The public share is empty.
func (p *Prio3) Shard(measurement uint64, nonce []byte) ([]byte, [][]byte, error) {
	if len(nonce) != SeedSize {
		return nil, nil, fmt.Errorf("nonce must be %d bytes, got %d", SeedSize, len(nonce))
	}
	x, err := p.valid.encode(p.field, measurement)
	if err != nil {
		return nil, nil, err
	}
	return p.shardEncoded(x, nonce)
}

func (p *Prio3) shardEncoded(x Vector, nonce []byte) ([]byte, [][]byte, error) {
	buf := make([]byte, SeedSize+p.field.EncodedSize())
	if _, err := io.ReadFull(p.rand, buf); err != nil {
		return nil, nil, err
	}
	seed := buf[:SeedSize]
	mask := p.field.Sample(NewXOF(buf[SeedSize:], nil, nil), 1)[0]
	proof := prove(p.field, x, mask)

	helperMeas, helperProof := p.helperShare(seed, nonce)
	leader := p.field.EncodeVec(nil, p.field.SubVec(x, helperMeas))
	leader = p.field.EncodeVec(leader, p.field.SubVec(proof, helperProof))
	return nil, [][]byte{leader, append([]byte(nil), seed...)}, nil
}

// PrepareInit decodes an input share and computes the Aggregator's verifier share.
func (p *Prio3) PrepareInit(verifyKey []byte, aggID int, nonce, publicShare, inputShare []byte) (*PrepState, []byte, error) {
	if len(verifyKey) != SeedSize {
		return nil, nil, fmt.Errorf("%w: verify key must be %d bytes", daperrors.ErrVdafPrepare, SeedSize)
	}
	if len(nonce) != SeedSize {
		return nil, nil, fmt.Errorf("%w: nonce must be %d bytes", daperrors.ErrVdafPrepare, SeedSize)
	}
	if aggID != 0 && aggID != 1 {
		return nil, nil, fmt.Errorf("%w: aggregator id %d", daperrors.ErrVdafPrepare, aggID)
	}
	if len(publicShare) != 0 {
		return nil, nil, fmt.Errorf("%w: unexpected public share", daperrors.ErrVdafPrepare)
	}
	if len(inputShare) != p.inputShareLen(aggID) {
		return nil, nil, fmt.Errorf("%w: input share is %d bytes, want %d", daperrors.ErrVdafPrepare, len(inputShare), p.inputShareLen(aggID))
	}

	n := p.valid.inputLen()
	var x, proof Vector
	if aggID == 0 {
		all, err := p.field.DecodeVec(inputShare, n+proofLen(n))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", daperrors.ErrVdafPrepare, err)
		}
		x, proof = all[:n], all[n:]
	} else {
		x, proof = p.helperShare(inputShare, nonce)
	}

	r, rho := queryRand(p.field, p.id, verifyKey, nonce, n)
	verifier := query(p.field, p.valid, x, proof, r, rho, aggID)
	state := &PrepState{Round: 0, OutputShare: p.valid.truncate(p.field, x)}
	return state, p.field.EncodeVec(nil, verifier), nil
}

// PrepSharesToPrep combines both verifier shares and decides whether the report is valid.
//
// The returned prepare message is empty.
func (p *Prio3) PrepSharesToPrep(prepShares [][]byte) ([]byte, error) {
	if len(prepShares) != 2 {
		return nil, fmt.Errorf("%w: got %d prepare shares", daperrors.ErrVdafPrepare, len(prepShares))
	}
	verifier := make(Vector, verifierLen)
	for _, share := range prepShares {
		v, err := p.field.DecodeVec(share, verifierLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", daperrors.ErrVdafPrepare, err)
		}
		p.field.AddVec(verifier, v)
	}
	if !decide(p.field, verifier) {
		return nil, fmt.Errorf("%w: proof verification failed", daperrors.ErrVdafPrepare)
	}
	return []byte{}, nil
}

// PrepareNext consumes the prepare message of the current round.
func (p *Prio3) PrepareNext(state *PrepState, msg []byte) PrepareTransition {
	if state == nil || state.Round != 0 {
		return PrepareTransition{Kind: TransitionFail, Err: fmt.Errorf("%w: unexpected preparation round", daperrors.ErrVdafPrepare)}
	}
	if len(msg) != 0 {
		return PrepareTransition{Kind: TransitionFail, Err: fmt.Errorf("%w: malformed prepare message", daperrors.ErrVdafPrepare)}
	}
	return PrepareTransition{Kind: TransitionFinish, OutputShare: state.OutputShare}
}

func (p *Prio3) checkCount(n uint64) error {
	if n > p.maxCount {
		return fmt.Errorf("%w: %d reports exceed the aggregation limit %d", daperrors.ErrOverflow, n, p.maxCount)
	}
	return nil
}

// Aggregate sums output shares.
func (p *Prio3) Aggregate(outputShares ...Vector) (Vector, error) {
	if err := p.checkCount(uint64(len(outputShares))); err != nil {
		return nil, err
	}
	agg := make(Vector, p.OutputLen())
	for _, out := range outputShares {
		if len(out) != len(agg) {
			return nil, fmt.Errorf("output share has %d elements, want %d", len(out), len(agg))
		}
		p.field.AddVec(agg, out)
	}
	return agg, nil
}

// Merge adds two aggregate shares covering dstCount and srcCount reports.
//
// A nil dst is treated as the empty aggregate.
func (p *Prio3) Merge(dst Vector, dstCount uint64, src Vector, srcCount uint64) (Vector, error) {
	total := dstCount + srcCount
	if total < dstCount {
		return nil, fmt.Errorf("%w: report count", daperrors.ErrOverflow)
	}
	if err := p.checkCount(total); err != nil {
		return nil, err
	}
	out := make(Vector, p.OutputLen())
	for _, v := range []Vector{dst, src} {
		if v == nil {
			continue
		}
		if len(v) != len(out) {
			return nil, fmt.Errorf("aggregate share has %d elements, want %d", len(v), len(out))
		}
		p.field.AddVec(out, v)
	}
	return out, nil
}

// Unshard combines the Aggregators' encoded aggregate shares into the aggregate result.
func (p *Prio3) Unshard(aggShares [][]byte, reportCount, minBatchSize uint64) ([]uint64, error) {
	if reportCount < minBatchSize {
		return nil, fmt.Errorf("%w: %d reports, minimum is %d", daperrors.ErrInvalidBatchSize, reportCount, minBatchSize)
	}
	if err := p.checkCount(reportCount); err != nil {
		return nil, err
	}
	sum := make(Vector, p.OutputLen())
	for _, share := range aggShares {
		v, err := p.DecodeVector(share)
		if err != nil {
			return nil, err
		}
		p.field.AddVec(sum, v)
	}
	out := make([]uint64, len(sum))
	for i, x := range sum {
		if x.Hi != 0 {
			return nil, fmt.Errorf("%w: aggregate element %d is %v", daperrors.ErrOverflow, i, x)
		}
		out[i] = x.Lo
	}
	return out, nil
}

func (p *Prio3) EncodeVector(v Vector) []byte {
	return p.field.EncodeVec(nil, v)
}

func (p *Prio3) DecodeVector(b []byte) (Vector, error) {
	return p.field.DecodeVec(b, p.OutputLen())
}

func (p *Prio3) EncodePrepState(s *PrepState) []byte {
	return p.field.EncodeVec([]byte{byte(s.Round)}, s.OutputShare)
}

func (p *Prio3) DecodePrepState(b []byte) (*PrepState, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty prepare state", daperrors.ErrVdafPrepare)
	}
	out, err := p.field.DecodeVec(b[1:], p.OutputLen())
	if err != nil {
		return nil, err
	}
	return &PrepState{Round: int(b[0]), OutputShare: out}, nil
}
