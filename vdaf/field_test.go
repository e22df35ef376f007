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
	"testing"

	"github.com/google/go-cmp/cmp"
	"lukechampine.com/uint128"
)

func TestFieldArithmetic(t *testing.T) {
	for _, f := range []*Field{FieldPrio2, Field64, Field128} {
		pMinus1 := f.Modulus().Sub64(1)
		pMinus2 := f.Modulus().Sub64(2)
		one := uint128.From64(1)
		for _, tc := range []struct {
			desc string
			got  uint128.Uint128
			want uint128.Uint128
		}{
			{"add wraps", f.Add(pMinus1, pMinus1), pMinus2},
			{"sub wraps", f.Sub(uint128.Zero, one), pMinus1},
			{"neg zero", f.Neg(uint128.Zero), uint128.Zero},
			{"mul minus one squared", f.Mul(pMinus1, pMinus1), one},
			{"inverse of two", f.Mul(f.Inv(uint128.From64(2)), uint128.From64(2)), one},
			{"pow", f.Pow(uint128.From64(3), uint128.From64(4)), uint128.From64(81)},
		} {
			if !tc.got.Equals(tc.want) {
				t.Errorf("%s %s: got %v, want %v", f, tc.desc, tc.got, tc.want)
			}
		}
	}
}

func TestFieldDecodeRejectsOutOfRange(t *testing.T) {
	for _, f := range []*Field{FieldPrio2, Field64, Field128} {
		b := f.EncodeVec(nil, Vector{uint128.From64(7)})
		got, err := f.DecodeVec(b, 1)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(Vector{uint128.From64(7)}, got); diff != "" {
			t.Errorf("%s decoded vector mismatch (-want +got):\n%s", f, diff)
		}

		tooBig := make([]byte, f.EncodedSize())
		for i := range tooBig {
			tooBig[i] = 0xff
		}
		if _, err := f.DecodeVec(tooBig, 1); err == nil {
			t.Errorf("%s: expected error decoding an element >= p", f)
		}
		if _, err := f.DecodeVec(b, 2); err == nil {
			t.Errorf("%s: expected error decoding a short vector", f)
		}
	}
}

func TestInterpolate(t *testing.T) {
	f := Field128
	// 3 + 2X passes through (0, 3), (1, 5), (2, 7).
	got := interpolate(f, Vector{uint128.From64(3), uint128.From64(5), uint128.From64(7)})
	want := Vector{uint128.From64(3), uint128.From64(2), uint128.Zero}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("interpolated coefficients mismatch (-want +got):\n%s", diff)
	}

	ys := Vector{uint128.From64(9), uint128.From64(1), f.Neg(uint128.From64(4)), uint128.From64(12)}
	coeffs := interpolate(f, ys)
	for i, y := range ys {
		if got := polyEval(f, coeffs, uint128.From64(uint64(i))); !got.Equals(y) {
			t.Errorf("w(%d) = %v, want %v", i, got, y)
		}
	}
}

func TestXOFDomainSeparation(t *testing.T) {
	seed := make([]byte, SeedSize)
	read := func(dst, binder []byte) []byte {
		b := make([]byte, 32)
		NewXOF(seed, dst, binder).Read(b)
		return b
	}
	a := read(domainSeparationTag(Prio3SumID, usageMeasurementShare), []byte("nonce"))
	if diff := cmp.Diff(a, read(domainSeparationTag(Prio3SumID, usageMeasurementShare), []byte("nonce"))); diff != "" {
		t.Errorf("XOF output is not deterministic (-first +second):\n%s", diff)
	}
	if cmp.Equal(a, read(domainSeparationTag(Prio3SumID, usageProofShare), []byte("nonce"))) {
		t.Error("XOF output does not depend on the usage")
	}
	if cmp.Equal(a, read(domainSeparationTag(Prio3HistogramID, usageMeasurementShare), []byte("nonce"))) {
		t.Error("XOF output does not depend on the algorithm")
	}
	if cmp.Equal(a, read(domainSeparationTag(Prio3SumID, usageMeasurementShare), []byte("other"))) {
		t.Error("XOF output does not depend on the binder")
	}
}
