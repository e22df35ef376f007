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
	"fmt"

	"lukechampine.com/uint128"
)

// Vector is a sequence of field elements.
type Vector []uint128.Uint128

// validity describes how a measurement is encoded and which constraints the proof system checks.
//
// Every encoded element must be 0 or 1. When oneHot is set, the elements must also sum to one.
type validity interface {
	inputLen() int
	outputLen() int
	oneHot() bool
	// maxOutput bounds each element of a single output share.
	maxOutput() uint128.Uint128
	encode(f *Field, measurement uint64) (Vector, error)
	truncate(f *Field, input Vector) Vector
}

type countValidity struct{}

func (countValidity) inputLen() int              { return 1 }
func (countValidity) outputLen() int             { return 1 }
func (countValidity) oneHot() bool               { return false }
func (countValidity) maxOutput() uint128.Uint128 { return uint128.From64(1) }

func (countValidity) encode(f *Field, m uint64) (Vector, error) {
	if m > 1 {
		return nil, fmt.Errorf("count measurement must be 0 or 1, got %d", m)
	}
	return Vector{f.Elem(m)}, nil
}

func (countValidity) truncate(_ *Field, input Vector) Vector {
	return Vector{input[0]}
}

type sumValidity struct {
	bits int
}

func (s sumValidity) inputLen() int  { return s.bits }
func (s sumValidity) outputLen() int { return 1 }
func (s sumValidity) oneHot() bool   { return false }

func (s sumValidity) maxOutput() uint128.Uint128 {
	return uint128.From64(1).Lsh(uint(s.bits)).Sub64(1)
}

func (s sumValidity) encode(f *Field, m uint64) (Vector, error) {
	if s.bits < 64 && m>>uint(s.bits) != 0 {
		return nil, fmt.Errorf("sum measurement %d does not fit in %d bits", m, s.bits)
	}
	out := make(Vector, s.bits)
	for i := range out {
		out[i] = f.Elem((m >> uint(i)) & 1)
	}
	return out, nil
}

func (s sumValidity) truncate(f *Field, input Vector) Vector {
	sum := uint128.Zero
	for i := len(input) - 1; i >= 0; i-- {
		sum = f.Add(f.Add(sum, sum), input[i])
	}
	return Vector{sum}
}

type histogramValidity struct {
	length int
}

func (h histogramValidity) inputLen() int              { return h.length }
func (h histogramValidity) outputLen() int             { return h.length }
func (h histogramValidity) oneHot() bool               { return true }
func (h histogramValidity) maxOutput() uint128.Uint128 { return uint128.From64(1) }

func (h histogramValidity) encode(f *Field, m uint64) (Vector, error) {
	if m >= uint64(h.length) {
		return nil, fmt.Errorf("histogram bucket %d out of range [0, %d)", m, h.length)
	}
	out := make(Vector, h.length)
	out[m] = uint128.From64(1)
	return out, nil
}

func (h histogramValidity) truncate(_ *Field, input Vector) Vector {
	return append(Vector(nil), input...)
}

// bitVectorValidity is the Prio2 circuit: a vector of independent bits, summed element-wise. The
// measurement is a bit mask whose bit i is element i.
type bitVectorValidity struct {
	dimension int
}

func (b bitVectorValidity) inputLen() int              { return b.dimension }
func (b bitVectorValidity) outputLen() int             { return b.dimension }
func (b bitVectorValidity) oneHot() bool               { return false }
func (b bitVectorValidity) maxOutput() uint128.Uint128 { return uint128.From64(1) }

func (b bitVectorValidity) encode(f *Field, m uint64) (Vector, error) {
	if b.dimension < 64 && m>>uint(b.dimension) != 0 {
		return nil, fmt.Errorf("prio2 measurement %#x has bits beyond dimension %d", m, b.dimension)
	}
	out := make(Vector, b.dimension)
	for i := range out {
		out[i] = f.Elem((m >> uint(i)) & 1)
	}
	return out, nil
}

func (b bitVectorValidity) truncate(_ *Field, input Vector) Vector {
	return append(Vector(nil), input...)
}

// The proof system encodes the input x of length n as a wire polynomial w of
// degree n with w(0) = s for a random mask s and w(i) = x[i-1]. The proof is
// [s, coefficients of p = w*w]. Given shares of x and of the proof, each
// Aggregator evaluates its share of w(r), p(r) and of the constraint sum
//
//	C = sum_i rho^i (p(i) - x[i-1])   [+ rho^(n+1) (sum_i x[i-1] - 1) when one-hot]
//
// at query points r and rho derived from the verify key and the nonce.
// The report is valid iff C == 0 and w(r)^2 == p(r).

func proofLen(n int) int { return 2*n + 2 }

const verifierLen = 3

// prove returns the proof for input x with wire mask s.
func prove(f *Field, x Vector, s uint128.Uint128) Vector {
	w := interpolate(f, append(Vector{s}, x...))
	return append(Vector{s}, polyMul(f, w, w)...)
}

// queryRand returns the evaluation point r and the constraint weight rho for a nonce.
func queryRand(f *Field, algorithmID uint32, verifyKey, nonce []byte, n int) (r, rho uint128.Uint128) {
	x := NewXOF(verifyKey, domainSeparationTag(algorithmID, usageQueryRandomness), nonce)
	bound := uint128.From64(uint64(n))
	for {
		r = f.Sample(x, 1)[0]
		// w(1..n) are input values, and w(0) is the mask.
		if r.Cmp(bound) > 0 {
			break
		}
	}
	return r, f.Sample(x, 1)[0]
}

// query computes an Aggregator's verifier share from its input and proof shares.
func query(f *Field, v validity, x, proof Vector, r, rho uint128.Uint128, aggID int) Vector {
	n := len(x)
	w := interpolate(f, append(Vector{proof[0]}, x...))
	p := proof[1:]

	c := uint128.Zero
	weight := uint128.From64(1)
	for i := 1; i <= n; i++ {
		weight = f.Mul(weight, rho)
		term := f.Sub(polyEval(f, p, uint128.From64(uint64(i))), x[i-1])
		c = f.Add(c, f.Mul(weight, term))
	}
	if v.oneHot() {
		weight = f.Mul(weight, rho)
		sum := uint128.Zero
		for _, xi := range x {
			sum = f.Add(sum, xi)
		}
		if aggID == 0 {
			sum = f.Sub(sum, uint128.From64(1))
		}
		c = f.Add(c, f.Mul(weight, sum))
	}
	return Vector{polyEval(f, w, r), polyEval(f, p, r), c}
}

// decide reports whether the combined verifier accepts.
func decide(f *Field, verifier Vector) bool {
	wr, pr, c := verifier[0], verifier[1], verifier[2]
	return c.IsZero() && f.Mul(wr, wr).Equals(pr)
}

// interpolate returns the coefficients, lowest degree first, of the unique
// polynomial of degree len(ys)-1 through (k, ys[k]) for k = 0..len(ys)-1.
func interpolate(f *Field, ys Vector) Vector {
	n := len(ys)
	// full = prod_m (X - m)
	full := make(Vector, n+1)
	full[0] = uint128.From64(1)
	for m := 0; m < n; m++ {
		negM := f.Neg(f.Elem(uint64(m)))
		for i := m + 1; i > 0; i-- {
			full[i] = f.Add(full[i-1], f.Mul(full[i], negM))
		}
		full[0] = f.Mul(full[0], negM)
	}

	out := make(Vector, n)
	q := make(Vector, n)
	for k := 0; k < n; k++ {
		if ys[k].IsZero() {
			continue
		}
		kk := f.Elem(uint64(k))
		q[n-1] = full[n]
		for i := n - 1; i > 0; i-- {
			q[i-1] = f.Add(full[i], f.Mul(kk, q[i]))
		}
		scale := f.Mul(ys[k], f.Inv(polyEval(f, q, kk)))
		for i := range out {
			out[i] = f.Add(out[i], f.Mul(scale, q[i]))
		}
	}
	return out
}

func polyEval(f *Field, coeffs Vector, x uint128.Uint128) uint128.Uint128 {
	acc := uint128.Zero
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = f.Add(f.Mul(acc, x), coeffs[i])
	}
	return acc
}

func polyMul(f *Field, a, b Vector) Vector {
	out := make(Vector, len(a)+len(b)-1)
	for i := range a {
		for j := range b {
			out[i+j] = f.Add(out[i+j], f.Mul(a[i], b[j]))
		}
	}
	return out
}
