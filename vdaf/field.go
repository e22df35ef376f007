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
	"encoding/binary"
	"fmt"
	"math/big"
	"math/bits"

	"lukechampine.com/uint128"
)

// Field is a prime field whose elements fit in 128 bits.
//
// Elements are held as uint128.Uint128 values in [0, p) and encoded little-endian in EncodedSize bytes.
type Field struct {
	name        string
	p           uint128.Uint128
	pBig        *big.Int
	encodedSize int
}

var (
	// Field64 has modulus 2^64 - 2^32 + 1.
	Field64 = newField("Field64", uint128.From64(0xFFFFFFFF00000001), 8)
	// Field128 has modulus 2^128 - 28*2^64 + 1.
	Field128 = newField("Field128", uint128.New(0x0000000000000001, 0xFFFFFFFFFFFFFFE4), 16)
	// FieldPrio2 has modulus 2^32 - 2^20 + 1.
	FieldPrio2 = newField("FieldPrio2", uint128.From64(0xFFF00001), 4)
)

func newField(name string, p uint128.Uint128, size int) *Field {
	return &Field{name: name, p: p, pBig: p.Big(), encodedSize: size}
}

func (f *Field) String() string { return f.name }

// Modulus returns p.
func (f *Field) Modulus() uint128.Uint128 { return f.p }

// EncodedSize is the number of bytes of an encoded element.
func (f *Field) EncodedSize() int { return f.encodedSize }

// Elem reduces v into the field.
func (f *Field) Elem(v uint64) uint128.Uint128 {
	return uint128.From64(v).Mod(f.p)
}

func (f *Field) Add(a, b uint128.Uint128) uint128.Uint128 {
	s := a.AddWrap(b)
	if s.Cmp(a) < 0 || s.Cmp(f.p) >= 0 {
		s = s.SubWrap(f.p)
	}
	return s
}

func (f *Field) Sub(a, b uint128.Uint128) uint128.Uint128 {
	if a.Cmp(b) >= 0 {
		return a.Sub(b)
	}
	return a.SubWrap(b).AddWrap(f.p)
}

func (f *Field) Neg(a uint128.Uint128) uint128.Uint128 {
	return f.Sub(uint128.Zero, a)
}

func (f *Field) Mul(a, b uint128.Uint128) uint128.Uint128 {
	if f.p.Hi == 0 {
		hi, lo := bits.Mul64(a.Lo, b.Lo)
		return uint128.From64(bits.Rem64(hi, lo, f.p.Lo))
	}
	prod := new(big.Int).Mul(a.Big(), b.Big())
	return uint128.FromBig(prod.Mod(prod, f.pBig))
}

// Pow returns a^e.
func (f *Field) Pow(a, e uint128.Uint128) uint128.Uint128 {
	r := uint128.From64(1)
	for i := e.Len() - 1; i >= 0; i-- {
		r = f.Mul(r, r)
		if e.Rsh(uint(i)).Lo&1 == 1 {
			r = f.Mul(r, a)
		}
	}
	return r
}

// Inv returns the multiplicative inverse of a non-zero a.
func (f *Field) Inv(a uint128.Uint128) uint128.Uint128 {
	return f.Pow(a, f.p.Sub64(2))
}

// AddVec sets dst[i] += v[i].
func (f *Field) AddVec(dst, v []uint128.Uint128) {
	for i := range dst {
		dst[i] = f.Add(dst[i], v[i])
	}
}

// SubVec returns a - b element-wise.
func (f *Field) SubVec(a, b []uint128.Uint128) []uint128.Uint128 {
	out := make([]uint128.Uint128, len(a))
	for i := range a {
		out[i] = f.Sub(a[i], b[i])
	}
	return out
}

// EncodeVec appends the encoding of v to b.
func (f *Field) EncodeVec(b []byte, v []uint128.Uint128) []byte {
	buf := make([]byte, 16)
	for _, x := range v {
		x.PutBytes(buf)
		b = append(b, buf[:f.encodedSize]...)
	}
	return b
}

// DecodeVec decodes exactly n elements from b, rejecting values outside the field.
func (f *Field) DecodeVec(b []byte, n int) (Vector, error) {
	if len(b) != n*f.encodedSize {
		return nil, fmt.Errorf("%s vector of %d elements needs %d bytes, got %d", f, n, n*f.encodedSize, len(b))
	}
	out := make(Vector, n)
	for i := range out {
		x, err := f.decode(b[i*f.encodedSize : (i+1)*f.encodedSize])
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func (f *Field) decode(b []byte) (uint128.Uint128, error) {
	var x uint128.Uint128
	switch f.encodedSize {
	case 4:
		x = uint128.From64(uint64(binary.LittleEndian.Uint32(b)))
	case 8:
		x = uint128.From64(binary.LittleEndian.Uint64(b))
	default:
		x = uint128.FromBytes(b)
	}
	if x.Cmp(f.p) >= 0 {
		return uint128.Zero, fmt.Errorf("%s element out of range", f)
	}
	return x, nil
}

// Sample draws n uniformly random elements from the XOF by rejection sampling.
func (f *Field) Sample(x *XOF, n int) []uint128.Uint128 {
	out := make([]uint128.Uint128, 0, n)
	buf := make([]byte, f.encodedSize)
	for len(out) < n {
		x.Read(buf)
		if v, err := f.decode(buf); err == nil {
			out = append(out, v)
		}
	}
	return out
}
