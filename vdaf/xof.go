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

	"golang.org/x/crypto/sha3"
)

// SeedSize is the size of XOF seeds, verify keys and nonces.
const SeedSize = 16

const dstPrefix = "dap-vdaf"

// Usages of the XOF, mixed into the domain separation tag.
const (
	usageMeasurementShare uint16 = 1
	usageProofShare       uint16 = 2
	usageQueryRandomness  uint16 = 3
)

// XOF is an extendable output function keyed by a seed and bound to a domain separation tag and a binder string.
type XOF struct {
	h sha3.ShakeHash
}

// NewXOF returns a cSHAKE128 stream over seed and binder customized by dst.
func NewXOF(seed, dst, binder []byte) *XOF {
	h := sha3.NewCShake128(nil, dst)
	h.Write(seed)
	h.Write(binder)
	return &XOF{h: h}
}

// Read fills b with the next bytes of the stream.
func (x *XOF) Read(b []byte) {
	// ShakeHash.Read never returns an error.
	x.h.Read(b)
}

func domainSeparationTag(algorithmID uint32, usage uint16) []byte {
	dst := make([]byte, 0, len(dstPrefix)+6)
	dst = append(dst, dstPrefix...)
	dst = binary.BigEndian.AppendUint32(dst, algorithmID)
	return binary.BigEndian.AppendUint16(dst, usage)
}
