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

package messages

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// TaskprovHeader carries the base64url encoding of a TaskConfig on requests for a task that is
// provisioned in-band.
const TaskprovHeader = "dap-taskprov"

// VdafType identifies a VDAF in a TaskConfig.
type VdafType uint32

// VDAF types known to task provisioning.
const (
	VdafTypePrio3Count     VdafType = 0x00000000
	VdafTypePrio3Sum       VdafType = 0x00000001
	VdafTypePrio3Histogram VdafType = 0x00000003
	VdafTypePrio2          VdafType = 0xFFFF0000
)

// DpMechanismNone is the only differential privacy mechanism, meaning no noise is added.
const DpMechanismNone uint8 = 0x01

// QueryConfig is the batching part of a TaskConfig.
type QueryConfig struct {
	TimePrecision      uint64
	MaxBatchQueryCount uint16
	MinBatchSize       uint32
	Type               QueryType
	// MaxBatchSize is only encoded for fixed-size tasks.
	MaxBatchSize uint32
}

// VdafConfig names a VDAF and its parameter.
type VdafConfig struct {
	DpMechanism uint8
	Type        VdafType
	// Bits is set for VdafTypePrio3Sum.
	Bits uint8
	// Length is set for VdafTypePrio3Histogram.
	Length uint32
	// Dimension is set for VdafTypePrio2.
	Dimension uint32
}

// TaskConfig describes a task that the Aggregators learn from the requests of its Clients and its
// Leader. The task ID is the SHA-256 hash of its encoding.
type TaskConfig struct {
	TaskInfo   []byte
	LeaderURL  string
	HelperURL  string
	Query      QueryConfig
	Expiration uint64
	Vdaf       VdafConfig
}

func (q *QueryConfig) marshal(b *cryptobyte.Builder) {
	b.AddUint64(q.TimePrecision)
	b.AddUint16(q.MaxBatchQueryCount)
	b.AddUint32(q.MinBatchSize)
	b.AddUint8(uint8(q.Type))
	switch q.Type {
	case QueryTypeTimeInterval:
	case QueryTypeFixedSize:
		b.AddUint32(q.MaxBatchSize)
	default:
		b.SetError(fmt.Errorf("unknown query type %d", q.Type))
	}
}

func (q *QueryConfig) unmarshal(s *cryptobyte.String) bool {
	var typ uint8
	if !s.ReadUint64(&q.TimePrecision) || !s.ReadUint16(&q.MaxBatchQueryCount) || !s.ReadUint32(&q.MinBatchSize) || !s.ReadUint8(&typ) {
		return false
	}
	q.Type, q.MaxBatchSize = QueryType(typ), 0
	switch q.Type {
	case QueryTypeTimeInterval:
		return true
	case QueryTypeFixedSize:
		return s.ReadUint32(&q.MaxBatchSize)
	}
	return false
}

func (v *VdafConfig) marshal(b *cryptobyte.Builder) {
	b.AddUint8(v.DpMechanism)
	b.AddUint32(uint32(v.Type))
	switch v.Type {
	case VdafTypePrio3Count:
	case VdafTypePrio3Sum:
		b.AddUint8(v.Bits)
	case VdafTypePrio3Histogram:
		b.AddUint32(v.Length)
	case VdafTypePrio2:
		b.AddUint32(v.Dimension)
	default:
		b.SetError(fmt.Errorf("unknown VDAF type %#08x", uint32(v.Type)))
	}
}

func (v *VdafConfig) unmarshal(s *cryptobyte.String) bool {
	var typ uint32
	if !s.ReadUint8(&v.DpMechanism) || !s.ReadUint32(&typ) {
		return false
	}
	*v = VdafConfig{DpMechanism: v.DpMechanism, Type: VdafType(typ)}
	switch v.Type {
	case VdafTypePrio3Count:
		return true
	case VdafTypePrio3Sum:
		return s.ReadUint8(&v.Bits)
	case VdafTypePrio3Histogram:
		return s.ReadUint32(&v.Length)
	case VdafTypePrio2:
		return s.ReadUint32(&v.Dimension)
	}
	return false
}

func (c *TaskConfig) marshal(b *cryptobyte.Builder) {
	if len(c.TaskInfo) == 0 || len(c.TaskInfo) > 0xff {
		b.SetError(fmt.Errorf("task info must be 1 to 255 bytes, got %d", len(c.TaskInfo)))
		return
	}
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.TaskInfo)
	})
	addBytes16(b, []byte(c.LeaderURL))
	addBytes16(b, []byte(c.HelperURL))
	c.Query.marshal(b)
	b.AddUint64(c.Expiration)
	c.Vdaf.marshal(b)
}

func (c *TaskConfig) unmarshal(s *cryptobyte.String) bool {
	var info cryptobyte.String
	var leader, helper []byte
	if !s.ReadUint8LengthPrefixed(&info) || len(info) == 0 ||
		!readBytes16(s, &leader) || len(leader) == 0 ||
		!readBytes16(s, &helper) || len(helper) == 0 {
		return false
	}
	c.TaskInfo = append([]byte(nil), info...)
	c.LeaderURL, c.HelperURL = string(leader), string(helper)
	return c.Query.unmarshal(s) && s.ReadUint64(&c.Expiration) && c.Vdaf.unmarshal(s)
}
