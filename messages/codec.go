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

	"github.com/oliy/daphne/shared/daperrors"
)

// Message is implemented by every type that travels on the wire.
type Message interface {
	marshal(b *cryptobyte.Builder)
	unmarshal(s *cryptobyte.String) bool
}

// Encode serializes m using the encoding of version v.
func Encode(v Version, m Message) ([]byte, error) {
	if _, err := ParseVersion(string(v)); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	m.marshal(b)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %v", m, err)
	}
	return out, nil
}

// Decode parses data into m using the encoding of version v. Trailing bytes are an error.
func Decode(v Version, data []byte, m Message) error {
	if _, err := ParseVersion(string(v)); err != nil {
		return err
	}
	s := cryptobyte.String(data)
	if !m.unmarshal(&s) || !s.Empty() {
		return fmt.Errorf("%w: malformed %T", daperrors.ErrUnrecognizedMessage, m)
	}
	return nil
}

func addBytes16(b *cryptobyte.Builder, v []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

func addBytes32(b *cryptobyte.Builder, v []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

func readUint32LengthPrefixed(s *cryptobyte.String, out *cryptobyte.String) bool {
	var n uint32
	if !s.ReadUint32(&n) {
		return false
	}
	var b []byte
	if !s.ReadBytes(&b, int(n)) {
		return false
	}
	*out = b
	return true
}

func readBytes16(s *cryptobyte.String, out *[]byte) bool {
	var c cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&c) {
		return false
	}
	*out = append([]byte(nil), c...)
	return true
}

func readBytes32(s *cryptobyte.String, out *[]byte) bool {
	var c cryptobyte.String
	if !readUint32LengthPrefixed(s, &c) {
		return false
	}
	*out = append([]byte(nil), c...)
	return true
}

func (i *Interval) marshal(b *cryptobyte.Builder) {
	b.AddUint64(i.Start)
	b.AddUint64(i.Duration)
}

func (i *Interval) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint64(&i.Start) && s.ReadUint64(&i.Duration)
}

func (q *Query) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(q.Type))
	switch q.Type {
	case QueryTypeTimeInterval:
		q.Interval.marshal(b)
	case QueryTypeFixedSize:
		b.AddBytes(q.BatchID[:])
	default:
		b.SetError(fmt.Errorf("unknown query type %d", q.Type))
	}
}

func (q *Query) unmarshal(s *cryptobyte.String) bool {
	var t uint8
	if !s.ReadUint8(&t) {
		return false
	}
	q.Type = QueryType(t)
	switch q.Type {
	case QueryTypeTimeInterval:
		return q.Interval.unmarshal(s)
	case QueryTypeFixedSize:
		return s.CopyBytes(q.BatchID[:])
	}
	return false
}

func (p *PartialBatchSelector) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(p.Type))
	switch p.Type {
	case QueryTypeTimeInterval:
	case QueryTypeFixedSize:
		b.AddBytes(p.BatchID[:])
	default:
		b.SetError(fmt.Errorf("unknown query type %d", p.Type))
	}
}

func (p *PartialBatchSelector) unmarshal(s *cryptobyte.String) bool {
	var t uint8
	if !s.ReadUint8(&t) {
		return false
	}
	p.Type = QueryType(t)
	switch p.Type {
	case QueryTypeTimeInterval:
		return true
	case QueryTypeFixedSize:
		return s.CopyBytes(p.BatchID[:])
	}
	return false
}

func (sel *BatchSelector) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(sel.Type))
	switch sel.Type {
	case QueryTypeTimeInterval:
		sel.Interval.marshal(b)
	case QueryTypeFixedSize:
		b.AddBytes(sel.BatchID[:])
	default:
		b.SetError(fmt.Errorf("unknown query type %d", sel.Type))
	}
}

func (sel *BatchSelector) unmarshal(s *cryptobyte.String) bool {
	var t uint8
	if !s.ReadUint8(&t) {
		return false
	}
	sel.Type = QueryType(t)
	switch sel.Type {
	case QueryTypeTimeInterval:
		return sel.Interval.unmarshal(s)
	case QueryTypeFixedSize:
		return s.CopyBytes(sel.BatchID[:])
	}
	return false
}

func (c *HpkeConfig) marshal(b *cryptobyte.Builder) {
	b.AddUint8(c.ID)
	b.AddUint16(c.KemID)
	b.AddUint16(c.KdfID)
	b.AddUint16(c.AeadID)
	addBytes16(b, c.PublicKey)
}

func (c *HpkeConfig) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8(&c.ID) &&
		s.ReadUint16(&c.KemID) &&
		s.ReadUint16(&c.KdfID) &&
		s.ReadUint16(&c.AeadID) &&
		readBytes16(s, &c.PublicKey)
}

func (l *HpkeConfigList) marshal(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range l.Configs {
			l.Configs[i].marshal(b)
		}
	})
}

func (l *HpkeConfigList) unmarshal(s *cryptobyte.String) bool {
	var c cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&c) {
		return false
	}
	l.Configs = nil
	for !c.Empty() {
		var config HpkeConfig
		if !config.unmarshal(&c) {
			return false
		}
		l.Configs = append(l.Configs, config)
	}
	return true
}

func (c *HpkeCiphertext) marshal(b *cryptobyte.Builder) {
	b.AddUint8(c.ConfigID)
	addBytes16(b, c.Enc)
	addBytes32(b, c.Payload)
}

func (c *HpkeCiphertext) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8(&c.ConfigID) && readBytes16(s, &c.Enc) && readBytes32(s, &c.Payload)
}

func (m *ReportMetadata) marshal(b *cryptobyte.Builder) {
	b.AddBytes(m.ID[:])
	b.AddUint64(m.Time)
}

func (m *ReportMetadata) unmarshal(s *cryptobyte.String) bool {
	return s.CopyBytes(m.ID[:]) && s.ReadUint64(&m.Time)
}

func (r *Report) marshal(b *cryptobyte.Builder) {
	r.Metadata.marshal(b)
	addBytes32(b, r.PublicShare)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range r.EncryptedInputShares {
			r.EncryptedInputShares[i].marshal(b)
		}
	})
}

func (r *Report) unmarshal(s *cryptobyte.String) bool {
	if !r.Metadata.unmarshal(s) || !readBytes32(s, &r.PublicShare) {
		return false
	}
	var c cryptobyte.String
	if !readUint32LengthPrefixed(s, &c) {
		return false
	}
	r.EncryptedInputShares = nil
	for !c.Empty() {
		var ct HpkeCiphertext
		if !ct.unmarshal(&c) {
			return false
		}
		r.EncryptedInputShares = append(r.EncryptedInputShares, ct)
	}
	return true
}

func (e *Extension) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(e.Type))
	addBytes16(b, e.Data)
}

func (e *Extension) unmarshal(s *cryptobyte.String) bool {
	var t uint16
	if !s.ReadUint16(&t) {
		return false
	}
	e.Type = ExtensionType(t)
	return readBytes16(s, &e.Data)
}

func (p *PlaintextInputShare) marshal(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range p.Extensions {
			p.Extensions[i].marshal(b)
		}
	})
	addBytes32(b, p.Payload)
}

func (p *PlaintextInputShare) unmarshal(s *cryptobyte.String) bool {
	var c cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&c) {
		return false
	}
	p.Extensions = nil
	for !c.Empty() {
		var e Extension
		if !e.unmarshal(&c) {
			return false
		}
		p.Extensions = append(p.Extensions, e)
	}
	return readBytes32(s, &p.Payload)
}

func (r *ReportShare) marshal(b *cryptobyte.Builder) {
	r.Metadata.marshal(b)
	addBytes32(b, r.PublicShare)
	r.EncryptedInputShare.marshal(b)
}

func (r *ReportShare) unmarshal(s *cryptobyte.String) bool {
	return r.Metadata.unmarshal(s) && readBytes32(s, &r.PublicShare) && r.EncryptedInputShare.unmarshal(s)
}

func (r *AggregationJobInitReq) marshal(b *cryptobyte.Builder) {
	addBytes32(b, r.AggregationParam)
	r.PartialBatchSelector.marshal(b)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range r.ReportShares {
			r.ReportShares[i].marshal(b)
		}
	})
}

func (r *AggregationJobInitReq) unmarshal(s *cryptobyte.String) bool {
	if !readBytes32(s, &r.AggregationParam) || !r.PartialBatchSelector.unmarshal(s) {
		return false
	}
	var c cryptobyte.String
	if !readUint32LengthPrefixed(s, &c) {
		return false
	}
	r.ReportShares = nil
	for !c.Empty() {
		var share ReportShare
		if !share.unmarshal(&c) {
			return false
		}
		r.ReportShares = append(r.ReportShares, share)
	}
	return true
}

func (t *Transition) marshal(b *cryptobyte.Builder) {
	b.AddBytes(t.ReportID[:])
	b.AddUint8(uint8(t.Var))
	switch t.Var {
	case TransitionContinued:
		addBytes32(b, t.Message)
	case TransitionFinished:
	case TransitionFailed:
		b.AddUint8(uint8(t.Failure))
	default:
		b.SetError(fmt.Errorf("unknown transition variant %d", t.Var))
	}
}

func (t *Transition) unmarshal(s *cryptobyte.String) bool {
	var v uint8
	if !s.CopyBytes(t.ReportID[:]) || !s.ReadUint8(&v) {
		return false
	}
	t.Var = TransitionVar(v)
	switch t.Var {
	case TransitionContinued:
		return readBytes32(s, &t.Message)
	case TransitionFinished:
		return true
	case TransitionFailed:
		var f uint8
		if !s.ReadUint8(&f) {
			return false
		}
		t.Failure = TransitionFailure(f)
		return true
	}
	return false
}

func marshalTransitions(b *cryptobyte.Builder, transitions []Transition) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range transitions {
			transitions[i].marshal(b)
		}
	})
}

func unmarshalTransitions(s *cryptobyte.String, out *[]Transition) bool {
	var c cryptobyte.String
	if !readUint32LengthPrefixed(s, &c) {
		return false
	}
	*out = nil
	for !c.Empty() {
		var t Transition
		if !t.unmarshal(&c) {
			return false
		}
		*out = append(*out, t)
	}
	return true
}

func (r *AggregationJobContinueReq) marshal(b *cryptobyte.Builder) {
	b.AddUint16(r.Round)
	marshalTransitions(b, r.Transitions)
}

func (r *AggregationJobContinueReq) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint16(&r.Round) && unmarshalTransitions(s, &r.Transitions)
}

func (r *AggregationJobResp) marshal(b *cryptobyte.Builder) {
	marshalTransitions(b, r.Transitions)
}

func (r *AggregationJobResp) unmarshal(s *cryptobyte.String) bool {
	return unmarshalTransitions(s, &r.Transitions)
}

func (r *CollectionReq) marshal(b *cryptobyte.Builder) {
	r.Query.marshal(b)
	addBytes32(b, r.AggregationParam)
}

func (r *CollectionReq) unmarshal(s *cryptobyte.String) bool {
	return r.Query.unmarshal(s) && readBytes32(s, &r.AggregationParam)
}

func (c *Collection) marshal(b *cryptobyte.Builder) {
	c.PartialBatchSelector.marshal(b)
	b.AddUint64(c.ReportCount)
	c.Interval.marshal(b)
	c.LeaderEncryptedShare.marshal(b)
	c.HelperEncryptedShare.marshal(b)
}

func (c *Collection) unmarshal(s *cryptobyte.String) bool {
	return c.PartialBatchSelector.unmarshal(s) &&
		s.ReadUint64(&c.ReportCount) &&
		c.Interval.unmarshal(s) &&
		c.LeaderEncryptedShare.unmarshal(s) &&
		c.HelperEncryptedShare.unmarshal(s)
}

func (r *AggregateShareReq) marshal(b *cryptobyte.Builder) {
	r.BatchSelector.marshal(b)
	addBytes32(b, r.AggregationParam)
	b.AddUint64(r.ReportCount)
	b.AddBytes(r.Checksum[:])
}

func (r *AggregateShareReq) unmarshal(s *cryptobyte.String) bool {
	return r.BatchSelector.unmarshal(s) &&
		readBytes32(s, &r.AggregationParam) &&
		s.ReadUint64(&r.ReportCount) &&
		s.CopyBytes(r.Checksum[:])
}

func (a *AggregateShare) marshal(b *cryptobyte.Builder) {
	a.EncryptedAggregateShare.marshal(b)
}

func (a *AggregateShare) unmarshal(s *cryptobyte.String) bool {
	return a.EncryptedAggregateShare.unmarshal(s)
}

// InputShareInfo is the HPKE info string for an input share sent by a Client to receiver.
func InputShareInfo(receiver Role) []byte {
	return append([]byte("dap-07 input share"), byte(RoleClient), byte(receiver))
}

// AggregateShareInfo is the HPKE info string for an aggregate share sent to the Collector.
func AggregateShareInfo(sender Role) []byte {
	return append([]byte("dap-07 aggregate share"), byte(sender), byte(RoleCollector))
}

// InputShareAAD binds an input share to its task and report.
func InputShareAAD(taskID TaskID, metadata ReportMetadata, publicShare []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(taskID[:])
	metadata.marshal(b)
	addBytes32(b, publicShare)
	return b.BytesOrPanic()
}

// AggregateShareAAD binds an aggregate share to its task and batch.
func AggregateShareAAD(taskID TaskID, sel BatchSelector) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes(taskID[:])
	sel.marshal(b)
	return b.Bytes()
}
