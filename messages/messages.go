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

// Package messages contains the wire types exchanged between Clients, Aggregators and Collectors,
// and their versioned binary encoding.
package messages

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/oliy/daphne/shared/daperrors"
)

// Version identifies a revision of the wire encoding. It is carried in every request path.
type Version string

// DraftVersion07 is the only supported revision.
const DraftVersion07 Version = "v07"

// ParseVersion returns the version named by s, or ErrUnsupportedVersion.
func ParseVersion(s string) (Version, error) {
	if Version(s) == DraftVersion07 {
		return DraftVersion07, nil
	}
	return "", fmt.Errorf("%w: %q", daperrors.ErrUnsupportedVersion, s)
}

// Media types of the protocol messages.
const (
	MediaTypeHpkeConfigList            = "application/dap-hpke-config-list"
	MediaTypeReport                    = "application/dap-report"
	MediaTypeAggregationJobInitReq     = "application/dap-aggregation-job-init-req"
	MediaTypeAggregationJobContinueReq = "application/dap-aggregation-job-continue-req"
	MediaTypeAggregationJobResp        = "application/dap-aggregation-job-resp"
	MediaTypeAggregateShareReq         = "application/dap-aggregate-share-req"
	MediaTypeAggregateShare            = "application/dap-aggregate-share"
	MediaTypeCollectReq                = "application/dap-collect-req"
	MediaTypeCollection                = "application/dap-collection"
)

// Role is a protocol participant. The values are the ones bound into HPKE info strings.
type Role uint8

// Protocol roles.
const (
	RoleCollector Role = 0
	RoleClient    Role = 1
	RoleLeader    Role = 2
	RoleHelper    Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleCollector:
		return "collector"
	case RoleClient:
		return "client"
	case RoleLeader:
		return "leader"
	case RoleHelper:
		return "helper"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ID lengths.
const (
	TaskIDLen           = 32
	ReportIDLen         = 16
	AggregationJobIDLen = 16
	BatchIDLen          = 32
	CollectionJobIDLen  = 16
	checksumLen         = 32
)

// TaskID identifies a task.
type TaskID [TaskIDLen]byte

// ReportID identifies a report within a task.
type ReportID [ReportIDLen]byte

// AggregationJobID identifies an aggregation job within a task.
type AggregationJobID [AggregationJobIDLen]byte

// BatchID identifies a fixed-size batch.
type BatchID [BatchIDLen]byte

// CollectionJobID identifies a collection job within a task.
type CollectionJobID [CollectionJobIDLen]byte

// Checksum is the XOR of SHA-256 digests of the report IDs in a batch.
type Checksum [checksumLen]byte

func (id TaskID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }
func (id ReportID) String() string { return hex.EncodeToString(id[:]) }
func (id AggregationJobID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }
func (id BatchID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }
func (id CollectionJobID) String() string { return base64.RawURLEncoding.EncodeToString(id[:]) }

func parseURLSafeID(s string, out []byte) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: malformed id %q: %v", daperrors.ErrUnrecognizedMessage, s, err)
	}
	if len(b) != len(out) {
		return fmt.Errorf("%w: id %q has %d bytes, want %d", daperrors.ErrUnrecognizedMessage, s, len(b), len(out))
	}
	copy(out, b)
	return nil
}

// ParseTaskID decodes a base64url task ID as found in request paths.
func ParseTaskID(s string) (TaskID, error) {
	var id TaskID
	return id, parseURLSafeID(s, id[:])
}

// ParseAggregationJobID decodes a base64url aggregation job ID.
func ParseAggregationJobID(s string) (AggregationJobID, error) {
	var id AggregationJobID
	return id, parseURLSafeID(s, id[:])
}

// ParseCollectionJobID decodes a base64url collection job ID.
func ParseCollectionJobID(s string) (CollectionJobID, error) {
	var id CollectionJobID
	return id, parseURLSafeID(s, id[:])
}

// ParseBatchID decodes a base64url batch ID.
func ParseBatchID(s string) (BatchID, error) {
	var id BatchID
	return id, parseURLSafeID(s, id[:])
}

// Interval is a half-open time range [Start, Start+Duration) in seconds since the epoch.
type Interval struct {
	Start    uint64
	Duration uint64
}

// End returns the first second after the interval.
func (i Interval) End() uint64 {
	return i.Start + i.Duration
}

// Contains reports whether t falls in the interval.
func (i Interval) Contains(t uint64) bool {
	return t >= i.Start && t < i.End()
}

// Overlaps reports whether the two intervals share at least one second.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End() && o.Start < i.End()
}

// QueryType selects how reports are partitioned into batches.
type QueryType uint8

// Supported query types.
const (
	QueryTypeTimeInterval QueryType = 0x01
	QueryTypeFixedSize    QueryType = 0x02
)

func (q QueryType) String() string {
	switch q {
	case QueryTypeTimeInterval:
		return "time_interval"
	case QueryTypeFixedSize:
		return "fixed_size"
	}
	return fmt.Sprintf("query_type(%d)", uint8(q))
}

// Query is sent by the Collector to select a batch.
type Query struct {
	Type     QueryType
	Interval Interval
	BatchID  BatchID
}

// PartialBatchSelector tells the Helper which batch an aggregation job belongs to.
type PartialBatchSelector struct {
	Type    QueryType
	BatchID BatchID
}

// BatchSelector identifies a complete batch for an aggregate share request.
type BatchSelector struct {
	Type     QueryType
	Interval Interval
	BatchID  BatchID
}

// Equal reports whether two selectors name the same batch.
func (s BatchSelector) Equal(o BatchSelector) bool {
	if s.Type != o.Type {
		return false
	}
	if s.Type == QueryTypeTimeInterval {
		return s.Interval == o.Interval
	}
	return s.BatchID == o.BatchID
}

// HpkeConfig is a public HPKE configuration advertised by an Aggregator or Collector.
type HpkeConfig struct {
	ID        uint8
	KemID     uint16
	KdfID     uint16
	AeadID    uint16
	PublicKey []byte
}

// HpkeConfigList is the body of the HPKE config endpoint.
type HpkeConfigList struct {
	Configs []HpkeConfig
}

// HpkeCiphertext is an HPKE-sealed message together with its encapsulated key.
type HpkeCiphertext struct {
	ConfigID uint8
	Enc      []byte
	Payload  []byte
}

// ReportMetadata is the public part of a report.
type ReportMetadata struct {
	ID   ReportID
	Time uint64
}

// Report is uploaded by a Client to the Leader.
type Report struct {
	Metadata             ReportMetadata
	PublicShare          []byte
	EncryptedInputShares []HpkeCiphertext
}

// ExtensionType identifies a report extension.
type ExtensionType uint16

// ExtensionTaskprov is the only extension recognized by this implementation.
const ExtensionTaskprov ExtensionType = 0xff00

// Extension is carried inside a plaintext input share.
type Extension struct {
	Type ExtensionType
	Data []byte
}

// PlaintextInputShare is the HPKE plaintext of an encrypted input share.
type PlaintextInputShare struct {
	Extensions []Extension
	Payload    []byte
}

// ReportShare is one report as seen by the Helper.
type ReportShare struct {
	Metadata            ReportMetadata
	PublicShare         []byte
	EncryptedInputShare HpkeCiphertext
}

// AggregationJobInitReq starts an aggregation job on the Helper.
type AggregationJobInitReq struct {
	AggregationParam     []byte
	PartialBatchSelector PartialBatchSelector
	ReportShares         []ReportShare
}

// TransitionVar is the state a report reaches after a preparation step.
type TransitionVar uint8

// Transition variants.
const (
	TransitionContinued TransitionVar = 0
	TransitionFinished  TransitionVar = 1
	TransitionFailed    TransitionVar = 2
)

// TransitionFailure is the reason a report was rejected.
type TransitionFailure uint8

// Transition failure codes.
const (
	FailureBatchCollected      TransitionFailure = 0
	FailureReportReplayed      TransitionFailure = 1
	FailureReportDropped       TransitionFailure = 2
	FailureHpkeUnknownConfigID TransitionFailure = 3
	FailureHpkeDecryptError    TransitionFailure = 4
	FailureVdafPrepError       TransitionFailure = 5
	FailureBatchSaturated      TransitionFailure = 6
	FailureTaskExpired         TransitionFailure = 7
	FailureUnrecognizedMessage TransitionFailure = 8
	FailureReportTooEarly      TransitionFailure = 9
)

var failureNames = map[TransitionFailure]string{
	FailureBatchCollected:      "batch_collected",
	FailureReportReplayed:      "report_replayed",
	FailureReportDropped:       "report_dropped",
	FailureHpkeUnknownConfigID: "hpke_unknown_config_id",
	FailureHpkeDecryptError:    "hpke_decrypt_error",
	FailureVdafPrepError:       "vdaf_prep_error",
	FailureBatchSaturated:      "batch_saturated",
	FailureTaskExpired:         "task_expired",
	FailureUnrecognizedMessage: "unrecognized_message",
	FailureReportTooEarly:      "report_too_early",
}

func (f TransitionFailure) String() string {
	if s, ok := failureNames[f]; ok {
		return s
	}
	return fmt.Sprintf("failure(%d)", uint8(f))
}

// Transition reports the outcome of one preparation step for one report.
type Transition struct {
	ReportID ReportID
	Var      TransitionVar
	// Message is set for TransitionContinued.
	Message []byte
	// Failure is set for TransitionFailed.
	Failure TransitionFailure
}

// AggregationJobContinueReq advances an aggregation job to the next round.
type AggregationJobContinueReq struct {
	Round       uint16
	Transitions []Transition
}

// AggregationJobResp is the Helper's answer to an init or continue request.
type AggregationJobResp struct {
	Transitions []Transition
}

// CollectionReq is sent by the Collector to start a collection job.
type CollectionReq struct {
	Query            Query
	AggregationParam []byte
}

// Collection is the result of a finished collection job.
type Collection struct {
	PartialBatchSelector PartialBatchSelector
	ReportCount          uint64
	Interval             Interval
	LeaderEncryptedShare HpkeCiphertext
	HelperEncryptedShare HpkeCiphertext
}

// AggregateShareReq asks the Helper for its aggregate share of a batch.
type AggregateShareReq struct {
	BatchSelector    BatchSelector
	AggregationParam []byte
	ReportCount      uint64
	Checksum         Checksum
}

// AggregateShare carries the Helper's aggregate share encrypted to the Collector.
type AggregateShare struct {
	EncryptedAggregateShare HpkeCiphertext
}

// Equal reports whether two ciphertexts are byte-identical.
func (c HpkeCiphertext) Equal(o HpkeCiphertext) bool {
	return c.ConfigID == o.ConfigID && bytes.Equal(c.Enc, o.Enc) && bytes.Equal(c.Payload, o.Payload)
}
