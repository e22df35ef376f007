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

// Package task holds the immutable per-task parameters shared by the Leader and the Helper.
package task

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/vdaf"
)

// OverlapPolicy says whether collected batches of a task may share buckets.
type OverlapPolicy string

// Supported overlap policies.
const (
	// OverlapDisjoint requires every bucket to be collected at most once.
	OverlapDisjoint OverlapPolicy = "disjoint"
	// OverlapOverlapping lets a bucket be collected in up to MaxBatchQueryCount batches.
	OverlapOverlapping OverlapPolicy = "overlapping"
)

// DefaultMaxReportsPerJob is used when a task does not set MaxReportsPerJob.
const DefaultMaxReportsPerJob = 256

// Task is the configuration of one DAP task. It does not change after creation.
type Task struct {
	ID        messages.TaskID
	Version   messages.Version
	LeaderURL string
	HelperURL string
	QueryType messages.QueryType
	VDAF      vdaf.Config
	VerifyKey []byte

	// TimePrecision is the length in seconds of a batch bucket.
	TimePrecision uint64
	MinBatchSize  uint64
	// MaxBatchSize caps fixed-size batches; zero means unbounded.
	MaxBatchSize uint64
	// Expiration is the Unix time at which the task stops accepting reports; zero means never.
	Expiration uint64
	// ReplayHorizon is how many seconds back a report time may lie and still be accepted.
	ReplayHorizon      uint64
	TolerableClockSkew uint64
	OverlapPolicy      OverlapPolicy
	MaxBatchQueryCount uint64
	MaxReportsPerJob   int

	CollectorHpkeConfig messages.HpkeConfig
	LeaderAuthToken     string
	CollectorAuthToken  string

	// Taskprov is the encoded TaskConfig of a task provisioned in-band. Requests about the task
	// carry it in the dap-taskprov header.
	Taskprov []byte
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", daperrors.ErrInvalidTaskParameters, fmt.Sprintf(format, args...))
}

// Validate rejects incomplete or ambiguous task parameters.
func (t *Task) Validate() error {
	if _, err := messages.ParseVersion(string(t.Version)); err != nil {
		return invalid("%v", err)
	}
	for _, u := range []string{t.LeaderURL, t.HelperURL} {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return invalid("aggregator URL %q must be absolute", u)
		}
	}
	switch t.QueryType {
	case messages.QueryTypeTimeInterval:
		if t.MaxBatchSize != 0 {
			return invalid("max_batch_size only applies to fixed-size tasks")
		}
	case messages.QueryTypeFixedSize:
	default:
		return invalid("unknown query type %v", t.QueryType)
	}
	if _, err := vdaf.New(t.VDAF); err != nil {
		return invalid("%v", err)
	}
	if len(t.VerifyKey) != vdaf.SeedSize {
		return invalid("verify key must be %d bytes, got %d", vdaf.SeedSize, len(t.VerifyKey))
	}
	if t.TimePrecision == 0 {
		return invalid("time precision must be positive")
	}
	if t.MinBatchSize == 0 {
		return invalid("min batch size must be positive")
	}
	if t.MaxBatchSize != 0 && t.MaxBatchSize < t.MinBatchSize {
		return invalid("max batch size %d is below min batch size %d", t.MaxBatchSize, t.MinBatchSize)
	}
	if t.ReplayHorizon == 0 {
		return invalid("replay horizon must be positive")
	}
	if t.MaxBatchQueryCount == 0 {
		return invalid("max batch query count must be positive")
	}
	switch t.OverlapPolicy {
	case OverlapDisjoint:
		if t.MaxBatchQueryCount != 1 {
			return invalid("disjoint tasks must have max batch query count 1, got %d", t.MaxBatchQueryCount)
		}
	case OverlapOverlapping:
	default:
		return invalid("unknown overlap policy %q", t.OverlapPolicy)
	}
	if t.MaxReportsPerJob < 0 {
		return invalid("max reports per job must not be negative")
	}
	if len(t.CollectorHpkeConfig.PublicKey) == 0 {
		return invalid("missing collector HPKE config")
	}
	return nil
}

// Engine returns the VDAF of the task.
func (t *Task) Engine() (vdaf.Engine, error) {
	return vdaf.New(t.VDAF)
}

// JobSize returns the maximum number of reports in one aggregation job.
func (t *Task) JobSize() int {
	if t.MaxReportsPerJob == 0 {
		return DefaultMaxReportsPerJob
	}
	return t.MaxReportsPerJob
}

// Expired reports whether the task stopped accepting reports at time now.
func (t *Task) Expired(now uint64) bool {
	return t.Expiration != 0 && now >= t.Expiration
}

// Bucket returns the batch bucket that a report time falls into.
func (t *Task) Bucket(reportTime uint64) messages.Interval {
	return messages.Interval{Start: reportTime - reportTime%t.TimePrecision, Duration: t.TimePrecision}
}

// Buckets splits a batch interval into its buckets.
func (t *Task) Buckets(iv messages.Interval) []messages.Interval {
	var out []messages.Interval
	for start := iv.Start; start < iv.End(); start += t.TimePrecision {
		out = append(out, messages.Interval{Start: start, Duration: t.TimePrecision})
	}
	return out
}

// MaxBatchBuckets caps the number of buckets one batch interval may span.
const MaxBatchBuckets = 1 << 14

// ValidateBatchInterval checks that iv is a non-empty union of at most MaxBatchBuckets whole buckets.
func (t *Task) ValidateBatchInterval(iv messages.Interval) error {
	if iv.Duration == 0 || iv.Start%t.TimePrecision != 0 || iv.Duration%t.TimePrecision != 0 {
		return fmt.Errorf("%w: interval [%d, +%d) is not aligned to precision %d", daperrors.ErrBatchPolicyViolation, iv.Start, iv.Duration, t.TimePrecision)
	}
	if iv.End() < iv.Start {
		return fmt.Errorf("%w: interval overflows", daperrors.ErrBatchPolicyViolation)
	}
	if n := iv.Duration / t.TimePrecision; n > MaxBatchBuckets {
		return fmt.Errorf("%w: interval spans %d buckets, at most %d are allowed", daperrors.ErrBatchPolicyViolation, n, MaxBatchBuckets)
	}
	return nil
}

// BucketClosed reports whether no more reports can land in bucket at time now.
//
// The cutoff is monotonic: once a bucket is closed it stays closed.
func (t *Task) BucketClosed(bucket messages.Interval, now uint64) bool {
	return now >= bucket.End()+t.TolerableClockSkew
}

// File is the YAML form of a task.
type File struct {
	ID                  string      `yaml:"id"`
	Version             string      `yaml:"version"`
	LeaderURL           string      `yaml:"leader_url"`
	HelperURL           string      `yaml:"helper_url"`
	QueryType           string      `yaml:"query_type"`
	VDAF                vdaf.Config `yaml:"vdaf"`
	VerifyKey           string      `yaml:"verify_key"`
	TimePrecision       uint64      `yaml:"time_precision"`
	MinBatchSize        uint64      `yaml:"min_batch_size"`
	MaxBatchSize        uint64      `yaml:"max_batch_size"`
	Expiration          uint64      `yaml:"expiration"`
	ReplayHorizon       uint64      `yaml:"replay_horizon"`
	TolerableClockSkew  uint64      `yaml:"tolerable_clock_skew"`
	OverlapPolicy       string      `yaml:"overlap_policy"`
	MaxBatchQueryCount  uint64      `yaml:"max_batch_query_count"`
	MaxReportsPerJob    int         `yaml:"max_reports_per_job"`
	CollectorHpkeConfig string      `yaml:"collector_hpke_config"`
	LeaderAuthToken     string      `yaml:"leader_auth_token"`
	CollectorAuthToken  string      `yaml:"collector_auth_token"`
}

func parseQueryType(s string) (messages.QueryType, error) {
	switch s {
	case "time_interval":
		return messages.QueryTypeTimeInterval, nil
	case "fixed_size":
		return messages.QueryTypeFixedSize, nil
	}
	return 0, invalid("unknown query type %q", s)
}

// Task converts the file form and validates the result.
func (f *File) Task() (*Task, error) {
	id, err := messages.ParseTaskID(f.ID)
	if err != nil {
		return nil, invalid("task id: %v", err)
	}
	queryType, err := parseQueryType(f.QueryType)
	if err != nil {
		return nil, err
	}
	verifyKey, err := hex.DecodeString(f.VerifyKey)
	if err != nil {
		return nil, invalid("verify key: %v", err)
	}
	encodedConfig, err := base64.RawURLEncoding.DecodeString(f.CollectorHpkeConfig)
	if err != nil {
		return nil, invalid("collector HPKE config: %v", err)
	}
	var collectorConfig messages.HpkeConfig
	if err := messages.Decode(messages.DraftVersion07, encodedConfig, &collectorConfig); err != nil {
		return nil, invalid("collector HPKE config: %v", err)
	}
	version := messages.Version(f.Version)
	if version == "" {
		version = messages.DraftVersion07
	}
	t := &Task{
		ID:                  id,
		Version:             version,
		LeaderURL:           f.LeaderURL,
		HelperURL:           f.HelperURL,
		QueryType:           queryType,
		VDAF:                f.VDAF,
		VerifyKey:           verifyKey,
		TimePrecision:       f.TimePrecision,
		MinBatchSize:        f.MinBatchSize,
		MaxBatchSize:        f.MaxBatchSize,
		Expiration:          f.Expiration,
		ReplayHorizon:       f.ReplayHorizon,
		TolerableClockSkew:  f.TolerableClockSkew,
		OverlapPolicy:       OverlapPolicy(f.OverlapPolicy),
		MaxBatchQueryCount:  f.MaxBatchQueryCount,
		MaxReportsPerJob:    f.MaxReportsPerJob,
		CollectorHpkeConfig: collectorConfig,
		LeaderAuthToken:     f.LeaderAuthToken,
		CollectorAuthToken:  f.CollectorAuthToken,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", f.ID, err)
	}
	return t, nil
}
