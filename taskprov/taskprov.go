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

// Package taskprov derives tasks from the TaskConfig that Clients, the Leader and the Collector
// send in the dap-taskprov header. Aggregators then serve tasks nobody configured for them out of
// band.
package taskprov

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
	"golang.org/x/crypto/hkdf"
)

// Defaults for parameters a TaskConfig does not carry.
const (
	DefaultReplayHorizon      = 7 * 24 * 3600
	DefaultTolerableClockSkew = 60
)

// verifyKeySalt is the HKDF salt of verify key derivation.
var verifyKeySalt = standardencrypt.Digest([]byte("dap-taskprov"))

// Config holds what both aggregators agree on for every provisioned task.
type Config struct {
	// VerifyKeyInit is the shared secret the verify key of each task is derived from.
	VerifyKeyInit       []byte
	CollectorHpkeConfig messages.HpkeConfig
	LeaderAuthToken     string
	CollectorAuthToken  string

	ReplayHorizon      uint64
	TolerableClockSkew uint64
	MaxReportsPerJob   int
}

// Validate rejects a Config that cannot provision any task.
func (c *Config) Validate() error {
	if len(c.VerifyKeyInit) < vdaf.SeedSize {
		return fmt.Errorf("taskprov verify key init must be at least %d bytes, got %d", vdaf.SeedSize, len(c.VerifyKeyInit))
	}
	if len(c.CollectorHpkeConfig.PublicKey) == 0 {
		return errors.New("taskprov needs the collector HPKE config")
	}
	if c.LeaderAuthToken == "" {
		return errors.New("taskprov needs the leader auth token")
	}
	return nil
}

// TaskID is the ID of the task described by an encoded TaskConfig.
func TaskID(encoded []byte) messages.TaskID {
	return messages.TaskID(standardencrypt.Digest(encoded))
}

// VerifyKey derives the verify key of a task from the shared secret.
func (c *Config) VerifyKey(id messages.TaskID) ([]byte, error) {
	key := make([]byte, vdaf.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.VerifyKeyInit, verifyKeySalt[:], id[:]), key); err != nil {
		return nil, err
	}
	return key, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", daperrors.ErrInvalidTask, fmt.Sprintf(format, args...))
}

func vdafConfig(v messages.VdafConfig) (vdaf.Config, error) {
	if v.DpMechanism != messages.DpMechanismNone {
		return vdaf.Config{}, invalid("unsupported DP mechanism %d", v.DpMechanism)
	}
	switch v.Type {
	case messages.VdafTypePrio3Count:
		return vdaf.Config{Type: "prio3count"}, nil
	case messages.VdafTypePrio3Sum:
		return vdaf.Config{Type: "prio3sum", Bits: int(v.Bits)}, nil
	case messages.VdafTypePrio3Histogram:
		return vdaf.Config{Type: "prio3histogram", Length: int(v.Length)}, nil
	case messages.VdafTypePrio2:
		return vdaf.Config{Type: "prio2", Dimension: int(v.Dimension)}, nil
	}
	return vdaf.Config{}, invalid("unsupported VDAF type %#08x", uint32(v.Type))
}

// Task derives the task an encoded TaskConfig describes. A query count of one makes the task
// disjoint.
func (c *Config) Task(version messages.Version, encoded []byte) (*task.Task, error) {
	tc := &messages.TaskConfig{}
	if err := messages.Decode(version, encoded, tc); err != nil {
		return nil, invalid("%v", err)
	}
	vc, err := vdafConfig(tc.Vdaf)
	if err != nil {
		return nil, err
	}
	id := TaskID(encoded)
	verifyKey, err := c.VerifyKey(id)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		ID:                  id,
		Version:             version,
		LeaderURL:           tc.LeaderURL,
		HelperURL:           tc.HelperURL,
		QueryType:           tc.Query.Type,
		VDAF:                vc,
		VerifyKey:           verifyKey,
		TimePrecision:       tc.Query.TimePrecision,
		MinBatchSize:        uint64(tc.Query.MinBatchSize),
		MaxBatchSize:        uint64(tc.Query.MaxBatchSize),
		Expiration:          tc.Expiration,
		ReplayHorizon:       c.ReplayHorizon,
		TolerableClockSkew:  c.TolerableClockSkew,
		OverlapPolicy:       task.OverlapOverlapping,
		MaxBatchQueryCount:  uint64(tc.Query.MaxBatchQueryCount),
		MaxReportsPerJob:    c.MaxReportsPerJob,
		CollectorHpkeConfig: c.CollectorHpkeConfig,
		LeaderAuthToken:     c.LeaderAuthToken,
		CollectorAuthToken:  c.CollectorAuthToken,
		Taskprov:            append([]byte(nil), encoded...),
	}
	if t.MaxBatchQueryCount == 1 {
		t.OverlapPolicy = task.OverlapDisjoint
	}
	if t.ReplayHorizon == 0 {
		t.ReplayHorizon = DefaultReplayHorizon
	}
	if t.TolerableClockSkew == 0 {
		t.TolerableClockSkew = DefaultTolerableClockSkew
	}
	if err := t.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	return t, nil
}

// Resolver finds the task of a request and provisions it from the request's TaskConfig the first
// time the aggregator sees it.
type Resolver struct {
	Tasks  *task.Store
	Config *Config
}

// Resolve returns the task with the given ID. A non-empty header must be the base64url encoding of
// a TaskConfig whose hash is id. The derived task is stored on first use.
func (r *Resolver) Resolve(ctx context.Context, version messages.Version, id messages.TaskID, header string) (*task.Task, error) {
	if header == "" {
		return r.Tasks.Get(ctx, id)
	}
	encoded, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return nil, invalid("malformed %s header: %v", messages.TaskprovHeader, err)
	}
	if TaskID(encoded) != id {
		return nil, invalid("task config does not hash to task %v", id)
	}
	t, err := r.Tasks.Get(ctx, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, daperrors.ErrTaskUnknownOrExpired) {
		return nil, err
	}
	if t, err = r.Config.Task(version, encoded); err != nil {
		return nil, err
	}
	if err := r.Tasks.Put(ctx, t); err != nil {
		return nil, err
	}
	log.Infof("Provisioned task %v in-band: %s over %v batches of at least %d reports", id, t.VDAF.Type, t.QueryType, t.MinBatchSize)
	return t, nil
}
