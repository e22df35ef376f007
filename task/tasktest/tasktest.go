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

// Package tasktest builds valid tasks for tests.
package tasktest

import (
	"crypto/rand"
	"testing"

	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

// Precision is the bucket length of tasks built by New.
const Precision = 3600

// New returns a valid time-interval task for config together with the Collector's receiver config.
// The task never expires, has a one-day replay horizon and a disjoint overlap policy.
func New(t testing.TB, config vdaf.Config, minBatchSize uint64) (*task.Task, *standardencrypt.ReceiverConfig) {
	t.Helper()
	collector, err := standardencrypt.GenerateReceiverConfig(1, standardencrypt.KemX25519HkdfSha256, standardencrypt.KdfHkdfSha256, standardencrypt.AeadAes128Gcm)
	if err != nil {
		t.Fatal(err)
	}
	var id messages.TaskID
	verifyKey := make([]byte, vdaf.SeedSize)
	for _, b := range [][]byte{id[:], verifyKey} {
		if _, err := rand.Read(b); err != nil {
			t.Fatal(err)
		}
	}
	tk := &task.Task{
		ID:                  id,
		Version:             messages.DraftVersion07,
		LeaderURL:           "https://leader.example/",
		HelperURL:           "https://helper.example/",
		QueryType:           messages.QueryTypeTimeInterval,
		VDAF:                config,
		VerifyKey:           verifyKey,
		TimePrecision:       Precision,
		MinBatchSize:        minBatchSize,
		ReplayHorizon:       24 * 3600,
		TolerableClockSkew:  60,
		OverlapPolicy:       task.OverlapDisjoint,
		MaxBatchQueryCount:  1,
		MaxReportsPerJob:    4,
		CollectorHpkeConfig: collector.Config,
		LeaderAuthToken:     "leader-token",
		CollectorAuthToken:  "collector-token",
	}
	if err := tk.Validate(); err != nil {
		t.Fatal(err)
	}
	return tk, collector
}
