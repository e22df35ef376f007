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

// This binary creates a DAP task and writes it in the YAML form read by the aggregator servers.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/encryption/cryptoio"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

var (
	leaderURL = flag.String("leader_url", "", "Base URL of the Leader.")
	helperURL = flag.String("helper_url", "", "Base URL of the Helper.")
	queryType = flag.String("query_type", "time_interval", "Query type: time_interval or fixed_size.")

	vdafType      = flag.String("vdaf", "prio3count", "VDAF: prio3count, prio3sum, prio3histogram or prio2.")
	vdafBits      = flag.Int("bits", 0, "Bit width of prio3sum measurements.")
	vdafLength    = flag.Int("length", 0, "Number of prio3histogram buckets.")
	vdafDimension = flag.Int("dimension", 0, "Number of bits of prio2 measurements.")

	timePrecision      = flag.Uint64("time_precision", 3600, "Length of a batch bucket in seconds.")
	minBatchSize       = flag.Uint64("min_batch_size", 100, "Minimum number of reports in a collected batch.")
	maxBatchSize       = flag.Uint64("max_batch_size", 0, "Maximum size of fixed-size batches; zero for unbounded.")
	expiration         = flag.Uint64("expiration", 0, "Unix time after which uploads are refused; zero for never.")
	replayHorizon      = flag.Uint64("replay_horizon", 7*24*3600, "Seconds a report time may lie in the past.")
	tolerableClockSkew = flag.Uint64("tolerable_clock_skew", 60, "Seconds a report time may lie in the future.")
	overlapPolicy      = flag.String("overlap_policy", string(task.OverlapDisjoint), "disjoint or overlapping.")
	maxBatchQueryCount = flag.Uint64("max_batch_query_count", 1, "How often a batch may be collected.")
	maxReportsPerJob   = flag.Int("max_reports_per_job", task.DefaultMaxReportsPerJob, "Reports per aggregation job.")

	collectorHpkeConfigFile = flag.String("collector_hpke_config_file", "", "HpkeConfigList written by create_hpke_key for the Collector; the first config is used.")
	taskFile                = flag.String("task_file", "", "Output YAML file.")
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Exit(err)
	}
	return b
}

func main() {
	flag.Parse()

	ctx := context.Background()
	collectorConfigs, err := cryptoio.ReadHpkeConfigList(ctx, *collectorHpkeConfigFile)
	if err != nil {
		log.Exit(err)
	}
	if len(collectorConfigs.Configs) == 0 {
		log.Exitf("no HPKE config in %q", *collectorHpkeConfigFile)
	}
	config, err := messages.Encode(messages.DraftVersion07, &collectorConfigs.Configs[0])
	if err != nil {
		log.Exit(err)
	}

	var id messages.TaskID
	copy(id[:], randomBytes(len(id)))
	f := &task.File{
		ID:                  id.String(),
		Version:             string(messages.DraftVersion07),
		LeaderURL:           *leaderURL,
		HelperURL:           *helperURL,
		QueryType:           *queryType,
		VDAF:                vdaf.Config{Type: *vdafType, Bits: *vdafBits, Length: *vdafLength, Dimension: *vdafDimension},
		VerifyKey:           hex.EncodeToString(randomBytes(vdaf.SeedSize)),
		TimePrecision:       *timePrecision,
		MinBatchSize:        *minBatchSize,
		MaxBatchSize:        *maxBatchSize,
		Expiration:          *expiration,
		ReplayHorizon:       *replayHorizon,
		TolerableClockSkew:  *tolerableClockSkew,
		OverlapPolicy:       *overlapPolicy,
		MaxBatchQueryCount:  *maxBatchQueryCount,
		MaxReportsPerJob:    *maxReportsPerJob,
		CollectorHpkeConfig: base64.RawURLEncoding.EncodeToString(config),
		LeaderAuthToken:     base64.RawURLEncoding.EncodeToString(randomBytes(32)),
		CollectorAuthToken:  base64.RawURLEncoding.EncodeToString(randomBytes(32)),
	}
	t, err := f.Task()
	if err != nil {
		log.Exit(err)
	}
	if err := task.WriteFiles(ctx, []*task.Task{t}, *taskFile); err != nil {
		log.Exit(err)
	}
	log.Infof("created task %v", t.ID)
}
