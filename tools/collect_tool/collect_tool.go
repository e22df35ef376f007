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

// This binary plays the DAP Collector: it starts a collection job on the Leader, waits for it to
// finish and decrypts the aggregate result.
package main

import (
	"context"
	"flag"
	"strconv"
	"time"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/collector"
	"github.com/oliy/daphne/encryption/cryptoio"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/service/transport"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/task"
)

var (
	tasksURI         = flag.String("tasks_uri", "", "YAML file with the task definitions.")
	taskID           = flag.String("task_id", "", "ID of the task to collect. Can be empty when the file has a single task.")
	collectorKeysURI = flag.String("collector_keys_uri", "", "Private key params written by create_hpke_key for the Collector.")

	batchStart    = flag.Uint64("batch_start", 0, "Start of the batch interval of a time-interval query.")
	batchDuration = flag.Uint64("batch_duration", 0, "Duration of the batch interval of a time-interval query.")
	batchID       = flag.String("batch_id", "", "Batch of a fixed-size query. Empty collects the oldest batch that is ready.")

	pollInterval = flag.Duration("poll_interval", collector.DefaultPollInterval, "How often to poll the collection job.")
	timeout      = flag.Duration("timeout", time.Hour, "How long to wait for the collection.")
	resultURI    = flag.String("result_uri", "", "Output file for the aggregate result, one value per line. Empty only logs it.")
)

func query(t *task.Task) (messages.Query, error) {
	q := messages.Query{Type: t.QueryType}
	if t.QueryType == messages.QueryTypeTimeInterval {
		q.Interval = messages.Interval{Start: *batchStart, Duration: *batchDuration}
		return q, nil
	}
	if *batchID != "" {
		id, err := messages.ParseBatchID(*batchID)
		if err != nil {
			return q, err
		}
		q.BatchID = id
	}
	return q, nil
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tasks, err := task.ReadFiles(ctx, *tasksURI)
	if err != nil {
		log.Exit(err)
	}
	t, err := task.Find(tasks, *taskID)
	if err != nil {
		log.Exit(err)
	}
	engine, err := t.Engine()
	if err != nil {
		log.Exit(err)
	}
	keys, err := cryptoio.ReadKeyRing(ctx, *collectorKeysURI)
	if err != nil {
		log.Exit(err)
	}
	q, err := query(t)
	if err != nil {
		log.Exit(err)
	}

	id, collection, err := collector.Collect(ctx, transport.New(transport.Config{}), t, &messages.CollectionReq{Query: q}, *pollInterval)
	if err != nil {
		log.Exitf("collection job %v: %v", id, err)
	}
	result, err := collector.Decrypt(t, engine, keys, q, collection)
	if err != nil {
		log.Exit(err)
	}

	log.Infof("collected %d reports in %v: %v", collection.ReportCount, collection.Interval, result)
	if *resultURI == "" {
		return
	}
	lines := make([]string, len(result))
	for i, v := range result {
		lines[i] = strconv.FormatUint(v, 10)
	}
	if err := utils.WriteLines(ctx, lines, *resultURI); err != nil {
		log.Exit(err)
	}
}
