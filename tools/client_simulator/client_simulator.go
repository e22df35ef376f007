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

// This binary plays DAP Clients: it reads measurements from a file, shards and encrypts them into
// reports and uploads the reports to the Leader.
package main

import (
	"context"
	"flag"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/service/transport"
	"github.com/oliy/daphne/task"
)

var (
	tasksURI        = flag.String("tasks_uri", "", "YAML file with the task definitions.")
	taskID          = flag.String("task_id", "", "ID of the task to upload to. Can be empty when the file has a single task.")
	measurementsURI = flag.String("measurements_uri", "", "Input measurements, one \"value\" or \"value,time\" per line.")
	measurementRaw  = flag.String("measurement_raw", "1", "Single measurement used when measurements_uri is empty.")
	sendCount       = flag.Int("send_count", 1, "How many times to send each measurement.")
	concurrency     = flag.Int("concurrency", 10, "Concurrent uploads.")

	version string // set by linker -X
	build   string // set by linker -X
)

func hpkeConfig(ctx context.Context, client *transport.Client, url string, t *task.Task) (messages.HpkeConfig, error) {
	list, err := client.HpkeConfigList(ctx, url, t.Version, t.ID)
	if err != nil {
		return messages.HpkeConfig{}, err
	}
	return list.Configs[0], nil
}

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Info(err)
	} else {
		buildDate = time.Unix(i, 0)
	}
	log.Infof("Running client simulator version: %v, build: %v\n", version, buildDate)

	ctx := context.Background()
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

	var measurements []report.Measurement
	if *measurementsURI != "" {
		if measurements, err = report.ReadMeasurements(ctx, *measurementsURI); err != nil {
			log.Exit(err)
		}
	} else {
		m, err := report.ParseMeasurement(*measurementRaw)
		if err != nil {
			log.Exit(err)
		}
		measurements = append(measurements, m)
	}

	client := transport.New(transport.Config{})
	params := &report.ClientParams{Task: t}
	if params.LeaderConfig, err = hpkeConfig(ctx, client, t.LeaderURL, t); err != nil {
		log.Exit(err)
	}
	if params.HelperConfig, err = hpkeConfig(ctx, client, t.HelperURL, t); err != nil {
		log.Exit(err)
	}

	var sent, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for _, m := range measurements {
		if m.Time == 0 {
			m.Time = uint64(time.Now().Unix())
		}
		for i := 0; i < *sendCount; i++ {
			m := m
			g.Go(func() error {
				r, err := report.Generate(params, engine, m)
				if err != nil {
					return err
				}
				if err := client.Upload(gctx, t, r); err != nil {
					log.Errorf("upload of report %v failed: %v", r.Metadata.ID, err)
					atomic.AddInt64(&failed, 1)
					return nil
				}
				atomic.AddInt64(&sent, 1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		log.Exit(err)
	}
	log.Infof("uploaded %d reports, %d failed", sent, failed)
}
