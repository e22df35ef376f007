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

package aggregatorservice

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/aggjob"
	"github.com/oliy/daphne/batch"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/replay"
	"github.com/oliy/daphne/report"
	"github.com/oliy/daphne/service/helper"
	"github.com/oliy/daphne/service/jobqueue"
	"github.com/oliy/daphne/service/leader"
	"github.com/oliy/daphne/service/transport"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/taskprov"
)

// Config holds what an aggregator is assembled from. All state lives in Store.
type Config struct {
	Store   storage.Store
	Tasks   *task.Store
	Keys    *standardencrypt.KeyRing
	Metrics *metrics.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time

	// Client reaches the Helper. Leader only.
	Client *transport.Client
	// Retry and Concurrency configure the Leader's aggregation job driver.
	Retry       aggjob.RetryPolicy
	Concurrency int

	// Audience is the ID token audience a Helper accepts from the Leader.
	Audience string

	// Taskprov, when set, lets requests provision tasks in-band.
	Taskprov *taskprov.Config
}

func (cfg *Config) resolver() *taskprov.Resolver {
	if cfg.Taskprov == nil {
		return nil
	}
	return &taskprov.Resolver{Tasks: cfg.Tasks, Config: cfg.Taskprov}
}

// NewLeader assembles a Leader server.
func NewLeader(cfg *Config) *Server {
	batches := batch.New(cfg.Store)
	pipeline := &report.Pipeline{
		Role:    messages.RoleLeader,
		Keys:    cfg.Keys,
		Replay:  replay.NewStorageGuard(cfg.Store),
		Batches: batches,
		Metrics: cfg.Metrics,
	}
	driver := &aggjob.Driver{
		Pipeline:    pipeline,
		Jobs:        aggjob.NewStore(cfg.Store),
		Pending:     aggjob.NewPendingStore(cfg.Store),
		FixedSize:   aggjob.NewFixedSizeBatches(cfg.Store),
		Batches:     batches,
		Peer:        cfg.Client,
		Retry:       cfg.Retry,
		Concurrency: cfg.Concurrency,
		Metrics:     cfg.Metrics,
		Now:         cfg.Now,
	}
	return &Server{
		Tasks: cfg.Tasks,
		Keys:  cfg.Keys,
		Leader: &leader.Leader{
			Pipeline:    pipeline,
			Driver:      driver,
			Collections: leader.NewCollectionStore(cfg.Store),
			Helper:      cfg.Client,
			Metrics:     cfg.Metrics,
			Now:         cfg.Now,
		},
		Metrics:  cfg.Metrics,
		Taskprov: cfg.resolver(),
	}
}

// NewHelper assembles a Helper server.
func NewHelper(cfg *Config) *Server {
	batches := batch.New(cfg.Store)
	pipeline := &report.Pipeline{
		Role:    messages.RoleHelper,
		Keys:    cfg.Keys,
		Replay:  replay.NewStorageGuard(cfg.Store),
		Batches: batches,
		Metrics: cfg.Metrics,
	}
	return &Server{
		Tasks: cfg.Tasks,
		Keys:  cfg.Keys,
		Helper: &helper.Helper{
			Jobs: &aggjob.Handler{
				Pipeline: pipeline,
				Jobs:     aggjob.NewStore(cfg.Store),
				Batches:  batches,
				Metrics:  cfg.Metrics,
				Now:      cfg.Now,
			},
			Batches: batches,
			Metrics: cfg.Metrics,
			Now:     cfg.Now,
		},
		Metrics:  cfg.Metrics,
		Audience: cfg.Audience,
		Taskprov: cfg.resolver(),
	}
}

// HandleWork runs the Leader's jobs for the task named by w. Helpers have no background work.
func (s *Server) HandleWork(ctx context.Context, w jobqueue.Work) error {
	if s.Leader == nil {
		return nil
	}
	id, err := messages.ParseTaskID(w.TaskID)
	if err != nil {
		return fmt.Errorf("malformed task ID %q: %v", w.TaskID, err)
	}
	t, err := s.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.Leader.Run(ctx, t)
}

// TaskIDs lists the tasks that still accept reports.
func (s *Server) TaskIDs(ctx context.Context) ([]messages.TaskID, error) {
	tasks, err := s.Tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	now := uint64(time.Now().Unix())
	var ids []messages.TaskID
	for _, t := range tasks {
		// Expired tasks still have jobs and collections to finish for a while.
		if t.Expired(now) && now-t.Expiration > t.ReplayHorizon {
			continue
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ReplayCutoffs returns, per task, the oldest report time the replay guard must remember.
func (s *Server) ReplayCutoffs() map[messages.TaskID]uint64 {
	tasks, err := s.Tasks.List(context.Background())
	if err != nil {
		log.Errorf("listing tasks for replay collection: %v", err)
		return nil
	}
	now := uint64(time.Now().Unix())
	cutoffs := make(map[messages.TaskID]uint64, len(tasks))
	for _, t := range tasks {
		if now > t.ReplayHorizon {
			cutoffs[t.ID] = now - t.ReplayHorizon
		}
	}
	return cutoffs
}
