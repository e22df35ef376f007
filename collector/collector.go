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

// Package collector contains the Collector's side of DAP: it starts collection jobs on the
// Leader, polls them and decrypts the aggregate shares into the aggregate result.
package collector

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

// DefaultPollInterval is used when Collect is given no interval.
const DefaultPollInterval = 5 * time.Second

// LeaderClient is the part of the Leader's collection API the Collector uses.
type LeaderClient interface {
	CreateCollectionJob(ctx context.Context, t *task.Task, id messages.CollectionJobID, req *messages.CollectionReq) error
	PollCollectionJob(ctx context.Context, t *task.Task, id messages.CollectionJobID) (*messages.Collection, bool, error)
}

// Opener decrypts messages sealed to the Collector's HPKE config.
type Opener interface {
	Open(info, aad []byte, ct messages.HpkeCiphertext) ([]byte, error)
}

// NewCollectionJobID returns a random collection job ID.
func NewCollectionJobID() messages.CollectionJobID {
	var id messages.CollectionJobID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// Collect starts a collection job and polls it every interval until the Leader returns the
// collection or an error. The job can be resumed with Poll using the returned ID.
func Collect(ctx context.Context, c LeaderClient, t *task.Task, req *messages.CollectionReq, interval time.Duration) (messages.CollectionJobID, *messages.Collection, error) {
	id := NewCollectionJobID()
	if err := c.CreateCollectionJob(ctx, t, id, req); err != nil {
		return id, nil, err
	}
	log.Infof("created collection job %v for task %v", id, t.ID)
	collection, err := Poll(ctx, c, t, id, interval)
	return id, collection, err
}

// Poll polls an existing collection job until it finishes.
func Poll(ctx context.Context, c LeaderClient, t *task.Task, id messages.CollectionJobID, interval time.Duration) (*messages.Collection, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		collection, ok, err := c.PollCollectionJob(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return collection, nil
		}
		log.V(1).Infof("collection job %v is not ready", id)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Selector returns the batch selector the Aggregators bound their shares to.
func Selector(q messages.Query, c *messages.Collection) messages.BatchSelector {
	sel := messages.BatchSelector{Type: c.PartialBatchSelector.Type, BatchID: c.PartialBatchSelector.BatchID}
	if sel.Type == messages.QueryTypeTimeInterval {
		sel.Interval = q.Interval
	}
	return sel
}

// Decrypt opens both aggregate shares of a collection and unshards them.
func Decrypt(t *task.Task, engine vdaf.Engine, keys Opener, q messages.Query, c *messages.Collection) ([]uint64, error) {
	aad, err := messages.AggregateShareAAD(t.ID, Selector(q, c))
	if err != nil {
		return nil, err
	}
	var shares [][]byte
	for _, s := range []struct {
		role messages.Role
		ct   messages.HpkeCiphertext
	}{
		{messages.RoleLeader, c.LeaderEncryptedShare},
		{messages.RoleHelper, c.HelperEncryptedShare},
	} {
		share, err := keys.Open(messages.AggregateShareInfo(s.role), aad, s.ct)
		if err != nil {
			return nil, fmt.Errorf("opening the %v aggregate share: %w", s.role, err)
		}
		shares = append(shares, share)
	}
	return engine.Unshard(shares, c.ReportCount, t.MinBatchSize)
}
