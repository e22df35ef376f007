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

// Package jobqueue distributes per-task work among aggregator replicas.
package jobqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/utils"
)

// Work asks a replica to run the aggregation and collection jobs of one task.
type Work struct {
	TaskID string `json:"task_id"`
}

// Queue delivers Work to handlers.
type Queue interface {
	Publish(ctx context.Context, w Work) error
	// Receive calls fn for each delivered Work until ctx is done. Work whose handler fails is
	// delivered again later.
	Receive(ctx context.Context, fn func(context.Context, Work) error) error
	Close() error
}

// PubSubQueue is a Queue on a Pub/Sub topic and subscription.
type PubSubQueue struct {
	topic, subscription string

	topicClient, subscriptionClient *pubsub.Client
	// MaxOutstanding bounds the number of Work items handled at once.
	MaxOutstanding int
}

// NewPubSubQueue creates the Pub/Sub clients for fully qualified topic and subscription names.
func NewPubSubQueue(ctx context.Context, topic, subscription string) (*PubSubQueue, error) {
	topicProject, topicID, err := utils.ParsePubSubResourceName(topic)
	if err != nil {
		return nil, err
	}
	subscriptionProject, subscriptionID, err := utils.ParsePubSubResourceName(subscription)
	if err != nil {
		return nil, err
	}
	q := &PubSubQueue{topic: topicID, subscription: subscriptionID, MaxOutstanding: 4}
	if q.topicClient, err = pubsub.NewClient(ctx, topicProject); err != nil {
		return nil, err
	}
	if subscriptionProject == topicProject {
		q.subscriptionClient = q.topicClient
		return q, nil
	}
	if q.subscriptionClient, err = pubsub.NewClient(ctx, subscriptionProject); err != nil {
		q.topicClient.Close()
		return nil, err
	}
	return q, nil
}

// Publish sends w to the topic.
func (q *PubSubQueue) Publish(ctx context.Context, w Work) error {
	return utils.PublishRequest(ctx, q.topicClient, q.topic, w)
}

// Receive pulls Work from the subscription. Failed Work is nacked so that the subscription's
// retry policy redelivers it.
func (q *PubSubQueue) Receive(ctx context.Context, fn func(context.Context, Work) error) error {
	sub := q.subscriptionClient.Subscription(q.subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = q.MaxOutstanding
	sub.ReceiveSettings.MaxExtension = time.Hour
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		w := Work{}
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			log.Errorf("dropping malformed work message %s: %v", msg.ID, err)
			msg.Ack()
			return
		}
		if err := fn(ctx, w); err != nil {
			log.Errorf("work for task %s failed: %v", w.TaskID, err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close closes the Pub/Sub clients.
func (q *PubSubQueue) Close() error {
	err := q.topicClient.Close()
	if q.subscriptionClient != q.topicClient {
		if serr := q.subscriptionClient.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// MemoryQueue is a Queue inside one process. Work for a task that is already queued is
// coalesced.
type MemoryQueue struct {
	ch chan Work

	mu     sync.Mutex
	queued map[string]bool
}

// NewMemoryQueue returns a MemoryQueue holding up to size distinct tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan Work, size), queued: make(map[string]bool)}
}

// Publish queues w unless Work for its task is already waiting. It does not block when the
// queue is full; the Work is dropped and the next publish retries it.
func (q *MemoryQueue) Publish(_ context.Context, w Work) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[w.TaskID] {
		return nil
	}
	select {
	case q.ch <- w:
		q.queued[w.TaskID] = true
	default:
		log.Warningf("work queue full, dropping work for task %s", w.TaskID)
	}
	return nil
}

// Receive handles queued Work one item at a time.
func (q *MemoryQueue) Receive(ctx context.Context, fn func(context.Context, Work) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-q.ch:
			q.mu.Lock()
			delete(q.queued, w.TaskID)
			q.mu.Unlock()
			if err := fn(ctx, w); err != nil {
				log.Errorf("work for task %s failed: %v", w.TaskID, err)
			}
		}
	}
}

// Close is a no-op.
func (q *MemoryQueue) Close() error { return nil }

// Schedule publishes Work for every task returned by tasks, every interval, until ctx is done.
func Schedule(ctx context.Context, q Queue, interval time.Duration, tasks func(context.Context) ([]messages.TaskID, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ids, err := tasks(ctx)
		if err != nil {
			log.Errorf("listing tasks: %v", err)
		}
		for _, id := range ids {
			if err := q.Publish(ctx, Work{TaskID: id.String()}); err != nil {
				log.Errorf("publishing work for task %v: %v", id, err)
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
