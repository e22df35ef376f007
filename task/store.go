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

package task

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/storage"
	"gopkg.in/yaml.v3"
)

const keyPrefix = "task"

// DefaultCacheSize is the number of tasks kept decoded in memory by a Store.
const DefaultCacheSize = 1024

// Store persists tasks and caches the decoded ones. Tasks are immutable, so cached entries never go stale.
type Store struct {
	kv    storage.Store
	cache *lru.Cache[messages.TaskID, *Task]
}

// NewStore returns a task store over kv.
func NewStore(kv storage.Store, cacheSize int) (*Store, error) {
	cache, err := lru.New[messages.TaskID, *Task](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{kv: kv, cache: cache}, nil
}

func taskKey(id messages.TaskID) string {
	return storage.Key(keyPrefix, id.String())
}

// Put validates and stores a task. Storing a different task under an existing ID is an error.
func (s *Store) Put(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	b, err := utils.MarshalCBOR(t)
	if err != nil {
		return err
	}
	key := taskKey(t.ID)
	err = s.kv.Update(ctx, []string{key}, func(values map[string][]byte) (map[string][]byte, error) {
		if old, ok := values[key]; ok {
			if string(old) == string(b) {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: task %v already exists with different parameters", daperrors.ErrInvalidTaskParameters, t.ID)
		}
		return map[string][]byte{key: b}, nil
	})
	if err != nil {
		return err
	}
	s.cache.Add(t.ID, t)
	return nil
}

// Get returns the task with the given ID, or an error wrapping daperrors.ErrTaskUnknownOrExpired.
func (s *Store) Get(ctx context.Context, id messages.TaskID) (*Task, error) {
	if t, ok := s.cache.Get(id); ok {
		return t, nil
	}
	b, err := s.kv.Get(ctx, taskKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %v", daperrors.ErrTaskUnknownOrExpired, id)
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	t := &Task{}
	if err := utils.UnmarshalCBOR(b, t); err != nil {
		return nil, daperrors.Storage(fmt.Errorf("decoding task %v: %v", id, err))
	}
	s.cache.Add(id, t)
	return t, nil
}

// List returns every stored task.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	err := s.kv.Scan(ctx, keyPrefix+"/", func(key string, value []byte) error {
		t := &Task{}
		if err := utils.UnmarshalCBOR(value, t); err != nil {
			return fmt.Errorf("decoding %q: %v", key, err)
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	return tasks, nil
}

type fileList struct {
	Tasks []*File `yaml:"tasks"`
}

// ParseFiles parses a YAML document with a top-level "tasks" list.
func ParseFiles(data []byte) ([]*Task, error) {
	var list fileList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", daperrors.ErrInvalidTaskParameters, err)
	}
	seen := make(map[messages.TaskID]bool)
	var tasks []*Task
	for _, f := range list.Tasks {
		t, err := f.Task()
		if err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: duplicate task %v", daperrors.ErrInvalidTaskParameters, t.ID)
		}
		seen[t.ID] = true
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ReadFiles reads task definitions from a local file, a GCS object or a URL.
func ReadFiles(ctx context.Context, uri string) ([]*Task, error) {
	data, err := utils.ReadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	return ParseFiles(data)
}

// Find returns the task in tasks whose encoded ID is id. With an empty id, a single task is returned.
func Find(tasks []*Task, id string) (*Task, error) {
	if id == "" && len(tasks) == 1 {
		return tasks[0], nil
	}
	for _, t := range tasks {
		if t.ID.String() == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: task %q", daperrors.ErrTaskUnknownOrExpired, id)
}

// WriteFiles writes tasks in the format read by ReadFiles.
func WriteFiles(ctx context.Context, tasks []*Task, uri string) error {
	var list fileList
	for _, t := range tasks {
		f, err := ToFile(t)
		if err != nil {
			return err
		}
		list.Tasks = append(list.Tasks, f)
	}
	data, err := yaml.Marshal(&list)
	if err != nil {
		return err
	}
	return utils.WriteBytes(ctx, data, uri)
}

// ToFile converts a task to its YAML form.
func ToFile(t *Task) (*File, error) {
	config, err := messages.Encode(t.Version, &t.CollectorHpkeConfig)
	if err != nil {
		return nil, err
	}
	return &File{
		ID:                  t.ID.String(),
		Version:             string(t.Version),
		LeaderURL:           t.LeaderURL,
		HelperURL:           t.HelperURL,
		QueryType:           t.QueryType.String(),
		VDAF:                t.VDAF,
		VerifyKey:           hex.EncodeToString(t.VerifyKey),
		TimePrecision:       t.TimePrecision,
		MinBatchSize:        t.MinBatchSize,
		MaxBatchSize:        t.MaxBatchSize,
		Expiration:          t.Expiration,
		ReplayHorizon:       t.ReplayHorizon,
		TolerableClockSkew:  t.TolerableClockSkew,
		OverlapPolicy:       string(t.OverlapPolicy),
		MaxBatchQueryCount:  t.MaxBatchQueryCount,
		MaxReportsPerJob:    t.MaxReportsPerJob,
		CollectorHpkeConfig: base64.RawURLEncoding.EncodeToString(config),
		LeaderAuthToken:     t.LeaderAuthToken,
		CollectorAuthToken:  t.CollectorAuthToken,
	}, nil
}
