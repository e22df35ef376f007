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

// Package firestorestore implements storage.Store on a Firestore collection.
package firestorestore

import (
	"context"
	"encoding/base64"
	"errors"

	"cloud.google.com/go/firestore"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// entry is the document stored for each key. Document IDs are the base64url encoded keys;
// the key is repeated as a field so that prefix scans can be expressed as range queries.
type entry struct {
	Key   string `firestore:"key"`
	Value []byte `firestore:"value"`
}

// Store is a storage.Store backed by one Firestore collection.
type Store struct {
	client     *firestore.Client
	collection string
}

var _ storage.Store = (*Store)(nil)

// New returns a Store that keeps its documents in the named collection of the client's database.
func New(client *firestore.Client, collection string) *Store {
	return &Store{client: client, collection: collection}
}

// Open creates a client for projectID and returns a Store on its collection. Close releases the client.
func Open(ctx context.Context, projectID, collection string) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	return New(client, collection), nil
}

func (s *Store) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func decodeEntry(snap *firestore.DocumentSnapshot) ([]byte, error) {
	var e entry
	if err := snap.DataTo(&e); err != nil {
		return nil, daperrors.Storage(err)
	}
	if e.Value == nil {
		return []byte{}, nil
	}
	return e.Value, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := s.doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, daperrors.Storage(err)
	}
	return decodeEntry(snap)
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.doc(key).Set(ctx, entry{Key: key, Value: value})
	return daperrors.Storage(err)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	return daperrors.Storage(err)
}

type errAborted struct{ err error }

func (e errAborted) Error() string { return e.err.Error() }

func (s *Store) Update(ctx context.Context, keys []string, fn storage.UpdateFunc) error {
	refs := make([]*firestore.DocumentRef, len(keys))
	for i, k := range keys {
		refs[i] = s.doc(k)
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		values := make(map[string][]byte)
		for i, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			if values[keys[i]], err = decodeEntry(snap); err != nil {
				return err
			}
		}
		writes, err := fn(values)
		if err == nil {
			err = storage.CheckWrites(keys, writes)
		}
		if err != nil {
			return errAborted{err}
		}
		for k, v := range writes {
			if v == nil {
				err = tx.Delete(s.doc(k))
			} else {
				err = tx.Set(s.doc(k), entry{Key: k, Value: v})
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	var aborted errAborted
	if errors.As(err, &aborted) {
		return aborted.err
	}
	return daperrors.Storage(err)
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	q := s.client.Collection(s.collection).Where("key", ">=", prefix)
	if upper := storage.PrefixUpperBound([]byte(prefix)); upper != nil {
		q = q.Where("key", "<", string(upper))
	}
	iter := q.OrderBy("key", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return daperrors.Storage(err)
		}
		var e entry
		if err := snap.DataTo(&e); err != nil {
			return daperrors.Storage(err)
		}
		if e.Value == nil {
			e.Value = []byte{}
		}
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}
