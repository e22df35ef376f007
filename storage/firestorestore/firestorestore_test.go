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

package firestorestore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/storage/storagetest"
)

// TestStore runs against the Firestore emulator named by FIRESTORE_EMULATOR_HOST.
func TestStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST is not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), "daphne-test", "test-"+uuid.New().String())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}
