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

package standardencrypt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
)

func mustGenerate(t *testing.T, id uint8) *ReceiverConfig {
	t.Helper()
	rc, err := GenerateReceiverConfig(id, KemX25519HkdfSha256, KdfHkdfSha256, AeadAes128Gcm)
	if err != nil {
		t.Fatalf("GenerateReceiverConfig() = %s", err)
	}
	return rc
}

func TestRandomKeyGeneration(t *testing.T) {
	rc1 := mustGenerate(t, 1)
	rc2 := mustGenerate(t, 1)
	if cmp.Equal(rc1.PrivateKey, rc2.PrivateKey) {
		t.Fatalf("duplicated private keys")
	}
	if cmp.Equal(rc1.Config.PublicKey, rc2.Config.PublicKey) {
		t.Fatalf("duplicated public keys")
	}
}

func TestSealAndOpen(t *testing.T) {
	rc := mustGenerate(t, 7)
	info, aad := []byte("info"), []byte("associated data")
	message1 := "Message 1"

	encrypted1, err := Seal(rc.Config, info, aad, []byte(message1))
	if err != nil {
		t.Fatalf("Seal(%s) = %s", message1, err)
	}
	encryptedAgain, err := Seal(rc.Config, info, aad, []byte(message1))
	if err != nil {
		t.Fatalf("Seal(%s) = %s", message1, err)
	}
	if encrypted1.Equal(encryptedAgain) {
		t.Fatalf("same encrypted results for the same message %s", message1)
	}
	if encrypted1.ConfigID != 7 {
		t.Errorf("ciphertext config id = %d, want 7", encrypted1.ConfigID)
	}

	decrypted, err := rc.Open(info, aad, encrypted1)
	if err != nil {
		t.Fatalf("Open() = %s", err)
	}
	if message1 != string(decrypted) {
		t.Fatalf("want decrypted message %s, got %s", message1, decrypted)
	}
}

func TestOpenFailsClosed(t *testing.T) {
	rc := mustGenerate(t, 1)
	info, aad := []byte("info"), []byte("aad")
	ct, err := Seal(rc.Config, info, aad, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tamperedPayload := ct
	tamperedPayload.Payload = append([]byte(nil), ct.Payload...)
	tamperedPayload.Payload[0] ^= 0xff

	for _, tc := range []struct {
		name     string
		info     []byte
		aad      []byte
		ct       messages.HpkeCiphertext
		wantKind error
	}{
		{"wrong aad", info, []byte("other aad"), ct, daperrors.ErrDecryption},
		{"wrong info", []byte("other info"), aad, ct, daperrors.ErrDecryption},
		{"tampered payload", info, aad, tamperedPayload, daperrors.ErrDecryption},
		{"malformed enc", info, aad, messages.HpkeCiphertext{ConfigID: 1, Enc: []byte{1, 2, 3}, Payload: ct.Payload}, daperrors.ErrDecryption},
		{"unknown config", info, aad, messages.HpkeCiphertext{ConfigID: 2, Enc: ct.Enc, Payload: ct.Payload}, ErrUnknownConfigID},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt, err := rc.Open(tc.info, tc.aad, tc.ct)
			if !errors.Is(err, tc.wantKind) {
				t.Errorf("Open() error = %v, want %v", err, tc.wantKind)
			}
			if pt != nil {
				t.Errorf("Open() returned partial plaintext %x", pt)
			}
		})
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, err := GenerateReceiverConfig(1, 0x0030, KdfHkdfSha256, AeadAes128Gcm); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("GenerateReceiverConfig() with hybrid kem = %v, want ErrUnsupportedAlgorithm", err)
	}
	rc := mustGenerate(t, 1)
	config := rc.Config
	config.AeadID = 0x00ff
	if _, err := Seal(config, nil, nil, []byte("x")); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Seal() with unknown aead = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestKeyRing(t *testing.T) {
	rc1, rc2 := mustGenerate(t, 2), mustGenerate(t, 1)
	ring, err := NewKeyRing(rc1, rc2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewKeyRing(rc1, rc1); err == nil {
		t.Error("NewKeyRing() accepted duplicate config ids")
	}

	want := []uint8{1, 2}
	var got []uint8
	for _, c := range ring.ConfigList().Configs {
		got = append(got, c.ID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config ids mismatch (-want +got):\n%s", diff)
	}

	ct, err := Seal(rc1.Config, nil, nil, []byte("to config 2"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := ring.Open(nil, nil, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "to config 2" {
		t.Errorf("ring.Open() = %q", pt)
	}
	if !ring.HasConfig(1) || ring.HasConfig(3) {
		t.Error("HasConfig() reports the wrong set")
	}
}

func TestDigestConcatenates(t *testing.T) {
	if Digest([]byte("ab"), []byte("c")) != Digest([]byte("abc")) {
		t.Error("Digest() is not a hash of the concatenated input")
	}
}
