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

// Package standardencrypt contains functions for the standard public-key encryption of input shares
// and aggregate shares (HPKE, RFC 9180).
package standardencrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
)

// Algorithm identifiers from the HPKE registry that are accepted in configs.
const (
	KemP256HkdfSha256    uint16 = 0x0010
	KemX25519HkdfSha256  uint16 = 0x0020
	KdfHkdfSha256        uint16 = 0x0001
	KdfHkdfSha384        uint16 = 0x0002
	KdfHkdfSha512        uint16 = 0x0003
	AeadAes128Gcm        uint16 = 0x0001
	AeadAes256Gcm        uint16 = 0x0002
	AeadChaCha20Poly1305 uint16 = 0x0003
)

var (
	// ErrUnknownConfigID is returned when a ciphertext names a config the receiver does not hold.
	ErrUnknownConfigID = fmt.Errorf("%w: unknown HPKE config id", daperrors.ErrDecryption)
	// ErrUnsupportedAlgorithm is returned for configs outside the supported algorithm set.
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported HPKE algorithm", daperrors.ErrDecryption)
)

func suiteFor(config messages.HpkeConfig) (hpke.Suite, kem.Scheme, error) {
	switch config.KemID {
	case KemP256HkdfSha256, KemX25519HkdfSha256:
	default:
		return hpke.Suite{}, nil, fmt.Errorf("%w: kem %#04x", ErrUnsupportedAlgorithm, config.KemID)
	}
	kdfID, aeadID := hpke.KDF(config.KdfID), hpke.AEAD(config.AeadID)
	if !kdfID.IsValid() {
		return hpke.Suite{}, nil, fmt.Errorf("%w: kdf %#04x", ErrUnsupportedAlgorithm, config.KdfID)
	}
	if !aeadID.IsValid() {
		return hpke.Suite{}, nil, fmt.Errorf("%w: aead %#04x", ErrUnsupportedAlgorithm, config.AeadID)
	}
	kemID := hpke.KEM(config.KemID)
	return hpke.NewSuite(kemID, kdfID, aeadID), kemID.Scheme(), nil
}

// ReceiverConfig is an HPKE config together with its private key.
type ReceiverConfig struct {
	Config     messages.HpkeConfig
	PrivateKey []byte
}

// GenerateReceiverConfig generates a fresh key pair for the given algorithms.
func GenerateReceiverConfig(id uint8, kemID, kdfID, aeadID uint16) (*ReceiverConfig, error) {
	config := messages.HpkeConfig{ID: id, KemID: kemID, KdfID: kdfID, AeadID: aeadID}
	_, scheme, err := suiteFor(config)
	if err != nil {
		return nil, err
	}
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if config.PublicKey, err = pk.MarshalBinary(); err != nil {
		return nil, err
	}
	bsk, err := sk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &ReceiverConfig{Config: config, PrivateKey: bsk}, nil
}

// Seal encrypts plaintext to the holder of config, binding info and aad.
func Seal(config messages.HpkeConfig, info, aad, plaintext []byte) (messages.HpkeCiphertext, error) {
	suite, scheme, err := suiteFor(config)
	if err != nil {
		return messages.HpkeCiphertext{}, err
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(config.PublicKey)
	if err != nil {
		return messages.HpkeCiphertext{}, fmt.Errorf("malformed public key in HPKE config %d: %v", config.ID, err)
	}
	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return messages.HpkeCiphertext{}, err
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return messages.HpkeCiphertext{}, err
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return messages.HpkeCiphertext{}, err
	}
	return messages.HpkeCiphertext{ConfigID: config.ID, Enc: enc, Payload: ct}, nil
}

// Open decrypts ct. No plaintext is returned unless authentication succeeds.
func (r *ReceiverConfig) Open(info, aad []byte, ct messages.HpkeCiphertext) ([]byte, error) {
	if ct.ConfigID != r.Config.ID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnknownConfigID, ct.ConfigID, r.Config.ID)
	}
	suite, scheme, err := suiteFor(r.Config)
	if err != nil {
		return nil, err
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed private key for config %d", daperrors.ErrDecryption, r.Config.ID)
	}
	receiver, err := suite.NewReceiver(sk, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", daperrors.ErrDecryption, err)
	}
	opener, err := receiver.Setup(ct.Enc)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encapsulated key: %v", daperrors.ErrDecryption, err)
	}
	pt, err := opener.Open(ct.Payload, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", daperrors.ErrDecryption, err)
	}
	return pt, nil
}

// Opener decrypts ciphertexts addressed to any of the configs it holds.
type Opener interface {
	Open(info, aad []byte, ct messages.HpkeCiphertext) ([]byte, error)
	HasConfig(id uint8) bool
}

// KeyRing holds the receiver configs of one Aggregator or Collector, keyed by config ID.
type KeyRing struct {
	configs map[uint8]*ReceiverConfig
}

// NewKeyRing builds a key ring. Config IDs must be unique.
func NewKeyRing(configs ...*ReceiverConfig) (*KeyRing, error) {
	k := &KeyRing{configs: make(map[uint8]*ReceiverConfig)}
	for _, c := range configs {
		if _, ok := k.configs[c.Config.ID]; ok {
			return nil, fmt.Errorf("duplicate HPKE config id %d", c.Config.ID)
		}
		if _, _, err := suiteFor(c.Config); err != nil {
			return nil, err
		}
		k.configs[c.Config.ID] = c
	}
	return k, nil
}

// HasConfig reports whether the ring holds a config with the given ID.
func (k *KeyRing) HasConfig(id uint8) bool {
	_, ok := k.configs[id]
	return ok
}

// Open decrypts ct with the config it names.
func (k *KeyRing) Open(info, aad []byte, ct messages.HpkeCiphertext) ([]byte, error) {
	c, ok := k.configs[ct.ConfigID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConfigID, ct.ConfigID)
	}
	return c.Open(info, aad, ct)
}

// ConfigList returns the public configs ordered by ID.
func (k *KeyRing) ConfigList() messages.HpkeConfigList {
	list := messages.HpkeConfigList{}
	for _, c := range k.configs {
		list.Configs = append(list.Configs, c.Config)
	}
	sort.Slice(list.Configs, func(i, j int) bool { return list.Configs[i].ID < list.Configs[j].ID })
	return list
}

// Digest is the collision-resistant hash used for report checksums and request fingerprints.
func Digest(data ...[]byte) [sha256.Size]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
