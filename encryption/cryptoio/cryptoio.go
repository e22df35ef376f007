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

// Package cryptoio contains functions for storing and loading HPKE receiver configs.
package cryptoio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/utils"
)

// HpkeConfigsEnv is the environment variable that holds the public HPKE config list when no file is given.
const HpkeConfigsEnv = "DAPHPKECONFIGS"

// ReceiverKeyInfo is the JSON form of a receiver config.
type ReceiverKeyInfo struct {
	ID         uint8  `json:"id"`
	KemID      uint16 `json:"kem_id"`
	KdfID      uint16 `json:"kdf_id"`
	AeadID     uint16 `json:"aead_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func toKeyInfo(rc *standardencrypt.ReceiverConfig) *ReceiverKeyInfo {
	return &ReceiverKeyInfo{
		ID:         rc.Config.ID,
		KemID:      rc.Config.KemID,
		KdfID:      rc.Config.KdfID,
		AeadID:     rc.Config.AeadID,
		PublicKey:  base64.StdEncoding.EncodeToString(rc.Config.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(rc.PrivateKey),
	}
}

func fromKeyInfo(info *ReceiverKeyInfo) (*standardencrypt.ReceiverConfig, error) {
	pk, err := base64.StdEncoding.DecodeString(info.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("bad public key for config %d: %v", info.ID, err)
	}
	sk, err := base64.StdEncoding.DecodeString(info.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("bad private key for config %d: %v", info.ID, err)
	}
	return &standardencrypt.ReceiverConfig{
		Config: messages.HpkeConfig{
			ID:        info.ID,
			KemID:     info.KemID,
			KdfID:     info.KdfID,
			AeadID:    info.AeadID,
			PublicKey: pk,
		},
		PrivateKey: sk,
	}, nil
}

// ReadReceiverConfigParams contains the information to read a receiver config.
//
// The config is read from Secret Manager when SecretName is set; otherwise from a local or GCS file.
type ReadReceiverConfigParams struct {
	SecretName string `json:"secret_name,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

// SaveReceiverConfigParams contains the information to save a receiver config.
type SaveReceiverConfigParams struct {
	// SecretProjectID and SecretID are used for saving the config in Secret Manager.
	SecretProjectID string
	SecretID        string
	// FilePath is used when SecretProjectID is empty.
	FilePath string
}

// SaveReceiverConfig saves a receiver config and returns the secret name if it went to Secret Manager.
func SaveReceiverConfig(ctx context.Context, params *SaveReceiverConfigParams, rc *standardencrypt.ReceiverConfig) (string, error) {
	data, err := json.Marshal(toKeyInfo(rc))
	if err != nil {
		return "", err
	}
	if params.SecretProjectID != "" {
		return utils.SaveSecret(ctx, data, params.SecretProjectID, params.SecretID)
	}
	return "", utils.WriteBytes(ctx, data, params.FilePath)
}

// ReadReceiverConfig reads a receiver config saved by SaveReceiverConfig.
func ReadReceiverConfig(ctx context.Context, params *ReadReceiverConfigParams) (*standardencrypt.ReceiverConfig, error) {
	var (
		data []byte
		err  error
	)
	if params.SecretName != "" {
		data, err = utils.ReadSecret(ctx, params.SecretName)
	} else {
		data, err = utils.ReadBytes(ctx, params.FilePath)
	}
	if err != nil {
		return nil, err
	}
	info := &ReceiverKeyInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, err
	}
	return fromKeyInfo(info)
}

// SaveReceiverConfigParamsCollection saves the information how the receiver configs are saved.
func SaveReceiverConfigParamsCollection(ctx context.Context, params []*ReadReceiverConfigParams, uri string) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return utils.WriteBytes(ctx, b, uri)
}

// ReadReceiverConfigParamsCollection reads the information how the receiver configs can be read.
func ReadReceiverConfigParamsCollection(ctx context.Context, uri string) ([]*ReadReceiverConfigParams, error) {
	b, err := utils.ReadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	var output []*ReadReceiverConfigParams
	if err := json.Unmarshal(b, &output); err != nil {
		return nil, err
	}
	return output, nil
}

// ReadKeyRing reads the params collection at uri, loads every receiver config it names and builds a key ring.
func ReadKeyRing(ctx context.Context, uri string) (*standardencrypt.KeyRing, error) {
	params, err := ReadReceiverConfigParamsCollection(ctx, uri)
	if err != nil {
		return nil, err
	}
	var configs []*standardencrypt.ReceiverConfig
	for _, p := range params {
		rc, err := ReadReceiverConfig(ctx, p)
		if err != nil {
			return nil, err
		}
		configs = append(configs, rc)
	}
	return standardencrypt.NewKeyRing(configs...)
}

// GenerateReceiverConfigs generates keyCount receiver configs with consecutive IDs starting at firstID.
func GenerateReceiverConfigs(keyCount int, firstID uint8, kemID, kdfID, aeadID uint16) ([]*standardencrypt.ReceiverConfig, error) {
	if keyCount <= 0 || int(firstID)+keyCount > 256 {
		return nil, fmt.Errorf("cannot allocate %d config IDs starting at %d", keyCount, firstID)
	}
	var configs []*standardencrypt.ReceiverConfig
	for i := 0; i < keyCount; i++ {
		rc, err := standardencrypt.GenerateReceiverConfig(firstID+uint8(i), kemID, kdfID, aeadID)
		if err != nil {
			return nil, err
		}
		configs = append(configs, rc)
	}
	return configs, nil
}

// NewSecretID returns a unique Secret Manager ID for a receiver config.
func NewSecretID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New())
}

// SaveHpkeConfigList saves the public configs in DAP encoding.
//
// The list is saved as an environment variable when filePath is empty; otherwise as a local or GCS file.
func SaveHpkeConfigList(ctx context.Context, list messages.HpkeConfigList, filePath string) error {
	b, err := messages.Encode(messages.DraftVersion07, &list)
	if err != nil {
		return err
	}
	if filePath == "" {
		return os.Setenv(HpkeConfigsEnv, base64.StdEncoding.EncodeToString(b))
	}
	return utils.WriteBytes(ctx, b, filePath)
}

// ReadHpkeConfigList reads the public configs saved by SaveHpkeConfigList.
//
// When filePath is empty, the list is read from an environment variable; otherwise from a local or GCS file.
func ReadHpkeConfigList(ctx context.Context, filePath string) (messages.HpkeConfigList, error) {
	var (
		b   []byte
		err error
	)
	if filePath == "" {
		s := os.Getenv(HpkeConfigsEnv)
		if s == "" {
			return messages.HpkeConfigList{}, fmt.Errorf("empty environment variable %q for HPKE configs", HpkeConfigsEnv)
		}
		b, err = base64.StdEncoding.DecodeString(s)
	} else {
		b, err = utils.ReadBytes(ctx, filePath)
	}
	if err != nil {
		return messages.HpkeConfigList{}, err
	}
	var list messages.HpkeConfigList
	err = messages.Decode(messages.DraftVersion07, b, &list)
	return list, err
}
