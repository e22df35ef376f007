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

// This binary creates HPKE receiver configs for an Aggregator or a Collector.
//
// The private keys go to Secret Manager, or to files when no project is given. The public configs
// are saved as a DAP-encoded HpkeConfigList.
package main

import (
	"context"
	"flag"
	"fmt"

	log "github.com/golang/glog"
	"github.com/oliy/daphne/encryption/cryptoio"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/utils"
)

var (
	secretProjectID = flag.String("secret_project_id", "", "ID of the GCP project that provides the SecretManager service.")
	privateKeyDir   = flag.String("private_key_dir", "", "Output directory for the private keys, used when secret_project_id is empty.")
	keyCount        = flag.Int("key_count", 1, "Count of configs to generate.")
	firstID         = flag.Uint("first_id", 1, "HPKE config ID of the first config.")
	kemID           = flag.Uint("kem_id", uint(standardencrypt.KemX25519HkdfSha256), "HPKE KEM ID.")
	kdfID           = flag.Uint("kdf_id", uint(standardencrypt.KdfHkdfSha256), "HPKE KDF ID.")
	aeadID          = flag.Uint("aead_id", uint(standardencrypt.AeadAes128Gcm), "HPKE AEAD ID.")

	hpkeConfigListFile   = flag.String("hpke_config_list_file", "", "Output file for the public HPKE configs. Empty saves them in an environment variable.")
	privateKeyParamsFile = flag.String("private_key_params_file", "", "Output file that includes information about how to get the private keys.")
)

func main() {
	flag.Parse()

	if *firstID > 255 {
		log.Exitf("first_id %d does not fit in a config ID", *firstID)
	}
	configs, err := cryptoio.GenerateReceiverConfigs(*keyCount, uint8(*firstID), uint16(*kemID), uint16(*kdfID), uint16(*aeadID))
	if err != nil {
		log.Exit(err)
	}
	if *secretProjectID == "" {
		log.Warning("private keys stored in plain files should be used only for testing")
	}

	ctx := context.Background()
	var (
		params []*cryptoio.ReadReceiverConfigParams
		list   messages.HpkeConfigList
	)
	for _, rc := range configs {
		keyFile := utils.JoinPath(*privateKeyDir, fmt.Sprintf("hpke-config-%d.json", rc.Config.ID))
		secretName, err := cryptoio.SaveReceiverConfig(ctx, &cryptoio.SaveReceiverConfigParams{
			SecretProjectID: *secretProjectID,
			SecretID:        cryptoio.NewSecretID("dap-hpke"),
			FilePath:        keyFile,
		}, rc)
		if err != nil {
			log.Exit(err)
		}
		p := &cryptoio.ReadReceiverConfigParams{SecretName: secretName}
		if secretName == "" {
			p.FilePath = keyFile
		}
		params = append(params, p)
		list.Configs = append(list.Configs, rc.Config)
	}

	if err := cryptoio.SaveReceiverConfigParamsCollection(ctx, params, *privateKeyParamsFile); err != nil {
		log.Exit(err)
	}
	if err := cryptoio.SaveHpkeConfigList(ctx, list, *hpkeConfigListFile); err != nil {
		log.Exit(err)
	}
	log.Infof("created %d HPKE configs", len(configs))
}
