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

package report

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/vdaf"
)

// ClientParams holds what a Client needs to upload reports for one task.
type ClientParams struct {
	Task         *task.Task
	LeaderConfig messages.HpkeConfig
	HelperConfig messages.HpkeConfig
}

// NewReportID returns a random report ID.
func NewReportID() messages.ReportID {
	var id messages.ReportID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// Generate shards a measurement and encrypts the input shares to the Leader and the Helper.
//
// The report time is truncated to the task's time precision. The report ID doubles as the VDAF nonce.
func Generate(params *ClientParams, engine vdaf.Engine, m Measurement) (*messages.Report, error) {
	t := params.Task
	metadata := messages.ReportMetadata{
		ID:   NewReportID(),
		Time: m.Time - m.Time%t.TimePrecision,
	}
	publicShare, inputShares, err := engine.Shard(m.Value, metadata.ID[:])
	if err != nil {
		return nil, err
	}
	if len(inputShares) != 2 {
		return nil, fmt.Errorf("VDAF produced %d input shares, want 2", len(inputShares))
	}

	aad := messages.InputShareAAD(t.ID, metadata, publicShare)
	report := &messages.Report{Metadata: metadata, PublicShare: publicShare}
	for i, receiver := range []struct {
		role   messages.Role
		config messages.HpkeConfig
	}{
		{messages.RoleLeader, params.LeaderConfig},
		{messages.RoleHelper, params.HelperConfig},
	} {
		plaintext, err := messages.Encode(t.Version, &messages.PlaintextInputShare{Payload: inputShares[i]})
		if err != nil {
			return nil, err
		}
		ct, err := standardencrypt.Seal(receiver.config, messages.InputShareInfo(receiver.role), aad, plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypting the %v input share: %v", receiver.role, err)
		}
		report.EncryptedInputShares = append(report.EncryptedInputShares, ct)
	}
	return report, nil
}
