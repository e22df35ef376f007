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

// Package report generates Client reports and runs the Aggregator side of report consumption.
package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oliy/daphne/shared/utils"
)

// Measurement is one Client measurement together with the time it was taken.
type Measurement struct {
	Value uint64
	// Time is a Unix timestamp; zero means the time of upload.
	Time uint64
}

// ParseMeasurement parses a line of the form "value" or "value,time".
func ParseMeasurement(line string) (Measurement, error) {
	cols := strings.Split(strings.TrimSpace(line), ",")
	if got := len(cols); got != 1 && got != 2 {
		return Measurement{}, fmt.Errorf("got %d columns in line %q, want 1 or 2", got, line)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(cols[0]), 10, 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("invalid measurement in line %q: %v", line, err)
	}
	m := Measurement{Value: value}
	if len(cols) == 2 {
		if m.Time, err = strconv.ParseUint(strings.TrimSpace(cols[1]), 10, 64); err != nil {
			return Measurement{}, fmt.Errorf("invalid time in line %q: %v", line, err)
		}
	}
	return m, nil
}

// ReadMeasurements reads measurements from a local or GCS file, one per line. Empty lines are skipped.
func ReadMeasurements(ctx context.Context, filename string) ([]Measurement, error) {
	lines, err := utils.ReadLines(ctx, filename)
	if err != nil {
		return nil, err
	}

	var measurements []Measurement
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		m, err := ParseMeasurement(l)
		if err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}
	return measurements, nil
}

// WriteMeasurements writes measurements in the format read by ReadMeasurements.
func WriteMeasurements(ctx context.Context, measurements []Measurement, filename string) error {
	lines := make([]string, len(measurements))
	for i, m := range measurements {
		if m.Time == 0 {
			lines[i] = strconv.FormatUint(m.Value, 10)
		} else {
			lines[i] = fmt.Sprintf("%d,%d", m.Value, m.Time)
		}
	}
	return utils.WriteLines(ctx, lines, filename)
}
