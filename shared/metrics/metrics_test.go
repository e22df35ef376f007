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

package metrics

import (
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ReportUploaded("t1")
	m.ReportUploaded("t1")
	m.ReportsAccepted("t1", "leader", 3)
	m.ReportsAccepted("t1", "leader", 0)
	m.ReportRejected("t1", "helper", "report_replayed")
	m.JobFinished("t1", "leader")
	m.JobAbandoned("t1")
	m.Collected("t1", "helper")
	m.ObserveRound("t1", "leader", time.Now())

	for _, tc := range []struct {
		name string
		got  float64
		want float64
	}{
		{"uploaded", testutil.ToFloat64(m.reportsUploaded.WithLabelValues("t1")), 2},
		{"accepted", testutil.ToFloat64(m.reportsAccepted.WithLabelValues("t1", "leader")), 3},
		{"replayed", testutil.ToFloat64(m.reportsRejected.WithLabelValues("t1", "helper", "report_replayed")), 1},
		{"finished", testutil.ToFloat64(m.jobsFinished.WithLabelValues("t1", "leader")), 1},
		{"abandoned", testutil.ToFloat64(m.jobsAbandoned.WithLabelValues("t1")), 1},
		{"collected", testutil.ToFloat64(m.collections.WithLabelValues("t1", "helper")), 1},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	if got := testutil.CollectAndCount(m.roundLatency); got != 1 {
		t.Errorf("got %d latency series, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ReportUploaded("t")
	m.ReportsAccepted("t", "leader", 1)
	m.ReportRejected("t", "leader", "x")
	m.ObserveRound("t", "leader", time.Now())
	m.JobFinished("t", "leader")
	m.JobAbandoned("t")
	m.Collected("t", "leader")
}

func TestHandler(t *testing.T) {
	m := New()
	m.ReportUploaded("t1")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if want := `dap_reports_uploaded_total{task="t1"} 1`; !strings.Contains(string(body), want) {
		t.Errorf("exposition does not contain %q:\n%s", want, body)
	}
}
