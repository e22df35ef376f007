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

package main

import (
	"context"
	"fmt"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"memory", "pebble:" + t.TempDir(), "badger:" + t.TempDir()} {
		s, err := openStore(ctx, backend)
		if err != nil {
			t.Fatalf("openStore(%q): %v", backend, err)
		}
		if err := s.Put(ctx, "k", []byte("v")); err != nil {
			t.Errorf("%s: Put: %v", backend, err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("%s: Close: %v", backend, err)
		}
	}
	for _, backend := range []string{"", "redis:localhost", "firestore:project-only"} {
		if _, err := openStore(ctx, backend); err == nil {
			t.Errorf("openStore(%q) succeeded, want an error", backend)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestServeHealth(t *testing.T) {
	port := freePort(t)
	srv, hs, err := serveHealth(port)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := grpc.Dial(fmt.Sprintf("localhost:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx := context.Background()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.GetStatus(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("got status %v, want SERVING", got)
	}

	hs.Shutdown()
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.GetStatus(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("got status %v after shutdown, want NOT_SERVING", got)
	}
}
