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

// This binary hosts a Leader or Helper aggregator.
package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/profiler"
	log "github.com/golang/glog"
	"github.com/oliy/daphne/aggjob"
	"github.com/oliy/daphne/encryption/cryptoio"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/replay"
	"github.com/oliy/daphne/service/aggregatorservice"
	"github.com/oliy/daphne/service/jobqueue"
	"github.com/oliy/daphne/service/transport"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/storage"
	"github.com/oliy/daphne/storage/badgerstore"
	"github.com/oliy/daphne/storage/firestorestore"
	"github.com/oliy/daphne/storage/pebblestore"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/taskprov"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var (
	address = flag.String("address", ":8080", "Address of the server.")
	role    = flag.String("role", "leader", "Role of the aggregator: leader or helper.")

	tasksURI    = flag.String("tasks_uri", "", "YAML file with the task definitions to load at startup. Local, GCS or HTTP.")
	hpkeKeysURI = flag.String("hpke_keys_uri", "", "Input file that stores the required parameters to fetch the HPKE private keys.")
	storageBackend = flag.String("storage", "memory", "Storage backend: memory, pebble:<dir>, badger:<dir> or firestore:<project>/<collection>.")

	// The subscription should have a retry policy with exponential backoff. Without a topic, work
	// is queued in process.
	pubsubTopic        = flag.String("pubsub_topic", "", "PubSub topic for per-task work. The value should be a fully qualified topic URI.")
	pubsubSubscription = flag.String("pubsub_subscription", "", "PubSub subscription to pull per-task work from. The value should be a fully qualified subscription URI.")
	runInterval        = flag.Duration("run_interval", 30*time.Second, "How often the Leader forms and runs aggregation jobs for each task.")
	replayGCInterval   = flag.Duration("replay_gc_interval", 10*time.Minute, "How often expired replay entries are removed.")

	helperAudience         = flag.String("helper_audience", "", "Audience of the ID tokens the Leader sends to the Helper. Empty uses the task's DAP-Auth-Token.")
	impersonatedSvcAccount = flag.String("impersonated_svc_account", "", "Service account to impersonate for ID tokens when running with user credentials.")
	audience               = flag.String("audience", "", "ID token audience a Helper accepts in place of the Leader's token.")

	httpRetryMax     = flag.Int("http_retry_max", 2, "Retries of a single request to the Helper.")
	httpTimeout      = flag.Duration("http_timeout", time.Minute, "Timeout of a single request to the Helper.")
	jobRetryAttempts = flag.Int("job_retry_attempts", aggjob.DefaultRetryPolicy.MaxAttempts, "Attempts per aggregation round before a job is abandoned.")
	jobConcurrency   = flag.Int("job_concurrency", aggjob.DefaultConcurrency, "Aggregation jobs run at once per task.")

	taskprovVerifyKeyInit       = flag.String("taskprov_verify_key_init", "", "Hex secret shared with the peer aggregator that in-band provisioned tasks derive their verify keys from. Empty disables task provisioning.")
	taskprovCollectorHpkeConfig = flag.String("taskprov_collector_hpke_config", "", "Base64url-encoded HpkeConfig of the Collector of in-band provisioned tasks.")
	taskprovLeaderAuthToken     = flag.String("taskprov_leader_auth_token", "", "DAP-Auth-Token of the Leader for in-band provisioned tasks.")
	taskprovCollectorAuthToken  = flag.String("taskprov_collector_auth_token", "", "DAP-Auth-Token of the Collector for in-band provisioned tasks.")

	grpcHealthPort = flag.Int("grpc_health_port", 0, "Port for the gRPC health service; zero disables it.")
	enableProfiler = flag.Bool("enable_profiler", false, "Enable Cloud Profiler.")

	version string // set by linker -X
	build   string // set by linker -X
)

// serveHealth starts a gRPC health service on port and returns it with the server so that the
// status can be flipped on shutdown.
func serveHealth(port int) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, err
	}
	log.Infof("gRPC health service is listening on port: %d", port)

	server := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Errorf("gRPC health service stopped: %v", err)
		}
	}()
	return server, hs, nil
}

// openStore opens a backend given as "memory", "pebble:<dir>", "badger:<dir>" or "firestore:<project>/<collection>".
func openStore(ctx context.Context, backend string) (storage.Store, error) {
	kind, arg, _ := strings.Cut(backend, ":")
	switch kind {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "pebble":
		return pebblestore.Open(arg)
	case "badger":
		return badgerstore.Open(arg, nil)
	case "firestore":
		project, collection, ok := strings.Cut(arg, "/")
		if !ok || project == "" || collection == "" {
			return nil, fmt.Errorf("firestore storage needs <project>/<collection>, got %q", arg)
		}
		return firestorestore.Open(ctx, project, collection)
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

func loadTasks(ctx context.Context, tasks *task.Store, uri string) error {
	if uri == "" {
		return nil
	}
	list, err := task.ReadFiles(ctx, uri)
	if err != nil {
		return err
	}
	for _, t := range list {
		if err := tasks.Put(ctx, t); err != nil {
			return fmt.Errorf("task %v: %w", t.ID, err)
		}
	}
	log.Infof("Loaded %d tasks from %s", len(list), uri)
	return nil
}

// taskprovConfig returns nil when in-band task provisioning is disabled.
func taskprovConfig() (*taskprov.Config, error) {
	if *taskprovVerifyKeyInit == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(*taskprovVerifyKeyInit)
	if err != nil {
		return nil, fmt.Errorf("taskprov_verify_key_init: %v", err)
	}
	encoded, err := base64.RawURLEncoding.DecodeString(*taskprovCollectorHpkeConfig)
	if err != nil {
		return nil, fmt.Errorf("taskprov_collector_hpke_config: %v", err)
	}
	c := &taskprov.Config{
		VerifyKeyInit:      secret,
		LeaderAuthToken:    *taskprovLeaderAuthToken,
		CollectorAuthToken: *taskprovCollectorAuthToken,
	}
	if err := messages.Decode(messages.DraftVersion07, encoded, &c.CollectorHpkeConfig); err != nil {
		return nil, fmt.Errorf("taskprov_collector_hpke_config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func main() {
	flag.Parse()

	buildDate := time.Unix(0, 0)
	if i, err := strconv.ParseInt(build, 10, 64); err != nil {
		log.Error(err)
	} else {
		buildDate = time.Unix(i, 0)
	}

	log.Infof("%s aggregator listening on address %q", *role, *address)
	log.Infof("Running server version: %v, build: %v\n", version, buildDate)
	log.Infof("Storage: %s\n", *storageBackend)
	log.Infof("PubSub topic: %s, subscription: %s\n", *pubsubTopic, *pubsubSubscription)

	ctx := context.Background()
	if *enableProfiler {
		if err := profiler.Start(profiler.Config{Service: "dap-" + *role, ServiceVersion: version}); err != nil {
			log.Errorf("failed to start profiler: %v", err)
		}
	}

	store, err := openStore(ctx, *storageBackend)
	if err != nil {
		log.Exit(err)
	}
	defer store.Close()
	tasks, err := task.NewStore(store, task.DefaultCacheSize)
	if err != nil {
		log.Exit(err)
	}
	if err := loadTasks(ctx, tasks, *tasksURI); err != nil {
		log.Exit(err)
	}
	keys, err := cryptoio.ReadKeyRing(ctx, *hpkeKeysURI)
	if err != nil {
		log.Exit(err)
	}

	provisioning, err := taskprovConfig()
	if err != nil {
		log.Exit(err)
	}

	cfg := &aggregatorservice.Config{
		Store:    store,
		Tasks:    tasks,
		Keys:     keys,
		Metrics:  metrics.New(),
		Taskprov: provisioning,
	}
	var srv *aggregatorservice.Server
	switch *role {
	case "leader":
		cfg.Client = transport.New(transport.Config{
			RetryMax:               *httpRetryMax,
			Timeout:                *httpTimeout,
			Audience:               *helperAudience,
			ImpersonatedSvcAccount: *impersonatedSvcAccount,
		})
		cfg.Retry = aggjob.DefaultRetryPolicy
		cfg.Retry.MaxAttempts = *jobRetryAttempts
		cfg.Concurrency = *jobConcurrency
		srv = aggregatorservice.NewLeader(cfg)
	case "helper":
		cfg.Audience = *audience
		srv = aggregatorservice.NewHelper(cfg)
	default:
		log.Exitf("unknown role %q", *role)
	}
	if err := srv.Validate(); err != nil {
		log.Exit(err)
	}

	httpSrv := &http.Server{
		Addr:      *address,
		Handler:   srv.Handler(),
		TLSConfig: &tls.Config{},
	}

	// Create channel to listen for signals.
	signalChan := make(chan os.Signal, 1)
	// SIGINT handles Ctrl+C locally.
	// SIGTERM handles e.g. Cloud Run termination signal.
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	var healthStatus *health.Server
	if *grpcHealthPort != 0 {
		grpcSrv, hs, err := serveHealth(*grpcHealthPort)
		if err != nil {
			log.Exit(err)
		}
		defer grpcSrv.GracefulStop()
		healthStatus = hs
	}

	cctx, cancel := context.WithCancel(ctx)
	go replay.RunCollector(cctx, replay.NewStorageGuard(store), *replayGCInterval, srv.ReplayCutoffs)

	if *role == "leader" {
		var queue jobqueue.Queue
		if *pubsubTopic != "" {
			if queue, err = jobqueue.NewPubSubQueue(ctx, *pubsubTopic, *pubsubSubscription); err != nil {
				log.Exit(err)
			}
		} else {
			queue = jobqueue.NewMemoryQueue(1024)
		}
		defer queue.Close()
		go jobqueue.Schedule(cctx, queue, *runInterval, srv.TaskIDs)
		go func() {
			if err := queue.Receive(cctx, srv.HandleWork); err != nil {
				log.Fatalf("work queue error: %v", err)
			}
		}()
	}

	// Receive output from signalChan.
	sig := <-signalChan
	log.Infof("%s signal caught", sig)
	if healthStatus != nil {
		healthStatus.Shutdown()
	}
	cancel()

	sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
	defer scancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Error(err)
	}
}
