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

// Package aggregatorservice contains the HTTP handlers of the Leader and the Helper.
package aggregatorservice

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/golang/glog"
	"google.golang.org/api/idtoken"
	"github.com/oliy/daphne/encryption/standardencrypt"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/service/helper"
	"github.com/oliy/daphne/service/leader"
	"github.com/oliy/daphne/service/transport"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/metrics"
	"github.com/oliy/daphne/task"
	"github.com/oliy/daphne/taskprov"
)

// maxBodySize bounds request bodies. An aggregation job of a few thousand reports fits easily.
const maxBodySize = 64 << 20

// Server serves the endpoints of one aggregator. Exactly one of Leader and Helper is set.
type Server struct {
	Tasks   *task.Store
	Keys    *standardencrypt.KeyRing
	Leader  *leader.Leader
	Helper  *helper.Helper
	Metrics *metrics.Metrics
	// Audience, when set on a Helper, also accepts Google ID tokens issued for it in place of the
	// Leader's DAP-Auth-Token.
	Audience string
	// Taskprov, when set, provisions unknown tasks from the dap-taskprov header of a request.
	Taskprov *taskprov.Resolver
}

// Handler returns the router for the server's role.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}
	r.Get("/{version}/hpke_config", s.handleHpkeConfig)
	r.Route("/{version}/tasks/{task_id}", func(r chi.Router) {
		if s.Leader != nil {
			r.Put("/reports", s.handleUpload)
			r.Put("/collection_jobs/{collection_job_id}", s.handleCreateCollectionJob)
			r.Post("/collection_jobs/{collection_job_id}", s.handlePollCollectionJob)
		}
		if s.Helper != nil {
			r.Put("/aggregation_jobs/{aggregation_job_id}", s.handleInitJob)
			r.Post("/aggregation_jobs/{aggregation_job_id}", s.handleContinueJob)
			r.Post("/aggregate_shares", s.handleAggregateShare)
		}
	})
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.V(1).Infof("%s %s %d %dB %v", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

func writeError(w http.ResponseWriter, r *http.Request, t *task.Task, err error) {
	a := daperrors.AsAbort(err)
	if t != nil {
		a.TaskID = t.ID.String()
	}
	if a.Type == "" {
		log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		log.V(1).Infof("%s %s aborted: %v", r.Method, r.URL.Path, err)
	}
	w.Header().Set("Content-Type", daperrors.ProblemJSONContentType)
	w.WriteHeader(a.Status)
	w.Write(a.ProblemJSON())
}

func writeMessage(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	w.Write(body)
}

func readBody(r *http.Request, contentType string) ([]byte, error) {
	if got := r.Header.Get("Content-Type"); contentType != "" && got != contentType {
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "content type %q, want %q", got, contentType)
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, daperrors.Transport(err)
	}
	if len(b) > maxBodySize {
		return nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "request body exceeds %d bytes", maxBodySize)
	}
	return b, nil
}

// lookupTask resolves the version and task of a request path.
func (s *Server) lookupTask(r *http.Request) (*task.Task, error) {
	version, err := messages.ParseVersion(chi.URLParam(r, "version"))
	if err != nil {
		return nil, daperrors.AsAbort(err)
	}
	id, err := messages.ParseTaskID(chi.URLParam(r, "task_id"))
	if err != nil {
		return nil, daperrors.NewAbort(daperrors.ErrTaskUnknownOrExpired, "malformed task ID")
	}
	var t *task.Task
	if s.Taskprov != nil {
		t, err = s.Taskprov.Resolve(r.Context(), version, id, r.Header.Get(messages.TaskprovHeader))
	} else {
		t, err = s.Tasks.Get(r.Context(), id)
	}
	if err != nil {
		return nil, daperrors.AsAbort(err)
	}
	if t.Version != version {
		return nil, daperrors.NewAbort(daperrors.ErrUnsupportedVersion, "task %v uses version %s", id, t.Version)
	}
	return t, nil
}

func tokenMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) authorizeLeader(ctx context.Context, r *http.Request, t *task.Task) error {
	if tokenMatches(r.Header.Get(transport.AuthHeader), t.LeaderAuthToken) {
		return nil
	}
	if bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); s.Audience != "" && bearer != "" {
		if _, err := idtoken.Validate(ctx, bearer, s.Audience); err == nil {
			return nil
		}
	}
	return daperrors.NewAbort(daperrors.ErrUnauthorized, "request is not from the task's Leader")
}

func authorizeCollector(r *http.Request, t *task.Task) error {
	if tokenMatches(r.Header.Get(transport.AuthHeader), t.CollectorAuthToken) {
		return nil
	}
	return daperrors.NewAbort(daperrors.ErrUnauthorized, "request is not from the task's Collector")
}

func (s *Server) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	version, err := messages.ParseVersion(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, r, nil, err)
		return
	}
	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := messages.ParseTaskID(v)
		if err != nil {
			writeError(w, r, nil, daperrors.NewAbort(daperrors.ErrTaskUnknownOrExpired, "malformed task ID"))
			return
		}
		// A task provisioned in-band is unknown until its first upload.
		if _, err := s.Tasks.Get(r.Context(), id); err != nil && s.Taskprov == nil {
			writeError(w, r, nil, err)
			return
		}
	}
	list := s.Keys.ConfigList()
	b, err := messages.Encode(version, &list)
	if err != nil {
		writeError(w, r, nil, err)
		return
	}
	w.Header().Set("Cache-Control", "max-age=86400")
	writeMessage(w, http.StatusOK, messages.MediaTypeHpkeConfigList, b)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookupTask(r)
	if err != nil {
		writeError(w, r, nil, err)
		return
	}
	body, err := readBody(r, messages.MediaTypeReport)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	if err := s.Leader.Upload(r.Context(), t, body); err != nil {
		writeError(w, r, t, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateCollectionJob(w http.ResponseWriter, r *http.Request) {
	t, id, err := s.collectionJob(r)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	body, err := readBody(r, messages.MediaTypeCollectReq)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	if err := s.Leader.CreateCollectionJob(r.Context(), t, id, body); err != nil {
		writeError(w, r, t, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handlePollCollectionJob(w http.ResponseWriter, r *http.Request) {
	t, id, err := s.collectionJob(r)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	collection, ok, err := s.Leader.PollCollectionJob(r.Context(), t, id)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	if !ok {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeMessage(w, http.StatusOK, messages.MediaTypeCollection, collection)
}

func (s *Server) collectionJob(r *http.Request) (*task.Task, messages.CollectionJobID, error) {
	t, err := s.lookupTask(r)
	if err != nil {
		return nil, messages.CollectionJobID{}, err
	}
	if err := authorizeCollector(r, t); err != nil {
		return t, messages.CollectionJobID{}, err
	}
	id, err := messages.ParseCollectionJobID(chi.URLParam(r, "collection_job_id"))
	if err != nil {
		return t, id, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "malformed collection job ID")
	}
	return t, id, nil
}

func (s *Server) aggregationJob(r *http.Request, contentType string) (*task.Task, messages.AggregationJobID, []byte, error) {
	var id messages.AggregationJobID
	t, err := s.lookupTask(r)
	if err != nil {
		return nil, id, nil, err
	}
	if err := s.authorizeLeader(r.Context(), r, t); err != nil {
		return t, id, nil, err
	}
	if id, err = messages.ParseAggregationJobID(chi.URLParam(r, "aggregation_job_id")); err != nil {
		return t, id, nil, daperrors.NewAbort(daperrors.ErrUnrecognizedMessage, "malformed aggregation job ID")
	}
	body, err := readBody(r, contentType)
	return t, id, body, err
}

func (s *Server) handleInitJob(w http.ResponseWriter, r *http.Request) {
	t, id, body, err := s.aggregationJob(r, messages.MediaTypeAggregationJobInitReq)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	resp, err := s.Helper.InitJob(r.Context(), t, id, body)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	writeMessage(w, http.StatusOK, messages.MediaTypeAggregationJobResp, resp)
}

func (s *Server) handleContinueJob(w http.ResponseWriter, r *http.Request) {
	t, id, body, err := s.aggregationJob(r, messages.MediaTypeAggregationJobContinueReq)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	resp, err := s.Helper.ContinueJob(r.Context(), t, id, body)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	writeMessage(w, http.StatusOK, messages.MediaTypeAggregationJobResp, resp)
}

func (s *Server) handleAggregateShare(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookupTask(r)
	if err != nil {
		writeError(w, r, nil, err)
		return
	}
	if err := s.authorizeLeader(r.Context(), r, t); err != nil {
		writeError(w, r, t, err)
		return
	}
	body, err := readBody(r, messages.MediaTypeAggregateShareReq)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	resp, err := s.Helper.AggregateShare(r.Context(), t, body)
	if err != nil {
		writeError(w, r, t, err)
		return
	}
	writeMessage(w, http.StatusOK, messages.MediaTypeAggregateShare, resp)
}

// Validate checks that the server is configured for exactly one role.
func (s *Server) Validate() error {
	switch {
	case s.Leader == nil && s.Helper == nil:
		return errors.New("server has neither a Leader nor a Helper")
	case s.Leader != nil && s.Helper != nil:
		return errors.New("server cannot be both Leader and Helper")
	case s.Tasks == nil || s.Keys == nil:
		return errors.New("server needs a task store and HPKE keys")
	}
	return nil
}
