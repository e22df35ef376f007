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

// Package transport carries DAP messages between the Client, the Collector and the two
// aggregators over HTTP.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/shared/daperrors"
	"github.com/oliy/daphne/shared/utils"
	"github.com/oliy/daphne/task"
)

// AuthHeader carries the task's bearer token.
const AuthHeader = "DAP-Auth-Token"

// Path returns the request path of a task resource, e.g. "v07/tasks/<id>/aggregation_jobs/<job>".
func Path(version messages.Version, taskID messages.TaskID, parts ...string) string {
	p := fmt.Sprintf("%s/tasks/%s", version, taskID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Config holds the retry budget of a Client.
type Config struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration
	// Audience, when set, makes requests to the Helper carry a Google ID token for this audience
	// instead of the task's Leader token.
	Audience               string
	ImpersonatedSvcAccount string
}

// Client sends requests to a peer, retrying connection failures and 5xx responses with
// exponential backoff.
type Client struct {
	http                   *retryablehttp.Client
	audience               string
	impersonatedSvcAccount string
}

type glogger struct{}

func (glogger) Error(msg string, kv ...interface{}) { log.Errorf("%s %v", msg, kv) }
func (glogger) Warn(msg string, kv ...interface{})  { log.Warningf("%s %v", msg, kv) }
func (glogger) Info(msg string, kv ...interface{})  { log.V(2).Infof("%s %v", msg, kv) }
func (glogger) Debug(msg string, kv ...interface{}) { log.V(3).Infof("%s %v", msg, kv) }

// New creates a Client.
func New(cfg Config) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		c.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		c.RetryWaitMax = cfg.RetryWaitMax
	}
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = glogger{}
	// Hand the last response back so that its status decides the error kind.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{http: c, audience: cfg.Audience, impersonatedSvcAccount: cfg.ImpersonatedSvcAccount}
}

// Response is a successful reply from the peer.
type Response struct {
	Status int
	Body   []byte
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte, header http.Header) (*Response, error) {
	var raw interface{}
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, daperrors.Transport(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, daperrors.Transport(fmt.Errorf("reading response of %s %s: %v", method, url, err))
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, daperrors.Transport(fmt.Errorf("%s %s: %s", method, url, resp.Status))
	case resp.StatusCode >= 400:
		return nil, daperrors.FromProblemJSON(resp.StatusCode, b)
	}
	return &Response{Status: resp.StatusCode, Body: b}, nil
}

// taskHeader carries the TaskConfig of a task provisioned in-band so that the receiver can
// derive the task on first contact.
func taskHeader(t *task.Task) http.Header {
	h := make(http.Header)
	if len(t.Taskprov) > 0 {
		h.Set(messages.TaskprovHeader, base64.RawURLEncoding.EncodeToString(t.Taskprov))
	}
	return h
}

func (c *Client) helperHeader(ctx context.Context, t *task.Task) (http.Header, error) {
	h := taskHeader(t)
	if c.audience == "" {
		h.Set(AuthHeader, t.LeaderAuthToken)
		return h, nil
	}
	token, err := utils.GetAuthorizationToken(ctx, c.audience, c.impersonatedSvcAccount)
	if err != nil {
		return nil, daperrors.Transport(fmt.Errorf("getting ID token for %s: %v", c.audience, err))
	}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

func (c *Client) toHelper(ctx context.Context, t *task.Task, method, url, contentType string, body []byte) ([]byte, error) {
	h, err := c.helperHeader(ctx, t)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, method, url, contentType, body, h)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// InitJob sends an encoded AggregationJobInitReq to the task's Helper.
func (c *Client) InitJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, req []byte) ([]byte, error) {
	url := utils.JoinPath(t.HelperURL, Path(t.Version, t.ID, "aggregation_jobs", id.String()))
	return c.toHelper(ctx, t, http.MethodPut, url, messages.MediaTypeAggregationJobInitReq, req)
}

// ContinueJob sends an encoded AggregationJobContinueReq to the task's Helper.
func (c *Client) ContinueJob(ctx context.Context, t *task.Task, id messages.AggregationJobID, req []byte) ([]byte, error) {
	url := utils.JoinPath(t.HelperURL, Path(t.Version, t.ID, "aggregation_jobs", id.String()))
	return c.toHelper(ctx, t, http.MethodPost, url, messages.MediaTypeAggregationJobContinueReq, req)
}

// AggregateShare asks the task's Helper for its encrypted aggregate share.
func (c *Client) AggregateShare(ctx context.Context, t *task.Task, req *messages.AggregateShareReq) (*messages.AggregateShare, error) {
	body, err := messages.Encode(t.Version, req)
	if err != nil {
		return nil, err
	}
	url := utils.JoinPath(t.HelperURL, Path(t.Version, t.ID, "aggregate_shares"))
	b, err := c.toHelper(ctx, t, http.MethodPost, url, messages.MediaTypeAggregateShareReq, body)
	if err != nil {
		return nil, err
	}
	share := &messages.AggregateShare{}
	if err := messages.Decode(t.Version, b, share); err != nil {
		return nil, err
	}
	return share, nil
}

// HpkeConfigList fetches the HPKE configs an aggregator advertises for a task.
func (c *Client) HpkeConfigList(ctx context.Context, aggregatorURL string, version messages.Version, taskID messages.TaskID) (*messages.HpkeConfigList, error) {
	url := utils.JoinPath(aggregatorURL, fmt.Sprintf("%s/hpke_config?task_id=%s", version, taskID))
	resp, err := c.do(ctx, http.MethodGet, url, "", nil, nil)
	if err != nil {
		return nil, err
	}
	list := &messages.HpkeConfigList{}
	if err := messages.Decode(version, resp.Body, list); err != nil {
		return nil, err
	}
	if len(list.Configs) == 0 {
		return nil, errors.New("aggregator advertised no HPKE configs")
	}
	return list, nil
}

// Upload sends a report to the task's Leader.
func (c *Client) Upload(ctx context.Context, t *task.Task, r *messages.Report) error {
	body, err := messages.Encode(t.Version, r)
	if err != nil {
		return err
	}
	url := utils.JoinPath(t.LeaderURL, Path(t.Version, t.ID, "reports"))
	_, err = c.do(ctx, http.MethodPut, url, messages.MediaTypeReport, body, taskHeader(t))
	return err
}

func collectorHeader(t *task.Task) http.Header {
	h := taskHeader(t)
	h.Set(AuthHeader, t.CollectorAuthToken)
	return h
}

// CreateCollectionJob asks the task's Leader to start collecting a batch.
func (c *Client) CreateCollectionJob(ctx context.Context, t *task.Task, id messages.CollectionJobID, req *messages.CollectionReq) error {
	body, err := messages.Encode(t.Version, req)
	if err != nil {
		return err
	}
	url := utils.JoinPath(t.LeaderURL, Path(t.Version, t.ID, "collection_jobs", id.String()))
	_, err = c.do(ctx, http.MethodPut, url, messages.MediaTypeCollectReq, body, collectorHeader(t))
	return err
}

// PollCollectionJob returns the collection once the Leader has finished the job; ok is false
// while it is still being processed.
func (c *Client) PollCollectionJob(ctx context.Context, t *task.Task, id messages.CollectionJobID) (collection *messages.Collection, ok bool, err error) {
	url := utils.JoinPath(t.LeaderURL, Path(t.Version, t.ID, "collection_jobs", id.String()))
	resp, err := c.do(ctx, http.MethodPost, url, "", nil, collectorHeader(t))
	if err != nil {
		return nil, false, err
	}
	if resp.Status == http.StatusAccepted {
		return nil, false, nil
	}
	collection = &messages.Collection{}
	if err := messages.Decode(t.Version, resp.Body, collection); err != nil {
		return nil, false, err
	}
	return collection, true, nil
}
