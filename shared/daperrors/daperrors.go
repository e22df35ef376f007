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

// Package daperrors contains the error taxonomy shared by the Leader and the Helper, and the
// problem documents used to report aborts across the wire.
package daperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kinds of failures. Every error produced by the engine wraps exactly one of these.
var (
	ErrDecryption           = errors.New("decryption error")
	ErrTaskUnknownOrExpired = errors.New("task unknown or expired")
	ErrReplayDetected       = errors.New("replay detected")
	ErrVdafPrepare          = errors.New("vdaf preparation error")
	ErrBatchPolicyViolation = errors.New("batch policy violation")
	ErrTransport            = errors.New("transport error")
	ErrStorage              = errors.New("storage error")

	ErrBatchNotReady         = errors.New("batch not ready")
	ErrUnsupportedVersion    = errors.New("unsupported version")
	ErrRoundMismatch         = errors.New("round mismatch")
	ErrUnrecognizedMessage   = errors.New("unrecognized message")
	ErrUnrecognizedJob       = errors.New("unrecognized aggregation job")
	ErrUnauthorized          = errors.New("unauthorized request")
	ErrBatchMismatch         = errors.New("batch mismatch")
	ErrReportRejected        = errors.New("report rejected")
	ErrReportTooEarly        = errors.New("report too early")
	ErrOutdatedConfig        = errors.New("outdated HPKE config")
	ErrBatchOverlap          = fmt.Errorf("%w: batch overlap", ErrBatchPolicyViolation)
	ErrBatchQueriedTooOften  = fmt.Errorf("%w: batch queried too many times", ErrBatchPolicyViolation)
	ErrInvalidBatchSize      = fmt.Errorf("%w: invalid batch size", ErrBatchPolicyViolation)
	ErrOverflow              = errors.New("arithmetic overflow")
	ErrNotFound              = errors.New("not found")
	ErrInvalidTaskParameters = errors.New("invalid task parameters")
	ErrInvalidTask           = errors.New("invalid task")
)

const problemTypePrefix = "urn:ietf:params:ppm:dap:error:"

// ProblemJSONContentType is the media type of the problem documents.
const ProblemJSONContentType = "application/problem+json"

type problemType struct {
	kind   error
	name   string
	status int
}

// The more specific kinds come first so that the wrapped policy violations are reported precisely.
var problemTypes = []problemType{
	{ErrBatchOverlap, "batchOverlap", http.StatusBadRequest},
	{ErrBatchQueriedTooOften, "batchQueriedTooManyTimes", http.StatusBadRequest},
	{ErrInvalidBatchSize, "invalidBatchSize", http.StatusBadRequest},
	{ErrBatchNotReady, "invalidBatchSize", http.StatusBadRequest},
	{ErrBatchPolicyViolation, "batchInvalid", http.StatusBadRequest},
	{ErrBatchMismatch, "batchMismatch", http.StatusBadRequest},
	{ErrUnrecognizedMessage, "unrecognizedMessage", http.StatusBadRequest},
	{ErrUnsupportedVersion, "invalidMessage", http.StatusBadRequest},
	{ErrTaskUnknownOrExpired, "unrecognizedTask", http.StatusBadRequest},
	{ErrInvalidTask, "invalidTask", http.StatusBadRequest},
	{ErrUnrecognizedJob, "unrecognizedAggregationJob", http.StatusNotFound},
	{ErrRoundMismatch, "roundMismatch", http.StatusBadRequest},
	{ErrUnauthorized, "unauthorizedRequest", http.StatusUnauthorized},
	{ErrReportTooEarly, "reportTooEarly", http.StatusBadRequest},
	{ErrOutdatedConfig, "outdatedConfig", http.StatusBadRequest},
	{ErrReportRejected, "reportRejected", http.StatusBadRequest},
	{ErrReplayDetected, "reportRejected", http.StatusBadRequest},
	{ErrDecryption, "reportRejected", http.StatusBadRequest},
	{ErrVdafPrepare, "reportRejected", http.StatusBadRequest},
}

// Abort is a protocol error that terminates a request and is reported to the peer as a
// problem document.
type Abort struct {
	Kind   error
	Type   string
	Status int
	Detail string
	TaskID string
}

func (a *Abort) Error() string {
	if a.Detail == "" {
		return a.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Detail)
}

// Unwrap lets errors.Is match the abort against its kind.
func (a *Abort) Unwrap() error {
	return a.Kind
}

// NewAbort builds an abort for the given error kind.
func NewAbort(kind error, format string, args ...interface{}) *Abort {
	a := &Abort{Kind: kind, Status: http.StatusInternalServerError, Detail: fmt.Sprintf(format, args...)}
	for _, pt := range problemTypes {
		if errors.Is(kind, pt.kind) {
			a.Type, a.Status = problemTypePrefix+pt.name, pt.status
			break
		}
	}
	return a
}

// AsAbort converts any error into an abort. Errors that do not match a known kind become
// internal errors, which are never reported with details.
func AsAbort(err error) *Abort {
	var a *Abort
	if errors.As(err, &a) {
		return a
	}
	for _, pt := range problemTypes {
		if errors.Is(err, pt.kind) {
			return &Abort{Kind: pt.kind, Type: problemTypePrefix + pt.name, Status: pt.status, Detail: err.Error()}
		}
	}
	return &Abort{Kind: err, Status: http.StatusInternalServerError}
}

type problemDocument struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title,omitempty"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
	TaskID string `json:"taskid,omitempty"`
}

// ProblemJSON encodes the abort as a problem document.
func (a *Abort) ProblemJSON() []byte {
	doc := problemDocument{Type: a.Type, Status: a.Status, TaskID: a.TaskID}
	if a.Type != "" {
		doc.Title = a.Kind.Error()
		doc.Detail = a.Detail
	} else {
		doc.Title = "internal error"
	}
	b, _ := json.Marshal(doc)
	return b
}

// FromProblemJSON rebuilds an abort from a problem document received from the peer.
func FromProblemJSON(status int, body []byte) *Abort {
	doc := problemDocument{}
	if err := json.Unmarshal(body, &doc); err != nil || !strings.HasPrefix(doc.Type, problemTypePrefix) {
		return &Abort{Kind: fmt.Errorf("peer responded with status %d", status), Status: status, Detail: string(body)}
	}
	name := strings.TrimPrefix(doc.Type, problemTypePrefix)
	for _, pt := range problemTypes {
		if pt.name == name {
			return &Abort{Kind: pt.kind, Type: doc.Type, Status: status, Detail: doc.Detail, TaskID: doc.TaskID}
		}
	}
	return &Abort{Kind: ErrUnrecognizedMessage, Type: doc.Type, Status: status, Detail: doc.Detail, TaskID: doc.TaskID}
}

// Transport marks err as a transport failure, which is the only retryable kind.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// Storage marks err as a storage backend failure.
func Storage(err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// IsRetryable reports whether the operation that returned err may be attempted again unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
