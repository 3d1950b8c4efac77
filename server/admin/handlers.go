// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/fluxfn/blob"
	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/pkg/validation"
	"github.com/absmach/fluxfn/queue"
	"github.com/absmach/fluxfn/ratelimit"
	"github.com/absmach/fluxfn/schedule"
)

// maxRequestBody bounds admin request bodies. Function code rides in
// requests base64-encoded, so this sits above the blob size limit.
const maxRequestBody = 256 * 1024 * 1024

type handler struct {
	queues        *queue.Server
	exec          *executor.Executor
	sched         *schedule.Engine
	disp          *dispatch.Dispatcher
	blobs         blob.Store
	limiter       *ratelimit.Manager
	logger        *slog.Logger
	statsInterval time.Duration
}

// rateLimit applies the per-host request budget ahead of every handler.
func (h *handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.AllowRequest(r.RemoteAddr) {
			h.respondError(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errRateLimited = errors.New("rate limit exceeded")

type errorResponse struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields,omitempty"`
}

func (h *handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.logger.Warn("admin_response_encode_failed", slog.Any("error", err))
		}
	}
}

// respondError maps domain errors onto HTTP statuses. Validation
// failures carry the field breakdown clients need to fix the request.
func (h *handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &verr):
		h.respond(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
		return
	case errors.Is(err, errRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, queue.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, queue.ErrMessageTooLarge), errors.Is(err, blob.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, executor.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrConfigMismatch), errors.Is(err, dispatch.ErrFunctionBound):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrServerClosed), errors.Is(err, dispatch.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("admin_request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	h.respond(w, status, errorResponse{Error: err.Error()})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		h.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := validation.Struct(req); err != nil {
		h.respondError(w, r, err)
		return false
	}
	return true
}

type registerFunctionRequest struct {
	Name          string `json:"name" validate:"required,max=128"`
	Runtime       string `json:"runtime" validate:"required,oneof=python dotnet exec"`
	Entrypoint    string `json:"entrypoint" validate:"required,max=256"`
	DeclaringType string `json:"declaring_type,omitempty" validate:"max=256"`
	ContentType   string `json:"content_type,omitempty"`

	// Code is the base64-encoded function package: a single source
	// file, an executable, or a zip bundle.
	Code []byte `json:"code" validate:"required"`
}

// registerFunction stores the code blob and registers the function
// against it in one request.
func (h *handler) registerFunction(w http.ResponseWriter, r *http.Request) {
	var req registerFunctionRequest
	if !h.decode(w, r, &req) {
		return
	}

	blobID, err := h.blobs.Put(r.Context(), req.Code, blob.Metadata{ContentType: req.ContentType})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	reg, err := h.exec.Registry().Register(r.Context(), blobID, req.Name, executor.Runtime(req.Runtime), req.Entrypoint, req.DeclaringType)
	if err != nil {
		// The registration never happened; don't strand the upload.
		if delErr := h.blobs.Delete(r.Context(), blobID); delErr != nil {
			h.logger.Warn("admin_orphan_blob_cleanup_failed",
				slog.String("blob_id", blobID),
				slog.Any("error", delErr))
		}
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusCreated, reg)
}

func (h *handler) listFunctions(w http.ResponseWriter, r *http.Request) {
	regs, err := h.exec.Registry().List(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, regs)
}

func (h *handler) getFunction(w http.ResponseWriter, r *http.Request) {
	reg, err := h.exec.Registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, reg)
}

// deleteFunction removes a registration and tears down whatever trigger
// it had: the worker is drained, the timer unbound.
func (h *handler) deleteFunction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.exec.Registry().Get(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.disp.Deactivate(r.Context(), id); err != nil && !errors.Is(err, executor.ErrNotFound) {
		h.respondError(w, r, err)
		return
	}
	h.sched.Unbind(id)

	if err := h.exec.Registry().Unregister(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type setScheduleRequest struct {
	Schedule string `json:"schedule" validate:"required"`
}

type setScheduleResponse struct {
	FunctionID string `json:"function_id"`
	Schedule   string `json:"schedule"`
	NextFire   string `json:"next_fire,omitempty"`
}

func (h *handler) setSchedule(w http.ResponseWriter, r *http.Request) {
	var req setScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	normalized, err := h.sched.SetSchedule(r.Context(), id, req.Schedule)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := setScheduleResponse{FunctionID: id, Schedule: normalized}
	if next, ok := h.sched.NextFire(id); ok {
		resp.NextFire = next.Format(time.RFC3339)
	}
	h.respond(w, http.StatusOK, resp)
}

func (h *handler) clearSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.ClearSchedule(r.Context(), r.PathValue("id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type bindQueueRequest struct {
	Queue string `json:"queue" validate:"required,max=128"`
}

func (h *handler) bindQueue(w http.ResponseWriter, r *http.Request) {
	var req bindQueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := h.disp.Activate(r.Context(), id, req.Queue); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"function_id": id, "queue": req.Queue})
}

func (h *handler) unbindQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.disp.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type executeRequest struct {
	// Input is passed to the function on stdin, base64-encoded in
	// transit.
	Input []byte `json:"input,omitempty"`
}

type executeResponse struct {
	Outcome    string `json:"outcome"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// executeFunction invokes a function synchronously. Executions spawn
// processes, so they draw from a tighter rate budget than plain
// requests.
func (h *handler) executeFunction(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.AllowExecute(r.RemoteAddr) {
		h.respondError(w, r, errRateLimited)
		return
	}

	var req executeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.exec.Execute(r.Context(), r.PathValue("id"), req.Input)
	if err != nil {
		// Failed runs still return the captured output with 200; only
		// errors outside the execution itself fail the request.
		var execErr *executor.ExecutionError
		if !errors.As(err, &execErr) {
			h.respondError(w, r, err)
			return
		}
	}

	resp := executeResponse{
		Outcome:    string(res.Outcome),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	h.respond(w, http.StatusOK, resp)
}

type createQueueRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	MaxBytes    int64  `json:"max_bytes" validate:"required,gt=0"`
	MaxMessages int64  `json:"max_messages" validate:"required,gt=0"`
	Policy      string `json:"policy,omitempty" validate:"omitempty,oneof=reject drop_oldest"`
}

func (h *handler) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy, err := queue.ParseOverflowPolicy(req.Policy)
	if err != nil {
		h.respondError(w, r, validation.New("policy", err.Error()))
		return
	}

	cfg := queue.Config{MaxBytes: req.MaxBytes, MaxMessages: req.MaxMessages, Policy: policy}
	if err := h.queues.Create(r.Context(), req.Name, cfg); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"name": req.Name})
}

type enqueueRequest struct {
	// Payload is base64-encoded in transit and delivered to the
	// function verbatim.
	Payload     []byte `json:"payload" validate:"required"`
	ContentType string `json:"content_type,omitempty"`
}

func (h *handler) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.queues.Enqueue(r.Context(), r.PathValue("name"), req.Payload, req.ContentType)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"message_id": id})
}

func (h *handler) purgeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queues.Purge(r.Context(), r.PathValue("name")); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *handler) queueStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.queues.Stats())
}

func (h *handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.disp.Workers())
}
