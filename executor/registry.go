// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/fluxfn/blob"
	"github.com/absmach/fluxfn/pkg/validation"
)

// Attribute keys persisted on function registration objects.
const (
	AttrName          = "fn.name"
	AttrRuntime       = "fn.runtime"
	AttrEntrypoint    = "fn.entrypoint"
	AttrDeclaringType = "fn.declaring_type"
	AttrVerified      = "fn.verified"
	AttrVerifyError   = "fn.verify_error"
	AttrSourceID      = "fn.source_id"
	AttrTriggerType   = "fn.trigger_type"
	AttrTriggerQueue  = "fn.trigger_queue"
	AttrSchedule      = "fn.schedule"
)

// Trigger binding types.
const (
	TriggerTimer = "TimerTrigger"
	TriggerQueue = "QueueTrigger"
)

// registrationContentType marks registration objects in the blob store.
const registrationContentType = "application/vnd.fluxfn.function"

// Runtime selects the invocation strategy for a function.
type Runtime string

const (
	RuntimePython Runtime = "python" // interpreted script
	RuntimeDotnet Runtime = "dotnet" // compiled assembly entrypoint
	RuntimeExec   Runtime = "exec"   // native executable
)

// ParseRuntime validates a runtime tag.
func ParseRuntime(s string) (Runtime, error) {
	switch Runtime(s) {
	case RuntimePython, RuntimeDotnet, RuntimeExec:
		return Runtime(s), nil
	default:
		return "", fmt.Errorf("unknown runtime %q", s)
	}
}

// Common errors.
var (
	ErrNotFound    = errors.New("function not found")
	ErrNotVerified = errors.New("function registration is not verified")
)

// Registration describes a registered function. A registration owns at
// most one trigger binding: a queue name or a cron schedule, never both.
type Registration struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Runtime       Runtime   `json:"runtime"`
	Entrypoint    string    `json:"entrypoint"`
	DeclaringType string    `json:"declaring_type,omitempty"`
	BlobID        string    `json:"blob_id"`
	Verified      bool      `json:"verified"`
	VerifyError   string    `json:"verify_error,omitempty"`
	TriggerType   string    `json:"trigger_type,omitempty"`
	TriggerQueue  string    `json:"trigger_queue,omitempty"`
	Schedule      string    `json:"schedule,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Registry persists function registrations as attributes on blob store
// objects. Each registration is its own object pointing at the source
// code blob, so several functions can share one code package.
type Registry struct {
	blobs  blob.Store
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the given blob store.
func NewRegistry(blobs blob.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{blobs: blobs, logger: logger}
}

// Register verifies and persists a function registration. Registrations
// that fail verification are stored flagged unverified, never dropped;
// malformed requests fail with a validation error and commit nothing.
func (r *Registry) Register(ctx context.Context, blobID, name string, runtime Runtime, entrypoint, declaringType string) (Registration, error) {
	verr := &validation.Error{}
	if blobID == "" {
		verr.Add("blob_id", "is required")
	}
	if name == "" {
		verr.Add("name", "is required")
	}
	if _, err := ParseRuntime(string(runtime)); err != nil {
		verr.Add("runtime", "must be one of [python dotnet exec]")
	}
	if entrypoint == "" {
		verr.Add("entrypoint", "is required")
	}
	if len(verr.Fields) > 0 {
		return Registration{}, verr
	}

	verified := true
	verifyError := ""
	if err := r.verify(ctx, blobID, runtime, entrypoint, declaringType); err != nil {
		verified = false
		verifyError = err.Error()
	}

	attrs := map[string]string{
		AttrName:       name,
		AttrRuntime:    string(runtime),
		AttrEntrypoint: entrypoint,
		AttrSourceID:   blobID,
		AttrVerified:   fmt.Sprintf("%t", verified),
	}
	if declaringType != "" {
		attrs[AttrDeclaringType] = declaringType
	}
	if verifyError != "" {
		attrs[AttrVerifyError] = verifyError
	}

	id, err := r.blobs.Put(ctx, nil, blob.Metadata{
		ContentType: registrationContentType,
		Attributes:  attrs,
	})
	if err != nil {
		return Registration{}, fmt.Errorf("failed to persist registration: %w", err)
	}

	reg, err := r.Get(ctx, id)
	if err != nil {
		return Registration{}, fmt.Errorf("failed to load persisted registration: %w", err)
	}

	r.logger.Info("function_registered",
		slog.String("function_id", id),
		slog.String("function", name),
		slog.String("runtime", string(runtime)),
		slog.Bool("verified", verified))
	if !verified {
		r.logger.Warn("function_unverified",
			slog.String("function_id", id),
			slog.String("function", name),
			slog.String("reason", verifyError))
	}

	return reg, nil
}

// verify checks that the registration resolves: the source blob exists
// and the entrypoint is locatable for the declared runtime.
func (r *Registry) verify(ctx context.Context, blobID string, runtime Runtime, entrypoint, declaringType string) error {
	data, _, err := r.blobs.Get(ctx, blobID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("source blob %s not found", blobID)
		}
		return fmt.Errorf("failed to read source blob: %w", err)
	}

	if runtime == RuntimeDotnet && declaringType == "" {
		return errors.New("declaring type is required for the dotnet runtime")
	}

	if isZipArchive(data) && !zipContains(data, entrypoint) {
		return fmt.Errorf("entrypoint %q not found in bundle", entrypoint)
	}

	return nil
}

// Get loads a registration by function ID.
func (r *Registry) Get(ctx context.Context, functionID string) (Registration, error) {
	meta, err := r.blobs.Stat(ctx, functionID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Registration{}, ErrNotFound
		}
		return Registration{}, fmt.Errorf("failed to load registration %s: %w", functionID, err)
	}

	reg, ok := registrationFromMeta(functionID, meta)
	if !ok {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

// List returns all registrations ordered by name.
func (r *Registry) List(ctx context.Context) ([]Registration, error) {
	infos, err := r.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}

	regs := make([]Registration, 0)
	for _, info := range infos {
		if reg, ok := registrationFromMeta(info.ID, info.Metadata); ok {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Name != regs[j].Name {
			return regs[i].Name < regs[j].Name
		}
		return regs[i].ID < regs[j].ID
	})

	return regs, nil
}

// Unregister removes a registration. The source code blob is left in
// place; other functions may share it.
func (r *Registry) Unregister(ctx context.Context, functionID string) error {
	reg, err := r.Get(ctx, functionID)
	if err != nil {
		return err
	}

	if err := r.blobs.Delete(ctx, functionID); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove registration %s: %w", functionID, err)
	}

	r.logger.Info("function_unregistered",
		slog.String("function_id", functionID),
		slog.String("function", reg.Name))
	return nil
}

// SetScheduleBinding records a timer trigger, replacing any queue binding.
func (r *Registry) SetScheduleBinding(ctx context.Context, functionID, expression string) error {
	if _, err := r.Get(ctx, functionID); err != nil {
		return err
	}
	return r.setAttrs(ctx, functionID, map[string]string{
		AttrTriggerType:  TriggerTimer,
		AttrSchedule:     expression,
		AttrTriggerQueue: "",
	})
}

// SetQueueBinding records a queue trigger, replacing any schedule binding.
func (r *Registry) SetQueueBinding(ctx context.Context, functionID, queueName string) error {
	if _, err := r.Get(ctx, functionID); err != nil {
		return err
	}
	return r.setAttrs(ctx, functionID, map[string]string{
		AttrTriggerType:  TriggerQueue,
		AttrTriggerQueue: queueName,
		AttrSchedule:     "",
	})
}

// ClearBinding removes any trigger binding.
func (r *Registry) ClearBinding(ctx context.Context, functionID string) error {
	if _, err := r.Get(ctx, functionID); err != nil {
		return err
	}
	return r.setAttrs(ctx, functionID, map[string]string{
		AttrTriggerType:  "",
		AttrTriggerQueue: "",
		AttrSchedule:     "",
	})
}

func (r *Registry) setAttrs(ctx context.Context, functionID string, attrs map[string]string) error {
	if err := r.blobs.SetAttributes(ctx, functionID, attrs); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update registration %s: %w", functionID, err)
	}
	return nil
}

func registrationFromMeta(id string, meta blob.Metadata) (Registration, bool) {
	if meta.Attribute(AttrSourceID) == "" || meta.Attribute(AttrName) == "" {
		return Registration{}, false
	}
	return Registration{
		ID:            id,
		Name:          meta.Attribute(AttrName),
		Runtime:       Runtime(meta.Attribute(AttrRuntime)),
		Entrypoint:    meta.Attribute(AttrEntrypoint),
		DeclaringType: meta.Attribute(AttrDeclaringType),
		BlobID:        meta.Attribute(AttrSourceID),
		Verified:      meta.Attribute(AttrVerified) == "true",
		VerifyError:   meta.Attribute(AttrVerifyError),
		TriggerType:   meta.Attribute(AttrTriggerType),
		TriggerQueue:  meta.Attribute(AttrTriggerQueue),
		Schedule:      meta.Attribute(AttrSchedule),
		CreatedAt:     meta.CreatedAt,
	}, true
}
