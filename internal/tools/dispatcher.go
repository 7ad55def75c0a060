// Package tools implements the fixed catalog of named graph operations and
// the dispatcher that validates arguments and routes them.
//
// The same dispatcher runs on the server against the authoritative graph
// and on clients against the local replica; client writes reach the server
// through the sync queue rather than through the dispatcher.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/storage"
)

// ErrorKind classifies tool failures for callers that branch on them.
type ErrorKind string

// Error kind constants
const (
	KindNotFound         ErrorKind = "not_found"
	KindDuplicateVersion ErrorKind = "duplicate_version"
	KindSchemaError      ErrorKind = "schema_error"
	KindConflict         ErrorKind = "conflict"
	KindCancelled        ErrorKind = "cancelled"
	KindCorruption       ErrorKind = "corruption"
	KindInternal         ErrorKind = "internal"
)

// ToolError is the error half of the uniform result shape.
type ToolError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the uniform envelope every tool call returns.
type Result struct {
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	name        string
	description string
	run         handler
}

// Dispatcher routes named tool calls to graph operations.
type Dispatcher struct {
	mgr    *graph.Manager
	userID string
	tools  map[string]tool
}

// NewDispatcher builds a dispatcher over the graph. Writes made through
// tools that omit a user are attributed to userID.
func NewDispatcher(mgr *graph.Manager, userID string) *Dispatcher {
	d := &Dispatcher{mgr: mgr, userID: userID, tools: map[string]tool{}}
	d.registerCatalog()
	return d
}

func (d *Dispatcher) register(name, description string, run handler) {
	d.tools[name] = tool{name: name, description: description, run: run}
}

// Names lists the catalog in sorted order.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one tool call. It never returns an error; failures are
// encoded in the result envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) *Result {
	t, ok := d.tools[name]
	if !ok {
		return failure(&ToolError{Kind: KindNotFound, Message: fmt.Sprintf("unknown tool %q", name)})
	}
	out, err := t.run(ctx, args)
	if err != nil {
		return failure(classify(err))
	}
	return &Result{Success: true, Result: out}
}

func failure(te *ToolError) *Result {
	return &Result{Success: false, Error: te}
}

// classify maps an error to its wire kind. Storage sentinels keep their
// identity; anything unrecognized is internal.
func classify(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := KindInternal
	switch {
	case errors.Is(err, storage.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, storage.ErrDuplicateVersion):
		kind = KindDuplicateVersion
	case errors.Is(err, storage.ErrParentMismatch):
		kind = KindConflict
	case errors.Is(err, storage.ErrCorruption):
		kind = KindCorruption
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCancelled
	}
	return &ToolError{Kind: kind, Message: err.Error()}
}

// decode unmarshals tool arguments strictly: unknown fields and malformed
// JSON are schema errors.
func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return &ToolError{Kind: KindSchemaError, Message: "invalid arguments: " + err.Error()}
	}
	return nil
}

func schemaErr(format string, args ...any) error {
	return &ToolError{Kind: KindSchemaError, Message: fmt.Sprintf(format, args...)}
}
