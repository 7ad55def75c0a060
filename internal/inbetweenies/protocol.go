// Package inbetweenies implements the bidirectional sync protocol between
// the authoritative server graph and client replicas.
//
// The package name is the protocol's: the engine lives in between the local
// replica and the server, pulling the server's change log and pushing the
// local outbound queue under last-write-wins semantics.
package inbetweenies

import (
	"errors"
	"fmt"
	"time"

	"github.com/adrianco/the-goodies/internal/types"
)

// ProtocolVersion is the only wire version this implementation speaks.
const ProtocolVersion = "inbetweenies-v2"

// Batch caps. Requests and responses carry at most MaxBatchRecords change
// records and at most MaxBatchBytes of approximate wire size.
const (
	MaxBatchRecords = 1000
	MaxBatchBytes   = 10 << 20
)

// Sentinel errors for request validation. The HTTP layer maps these to 4xx
// so the client engine knows not to retry.
var (
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	ErrBadRequest       = errors.New("malformed sync request")
	ErrBatchTooLarge    = errors.New("sync batch exceeds caps")
)

// Request is one client-to-server sync message.
type Request struct {
	ProtocolVersion string                `json:"protocol_version"`
	NodeID          string                `json:"node_id"`
	UserID          string                `json:"user_id"`
	SinceSequence   int64                 `json:"since_sequence"`
	Vector          map[string]int64      `json:"vector,omitempty"`
	Changes         []*types.ChangeRecord `json:"changes"`
	Capabilities    []string              `json:"capabilities,omitempty"`
}

// Validate checks the request shape and caps before any record is applied.
func (r *Request) Validate() error {
	if r.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %q, want %q", ErrProtocolMismatch, r.ProtocolVersion, ProtocolVersion)
	}
	if r.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrBadRequest)
	}
	if r.SinceSequence < 0 {
		return fmt.Errorf("%w: negative since_sequence", ErrBadRequest)
	}
	if len(r.Changes) > MaxBatchRecords {
		return fmt.Errorf("%w: %d records", ErrBatchTooLarge, len(r.Changes))
	}
	size := 0
	for i, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: change %d: %v", ErrBadRequest, i, err)
		}
		size += c.WireSize()
	}
	if size > MaxBatchBytes {
		return fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, size)
	}
	return nil
}

// Conflict reports one divergence the server resolved while applying a
// pushed change. LocalVersion is the version the client pushed;
// ServerVersion is the version that is current on the server afterwards.
type Conflict struct {
	EntityID      string `json:"entity_id"`
	LocalVersion  string `json:"local_version"`
	ServerVersion string `json:"server_version"`
	Decision      string `json:"decision"`
}

// Response is one server-to-client sync message.
//
// NextSequence is the highest change-log sequence the server examined for
// this response, own-origin records included, so the client's cursor always
// advances past records it authored itself. NextSequence equal to the
// request's since_sequence means the client is caught up.
type Response struct {
	ServerTime   time.Time             `json:"server_time"`
	Changes      []*types.ChangeRecord `json:"changes"`
	Conflicts    []Conflict            `json:"conflicts,omitempty"`
	NextSequence int64                 `json:"next_sequence"`
	Vector       map[string]int64      `json:"vector,omitempty"`
	Duplicates   int                   `json:"duplicates,omitempty"`
}
