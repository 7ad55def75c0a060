// Package idgen generates identifiers for graph records.
package idgen

import "github.com/google/uuid"

// NewEntityID returns a fresh entity identifier.
func NewEntityID() string {
	return uuid.NewString()
}

// NewRelationshipID returns a fresh relationship identifier.
func NewRelationshipID() string {
	return uuid.NewString()
}

// NewNodeID returns a fresh replica node identifier.
func NewNodeID() string {
	return uuid.NewString()
}
