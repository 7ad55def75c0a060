// Package goodies is the root package for The Goodies, a smart-home
// knowledge-graph with bidirectional, offline-capable synchronization.
//
// The server daemon lives in cmd/funkygibbon and the client CLI in
// cmd/blowingoff. Core logic lives under internal/.
package goodies

// Version is the current release version.
const Version = "0.4.2"
