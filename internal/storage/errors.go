package storage

import "errors"

// ErrNotFound is returned when a requested entity, relationship or version
// does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrDuplicateVersion is returned when attempting to re-write an existing
// (id, version) pair. Versions are immutable once written.
var ErrDuplicateVersion = errors.New("duplicate version")

// ErrParentMismatch is returned when a write's parent_versions does not
// include the current version of the entity. Sync paths catch this and run
// conflict resolution instead of failing.
var ErrParentMismatch = errors.New("parent version mismatch")

// ErrSequenceAhead is returned when a client requests changes from a
// sequence number beyond the end of the change log.
var ErrSequenceAhead = errors.New("requested sequence is ahead of change log")

// ErrCorruption is returned when a storage invariant is found broken.
// Fatal to the request but never to the process.
var ErrCorruption = errors.New("storage corruption detected")
