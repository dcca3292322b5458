package chunkstore

import "errors"

// ErrNotFound is returned when a chunk id does not resolve.
var ErrNotFound = errors.New("chunk not found")
