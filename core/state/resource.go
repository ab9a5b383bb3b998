// Package state implements the participant side of the transaction protocol:
// a per-actor versioned state cell and the facade that tracks reads and
// buffers writes under a transaction.
package state

import (
	"fmt"

	"github.com/sushant-115/gojotx/core/transaction"
)

// VersionedResource is one actor's committed state and its version.
type VersionedResource[T any] struct {
	Value   T                   `json:"value"`
	Version transaction.Version `json:"version"`
}

// advance replaces the value with one committed at version v. Versions only
// move forward.
func (r *VersionedResource[T]) advance(value T, v transaction.Version) error {
	if v <= r.Version {
		return fmt.Errorf("version %d does not advance current version %d", v, r.Version)
	}
	r.Value = value
	r.Version = v
	return nil
}
