package manager

import (
	"strings"

	"github.com/google/btree"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// Resource is the manager's copy of one committed resource.
type Resource struct {
	Ref     transaction.ResourceRef `json:"ref"`
	Version transaction.Version     `json:"version"`
	Value   []byte                  `json:"value,omitempty"`
	// LSN of the commit record that produced this version.
	LSN wal.LSN `json:"lsn"`
}

// table holds the latest committed version of every resource, ordered by
// reference. Only the run loop touches it.
type table struct {
	tree *btree.BTreeG[*Resource]
}

func newTable() *table {
	return &table{
		tree: btree.NewG(32, func(a, b *Resource) bool { return a.Ref < b.Ref }),
	}
}

// version returns the committed version of ref; resources never written are
// at version 0.
func (t *table) version(ref transaction.ResourceRef) transaction.Version {
	if r, ok := t.tree.Get(&Resource{Ref: ref}); ok {
		return r.Version
	}
	return 0
}

func (t *table) get(ref transaction.ResourceRef) (Resource, bool) {
	r, ok := t.tree.Get(&Resource{Ref: ref})
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

func (t *table) put(ref transaction.ResourceRef, v transaction.Version, value []byte, lsn wal.LSN) {
	t.tree.ReplaceOrInsert(&Resource{Ref: ref, Version: v, Value: value, LSN: lsn})
}

// withPrefix lists the resources whose reference starts with prefix, in key
// order.
func (t *table) withPrefix(prefix string) []Resource {
	var out []Resource
	t.tree.AscendGreaterOrEqual(&Resource{Ref: transaction.ResourceRef(prefix)}, func(r *Resource) bool {
		if !strings.HasPrefix(string(r.Ref), prefix) {
			return false
		}
		out = append(out, *r)
		return true
	})
	return out
}

func (t *table) len() int { return t.tree.Len() }
