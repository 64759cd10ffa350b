package changelog

import (
	"sort"
	"strconv"
	"strings"

	"github.com/isometry/dirrepl/internal/csn"
)

// RUV is a replica update vector: the highest CSN seen per replica ID.
type RUV map[uint16]csn.CSN

// Update raises the vector element for the CSN's replica ID if c is newer.
func (r RUV) Update(c csn.CSN) {
	if c.IsZero() {
		return
	}
	if cur, ok := r[c.ReplicaID]; !ok || cur.Less(c) {
		r[c.ReplicaID] = c
	}
}

// Covers reports whether the vector already accounts for c.
func (r RUV) Covers(c csn.CSN) bool {
	cur, ok := r[c.ReplicaID]
	return ok && !cur.Less(c)
}

// Remove drops the element for a replica ID, reporting whether it was
// present. Removing an absent replica ID is a no-op.
func (r RUV) Remove(replicaID uint16) bool {
	if _, ok := r[replicaID]; !ok {
		return false
	}
	delete(r, replicaID)
	return true
}

// Clone returns an independent copy of the vector.
func (r RUV) Clone() RUV {
	c := make(RUV, len(r))
	for id, v := range r {
		c[id] = v
	}
	return c
}

// ReplicaIDs returns the tracked replica IDs in ascending order.
func (r RUV) ReplicaIDs() []uint16 {
	ids := make([]uint16, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// String renders the vector as "rid:csn" pairs in replica ID order, for
// logs and the exported replication metadata.
func (r RUV) String() string {
	parts := make([]string, 0, len(r))
	for _, id := range r.ReplicaIDs() {
		parts = append(parts, strconv.Itoa(int(id))+":"+r[id].String())
	}
	return strings.Join(parts, " ")
}
