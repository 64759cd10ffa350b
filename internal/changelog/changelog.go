// Package changelog records every mutation applied to the entry store as
// an ordered sequence of change records keyed by CSN. Replication
// agreement senders consume the log through cursors; the replica update
// vector (RUV) summarizing per-replica progress is derived from it.
package changelog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/entry"
)

// ChangeType identifies the operation a change record replays.
type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeModify
	ChangeModifyDN
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "add"
	case ChangeModify:
		return "modify"
	case ChangeModifyDN:
		return "modrdn"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one replayable mutation. Exactly the fields for its type are
// populated: Entry for add, Mods for modify, NewRDN/DeleteOldRDN for
// modifyDN.
type Change struct {
	CSN  csn.CSN
	Type ChangeType
	DN   string

	Entry        *entry.Entry // add: the entry as created
	Mods         []entry.Mod  // modify: the ordered sub-operations
	NewRDN       string       // modifyDN
	DeleteOldRDN bool         // modifyDN
}

// Log is an append-only, CSN-ordered change log.
type Log struct {
	mu      sync.RWMutex
	changes []Change
	subs    []chan struct{}
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// Append records a change. Appends must arrive in strictly increasing CSN
// order for locally issued CSNs; replayed remote changes may interleave
// and are inserted at their ordered position.
func (l *Log) Append(c Change) error {
	if c.CSN.IsZero() {
		return fmt.Errorf("changelog: change without CSN")
	}

	l.mu.Lock()
	n := len(l.changes)
	if n == 0 || l.changes[n-1].CSN.Less(c.CSN) {
		l.changes = append(l.changes, c)
	} else {
		i := sort.Search(n, func(i int) bool { return !l.changes[i].CSN.Less(c.CSN) })
		if i < n && l.changes[i].CSN == c.CSN {
			l.mu.Unlock()
			return fmt.Errorf("changelog: duplicate CSN %s", c.CSN)
		}
		l.changes = append(l.changes, Change{})
		copy(l.changes[i+1:], l.changes[i:])
		l.changes[i] = c
	}
	subs := l.subs
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// After returns up to max changes with CSN strictly greater than c, in
// CSN order. max <= 0 means no limit.
func (l *Log) After(c csn.CSN, max int) []Change {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.changes), func(i int) bool { return c.Less(l.changes[i].CSN) })
	out := l.changes[i:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return append([]Change(nil), out...)
}

// Last returns the highest CSN in the log, or the zero CSN when empty.
func (l *Log) Last() csn.CSN {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.changes) == 0 {
		return csn.Zero
	}
	return l.changes[len(l.changes)-1].CSN
}

// Len returns the number of recorded changes.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.changes)
}

// RUV builds the replica update vector over the whole log.
func (l *Log) RUV() RUV {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ruv := RUV{}
	for _, c := range l.changes {
		ruv.Update(c.CSN)
	}
	return ruv
}

// RemoveReplica drops every change issued by the given replica ID. Used by
// the cleanAllRUV task to expunge a decommissioned replica.
func (l *Log) RemoveReplica(replicaID uint16) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.changes[:0]
	removed := 0
	for _, c := range l.changes {
		if c.CSN.ReplicaID == replicaID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	l.changes = kept
	return removed
}

// Subscribe returns a channel that receives a (coalesced) signal after
// each append. Senders block on it instead of polling.
func (l *Log) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	return ch
}
