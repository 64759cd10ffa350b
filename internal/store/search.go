package store

import (
	"sort"
	"strings"

	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/filter"
	"github.com/isometry/dirrepl/internal/result"
)

// SearchRequest describes a search. Scope takes the go-ldap scope
// constants (ScopeBase, ScopeOne, ScopeSubtree).
type SearchRequest struct {
	BaseDN string
	Scope  int
	Filter string

	// IncludeTombstones makes soft-deleted entries visible; used by the
	// replication export and the tombstone maintenance tasks.
	IncludeTombstones bool
}

// Search evaluates the request and returns matching entries as copies,
// ordered by DN for determinism. A missing base DN is NoSuchObject.
func (s *Store) Search(req SearchRequest) ([]*entry.Entry, error) {
	baseKey, err := dn.Key(req.BaseDN)
	if err != nil {
		return nil, result.InvalidArgument("search", "bad base DN %q: %v", req.BaseDN, err)
	}

	filterStr := req.Filter
	if filterStr == "" {
		filterStr = "(objectclass=*)"
	}
	f, err := filter.Parse(filterStr)
	if err != nil {
		return nil, result.InvalidArgument("search", "bad filter %q: %v", req.Filter, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	base, ok := s.entries[baseKey]
	if !ok || (base.Tombstone && !req.IncludeTombstones) {
		return nil, result.NoSuchObject("search", req.BaseDN)
	}

	var matched []*entry.Entry
	for key, e := range s.entries {
		if e.Tombstone && !req.IncludeTombstones {
			continue
		}
		if !inScope(key, baseKey, req.Scope) {
			continue
		}
		if f.Matches(e) {
			matched = append(matched, e.Clone())
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].DN < matched[j].DN })
	return matched, nil
}

// SubtreeEntries returns every entry at or below the suffix, parents
// before children, for full-init transfer and LDIF export.
func (s *Store) SubtreeEntries(suffix string, includeTombstones bool) ([]*entry.Entry, error) {
	baseKey, err := dn.Key(suffix)
	if err != nil {
		return nil, result.InvalidArgument("search", "bad suffix %q: %v", suffix, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type keyed struct {
		key string
		e   *entry.Entry
	}
	var matched []keyed
	for key, e := range s.entries {
		if e.Tombstone && !includeTombstones {
			continue
		}
		if inScope(key, baseKey, ScopeSubtree) {
			matched = append(matched, keyed{key: key, e: e.Clone()})
		}
	}

	// Shallower entries first so a replay of adds never lacks a parent.
	sort.Slice(matched, func(i, j int) bool {
		di, dj := strings.Count(matched[i].key, ","), strings.Count(matched[j].key, ",")
		if di != dj {
			return di < dj
		}
		return matched[i].key < matched[j].key
	})

	out := make([]*entry.Entry, len(matched))
	for i, m := range matched {
		out[i] = m.e
	}
	return out, nil
}

// ReplaceSubtree atomically replaces the contents of a suffix with the
// supplied entries, preserving their CSNs. Used on the consumer side of a
// full agreement initialization.
func (s *Store) ReplaceSubtree(suffix string, entries []*entry.Entry) error {
	baseKey, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("init", "bad suffix %q: %v", suffix, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.entries {
		if inScope(key, baseKey, ScopeSubtree) {
			delete(s.entries, key)
		}
	}
	for _, e := range entries {
		key, err := dn.Key(e.DN)
		if err != nil {
			return result.InvalidArgument("init", "bad DN %q: %v", e.DN, err)
		}
		s.entries[key] = e.Clone()
		s.seq.Observe(e.CSN)
	}
	return nil
}

// PurgeTombstones physically removes tombstones whose delete CSN
// timestamp is at or below cutoff, returning the number removed.
func (s *Store) PurgeTombstones(suffix string, cutoff uint32) (int, error) {
	baseKey, err := dn.Key(suffix)
	if err != nil {
		return 0, result.InvalidArgument("purge", "bad suffix %q: %v", suffix, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if !e.Tombstone || !inScope(key, baseKey, ScopeSubtree) {
			continue
		}
		if e.DeleteCSN.TS <= cutoff {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func inScope(key, baseKey string, scope int) bool {
	switch scope {
	case ScopeBase:
		return key == baseKey
	case ScopeOne:
		if !strings.HasSuffix(key, ","+baseKey) {
			return false
		}
		child := strings.TrimSuffix(key, ","+baseKey)
		return !strings.Contains(child, ",")
	default:
		return key == baseKey || strings.HasSuffix(key, ","+baseKey)
	}
}
