// Package store implements the entry store: a hierarchical map of
// distinguished names to attribute sets with LDAP mutation semantics.
//
// Every successful mutation obtains a CSN from the sequencer, stamps the
// entry and appends a change record to the changelog before returning.
// Mutations are atomic: a modify either applies all of its sub-operations
// or none, and readers never observe a partially applied modify. Deletes
// convert the entry into a tombstone; physical removal is deferred to the
// tombstone purge driven by maintenance tasks.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
)

// Store is a thread-safe entry store. Construct with New.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry.Entry // keyed by dn.Key
	suffixes map[string]bool         // suffix roots allowed without parent

	seq    *csn.Sequencer
	log    *changelog.Log
	logger *zap.Logger
}

// New creates an empty store issuing CSNs from seq and recording changes
// to log.
func New(seq *csn.Sequencer, log *changelog.Log, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries:  make(map[string]*entry.Entry),
		suffixes: make(map[string]bool),
		seq:      seq,
		log:      log,
		logger:   logger,
	}
}

// Changelog returns the change log the store records into.
func (s *Store) Changelog() *changelog.Log { return s.log }

// Sequencer returns the CSN sequencer.
func (s *Store) Sequencer() *csn.Sequencer { return s.seq }

// AddSuffix registers a DN as a naming context root. Entries at a suffix
// root may be added without an existing parent.
func (s *Store) AddSuffix(suffix string) error {
	key, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("add suffix", "bad suffix %q: %v", suffix, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suffixes[key] = true
	return nil
}

// Suffixes returns the registered naming context roots, case-folded.
func (s *Store) Suffixes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.suffixes))
	for suffix := range s.suffixes {
		out = append(out, suffix)
	}
	sort.Strings(out)
	return out
}

// Add inserts a new entry. It fails with AlreadyExists when a live entry
// occupies the DN; a tombstone at the DN is replaced. The parent must
// exist unless the DN is a registered suffix root.
func (s *Store) Add(e *entry.Entry) error {
	key, err := dn.Key(e.DN)
	if err != nil {
		return result.InvalidArgument("add", "bad DN %q: %v", e.DN, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok && !existing.Tombstone {
		return result.AlreadyExists("add", e.DN)
	}
	if !s.suffixes[key] {
		parent, err := dn.Key(mustParent(e.DN))
		if err != nil {
			return result.InvalidArgument("add", "bad DN %q: %v", e.DN, err)
		}
		if p, ok := s.entries[parent]; !ok || p.Tombstone {
			return result.NoSuchObject("add", mustParent(e.DN))
		}
	}

	stored := e.Clone()
	stored.Tombstone = false
	stored.DeleteCSN = csn.Zero
	stored.CSN = s.seq.Next()
	stored.StampAll(stored.CSN)
	s.entries[key] = stored

	return s.record(changelog.Change{
		CSN:   stored.CSN,
		Type:  changelog.ChangeAdd,
		DN:    stored.DN,
		Entry: stored.Clone(),
	})
}

// Modify applies an ordered list of modifications atomically. The target
// must exist and not be a tombstone.
func (s *Store) Modify(target string, mods []entry.Mod) error {
	key, err := dn.Key(target)
	if err != nil {
		return result.InvalidArgument("modify", "bad DN %q: %v", target, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if !ok || existing.Tombstone {
		return result.NoSuchObject("modify", target)
	}

	// All-or-nothing: apply to a clone, swap in only on success.
	work := existing.Clone()
	if err := work.Apply(mods); err != nil {
		return err
	}

	work.CSN = s.seq.Next()
	for _, m := range mods {
		work.StampAttr(m.Name, work.CSN)
	}
	s.entries[key] = work

	return s.record(changelog.Change{
		CSN:  work.CSN,
		Type: changelog.ChangeModify,
		DN:   work.DN,
		Mods: cloneMods(mods),
	})
}

// ModifyDN renames an entry within its parent. With deleteOldRDN the
// previous RDN attribute value is removed from the entry; without it, the
// value is retained. The entry must be a leaf and the new DN unoccupied.
func (s *Store) ModifyDN(target, newRDN string, deleteOldRDN bool) error {
	key, err := dn.Key(target)
	if err != nil {
		return result.InvalidArgument("modrdn", "bad DN %q: %v", target, err)
	}
	if err := dn.Validate(newRDN); err != nil {
		return result.InvalidArgument("modrdn", "bad new RDN %q: %v", newRDN, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if !ok || existing.Tombstone {
		return result.NoSuchObject("modrdn", target)
	}
	if s.hasChildrenLocked(key) {
		return result.NotAllowedOnNonLeaf("modrdn", target)
	}

	newDN := dn.Join(newRDN, mustParent(existing.DN))
	newKey, err := dn.Key(newDN)
	if err != nil {
		return result.InvalidArgument("modrdn", "bad new DN %q: %v", newDN, err)
	}
	if other, ok := s.entries[newKey]; ok && !other.Tombstone && newKey != key {
		return result.AlreadyExists("modrdn", newDN)
	}

	work := existing.Clone()
	if err := applyRename(work, newDN, newRDN, deleteOldRDN); err != nil {
		return err
	}
	work.CSN = s.seq.Next()
	stampRename(work, existing.DN, newRDN, work.CSN)

	delete(s.entries, key)
	s.entries[newKey] = work

	return s.record(changelog.Change{
		CSN:          work.CSN,
		Type:         changelog.ChangeModifyDN,
		DN:           existing.DN,
		NewRDN:       newRDN,
		DeleteOldRDN: deleteOldRDN,
	})
}

// Delete converts the entry into a tombstone. The entry must be a leaf.
func (s *Store) Delete(target string) error {
	key, err := dn.Key(target)
	if err != nil {
		return result.InvalidArgument("delete", "bad DN %q: %v", target, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if !ok || existing.Tombstone {
		return result.NoSuchObject("delete", target)
	}
	if s.hasChildrenLocked(key) {
		return result.NotAllowedOnNonLeaf("delete", target)
	}

	work := existing.Clone()
	work.CSN = s.seq.Next()
	makeTombstone(work, work.CSN)
	s.entries[key] = work

	return s.record(changelog.Change{
		CSN:  work.CSN,
		Type: changelog.ChangeDelete,
		DN:   work.DN,
	})
}

// Get returns a copy of the live entry at the DN.
func (s *Store) Get(target string) (*entry.Entry, error) {
	key, err := dn.Key(target)
	if err != nil {
		return nil, result.InvalidArgument("search", "bad DN %q: %v", target, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.Tombstone {
		return nil, result.NoSuchObject("search", target)
	}
	return e.Clone(), nil
}

// record appends to the changelog while the write lock is held, so log
// order matches apply order for locally issued CSNs.
func (s *Store) record(c changelog.Change) error {
	if err := s.log.Append(c); err != nil {
		// Local CSNs are strictly increasing, so this indicates a
		// programming error rather than a runtime condition.
		s.logger.Error("changelog append failed",
			zap.String("dn", c.DN),
			zap.Stringer("csn", c.CSN),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) hasChildrenLocked(key string) bool {
	suffix := "," + key
	for k, e := range s.entries {
		if !e.Tombstone && strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

func mustParent(d string) string {
	parent, err := dn.Parent(d)
	if err != nil {
		return ""
	}
	return parent
}

func cloneMods(mods []entry.Mod) []entry.Mod {
	out := make([]entry.Mod, len(mods))
	for i, m := range mods {
		out[i] = entry.Mod{Type: m.Type, Name: m.Name, Values: append([]string(nil), m.Values...)}
	}
	return out
}

func applyRename(e *entry.Entry, newDN, newRDN string, deleteOldRDN bool) error {
	oldRDN, err := dn.RDN(e.DN)
	if err != nil {
		return result.InvalidArgument("modrdn", "bad DN %q: %v", e.DN, err)
	}

	if deleteOldRDN {
		attr, value, ok := splitRDN(oldRDN)
		if ok && e.HasValue(attr, value) {
			if err := e.DeleteValues(attr, value); err != nil {
				return err
			}
		}
	}

	attr, value, ok := splitRDN(newRDN)
	if ok && !e.HasValue(attr, value) {
		if err := e.AddValues(attr, value); err != nil {
			return err
		}
	}

	e.DN = newDN
	return nil
}

// stampRename records c for the RDN attributes a rename touched.
func stampRename(e *entry.Entry, oldDN, newRDN string, c csn.CSN) {
	if rdn, err := dn.RDN(oldDN); err == nil {
		if attr, _, ok := splitRDN(rdn); ok {
			e.StampAttr(attr, c)
		}
	}
	if attr, _, ok := splitRDN(newRDN); ok {
		e.StampAttr(attr, c)
	}
}

func splitRDN(rdn string) (attr, value string, ok bool) {
	idx := strings.Index(rdn, "=")
	if idx <= 0 {
		return "", "", false
	}
	return rdn[:idx], dn.UnescapeValue(rdn[idx+1:]), true
}

func makeTombstone(e *entry.Entry, deleteCSN csn.CSN) {
	e.Tombstone = true
	e.DeleteCSN = deleteCSN
	if !e.HasObjectClass(entry.ObjectClassTombstone) {
		// Tombstones keep their attributes; only the marker class is added.
		_ = e.AddValues("objectclass", entry.ObjectClassTombstone)
	}
}

// Scope aliases the go-ldap search scope constants.
const (
	ScopeBase    = ldap.ScopeBaseObject
	ScopeOne     = ldap.ScopeSingleLevel
	ScopeSubtree = ldap.ScopeWholeSubtree
)
