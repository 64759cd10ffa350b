// Package replication implements multi-supplier replication state for a
// directory instance: per-suffix replica roles, replication agreements
// with their sender loops, and topology-wide RUV maintenance through the
// cleanAllRUV protocol.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/store"
)

// Role describes how a replica participates in replication for a suffix.
type Role int

const (
	RoleSupplier Role = iota
	RoleHub
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleSupplier:
		return "supplier"
	case RoleHub:
		return "hub"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// MappingTreeDN is the parent of per-suffix replication configuration.
const MappingTreeDN = "cn=mapping tree,cn=config"

// SuffixConfigDN returns the mapping tree entry DN for a suffix.
func SuffixConfigDN(suffix string) string {
	return dn.Join("cn="+dn.EscapeValue(suffix), MappingTreeDN)
}

// ReplicaConfigDN returns the replica entry DN for a suffix.
func ReplicaConfigDN(suffix string) string {
	return dn.Join("cn=replica", SuffixConfigDN(suffix))
}

// Replica is the per-suffix replication role of this instance.
type Replica struct {
	Suffix string
	ID     uint16
	Role   Role
}

// Manager owns all replication state of one directory instance.
type Manager struct {
	store  *store.Store
	logger *zap.Logger

	mu         sync.Mutex
	replicas   map[string]*Replica   // keyed by dn.Key(suffix)
	agreements map[string]*Agreement // keyed by dn.Key(suffix) + "\x00" + name
	cleans     map[cleanKey]*cleanState
}

// NewManager creates a replication manager bound to st, seeding the
// mapping tree container.
func NewManager(st *store.Store, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:      st,
		logger:     logger.Named("repl"),
		replicas:   make(map[string]*Replica),
		agreements: make(map[string]*Agreement),
		cleans:     make(map[cleanKey]*cleanState),
	}
	err := st.Add(entry.New(MappingTreeDN, map[string][]string{
		"objectclass": {"top", "extensibleObject"},
		"cn":          {"mapping tree"},
	}))
	if err != nil && !isAlreadyExists(err) {
		return nil, err
	}
	return m, nil
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, result.ErrAlreadyExists)
}

// EnableReplica marks a suffix as replicated with the given role and
// replica ID, writing the replica configuration entries. Enabling an
// already-enabled suffix fails.
func (m *Manager) EnableReplica(suffix string, id uint16, role Role) (*Replica, error) {
	key, err := dn.Key(suffix)
	if err != nil {
		return nil, result.InvalidArgument("enable replica", "bad suffix %q: %v", suffix, err)
	}
	if id == 0 && role != RoleConsumer {
		return nil, result.InvalidArgument("enable replica", "a writable replica needs a non-zero replica ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replicas[key]; ok {
		return nil, result.AlreadyExists("enable replica", suffix)
	}

	err = m.store.Add(entry.New(SuffixConfigDN(suffix), map[string][]string{
		"objectclass":   {"top", "extensibleObject", "nsMappingTree"},
		"cn":            {suffix},
		"nsslapd-state": {"backend"},
	}))
	if err != nil && !isAlreadyExists(err) {
		return nil, err
	}
	err = m.store.Add(entry.New(ReplicaConfigDN(suffix), map[string][]string{
		"objectclass":      {"top", "nsDS5Replica"},
		"cn":               {"replica"},
		"nsDS5ReplicaRoot": {suffix},
		"nsDS5ReplicaId":   {strconv.Itoa(int(id))},
		"nsDS5ReplicaType": {replicaType(role)},
		"nsDS5Flags":       {replicaFlags(role)},
	}))
	if err != nil && !isAlreadyExists(err) {
		return nil, err
	}

	r := &Replica{Suffix: suffix, ID: id, Role: role}
	m.replicas[key] = r
	m.logger.Info("replica enabled",
		zap.String("suffix", suffix),
		zap.Uint16("replica_id", id),
		zap.Stringer("role", role))
	return r, nil
}

func replicaType(role Role) string {
	if role == RoleConsumer {
		return "2" // read-only
	}
	return "3" // read-write
}

func replicaFlags(role Role) string {
	if role == RoleConsumer {
		return "0"
	}
	return "1" // logs changes
}

// Replica returns the replication role for a suffix, if enabled.
func (m *Manager) Replica(suffix string) (*Replica, bool) {
	key, err := dn.Key(suffix)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replicas[key]
	return r, ok
}

// Replicas returns a snapshot of the enabled replicas, sorted by suffix.
func (m *Manager) Replicas() []*Replica {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Suffix < out[j].Suffix })
	return out
}

// DisableReplica tears down the replica and all its agreements.
func (m *Manager) DisableReplica(suffix string) error {
	key, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("disable replica", "bad suffix %q: %v", suffix, err)
	}

	m.mu.Lock()
	if _, ok := m.replicas[key]; !ok {
		m.mu.Unlock()
		return result.NoSuchObject("disable replica", suffix)
	}
	var doomed []*Agreement
	for k, a := range m.agreements {
		if a.suffixKey == key {
			doomed = append(doomed, a)
			delete(m.agreements, k)
		}
	}
	delete(m.replicas, key)
	m.mu.Unlock()

	for _, a := range doomed {
		a.stop()
	}
	m.logger.Info("replica disabled", zap.String("suffix", suffix))
	return nil
}

// AddAgreement registers an outbound agreement to consumer and starts
// its sender. The agreement entry is recorded under the replica entry.
func (m *Manager) AddAgreement(cfg AgreementConfig, consumer Consumer) (*Agreement, error) {
	a, err := newAgreement(cfg, m.store, consumer, m.logger)
	if err != nil {
		return nil, err
	}
	key := a.suffixKey + "\x00" + cfg.Name

	m.mu.Lock()
	if _, ok := m.replicas[a.suffixKey]; !ok {
		m.mu.Unlock()
		return nil, result.NoSuchObject("add agreement", cfg.Suffix)
	}
	if _, ok := m.agreements[key]; ok {
		m.mu.Unlock()
		return nil, result.AlreadyExists("add agreement", cfg.Name)
	}
	m.agreements[key] = a
	m.mu.Unlock()

	attrs := map[string][]string{
		"objectclass":      {"top", "nsDS5ReplicationAgreement"},
		"cn":               {cfg.Name},
		"nsDS5ReplicaRoot": {cfg.Suffix},
	}
	if len(cfg.StripAttrs) > 0 {
		attrs["nsds5replicastripattrs"] = []string{strings.Join(cfg.StripAttrs, " ")}
	}
	err = m.store.Add(entry.New(a.configDN, attrs))
	if err != nil && !isAlreadyExists(err) {
		m.mu.Lock()
		delete(m.agreements, key)
		m.mu.Unlock()
		return nil, err
	}

	a.start()
	m.logger.Info("agreement added",
		zap.String("suffix", cfg.Suffix),
		zap.String("name", cfg.Name))
	return a, nil
}

// Agreement returns a registered agreement by suffix and name.
func (m *Manager) Agreement(suffix, name string) (*Agreement, bool) {
	key, err := dn.Key(suffix)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[key+"\x00"+name]
	return a, ok
}

// RemoveAgreement stops and deregisters an agreement.
func (m *Manager) RemoveAgreement(suffix, name string) error {
	key, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("remove agreement", "bad suffix %q: %v", suffix, err)
	}
	m.mu.Lock()
	a, ok := m.agreements[key+"\x00"+name]
	if ok {
		delete(m.agreements, key+"\x00"+name)
	}
	m.mu.Unlock()
	if !ok {
		return result.NoSuchObject("remove agreement", name)
	}
	a.stop()
	if err := m.store.Delete(a.configDN); err != nil && !errors.Is(err, result.ErrNoSuchObject) {
		return err
	}
	return nil
}

// Agreements snapshots the agreements serving one suffix, sorted by
// name.
func (m *Manager) Agreements(suffix string) []*Agreement {
	key, err := dn.Key(suffix)
	if err != nil {
		return nil
	}
	out := m.agreementsFor(key)
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Name < out[j].cfg.Name })
	return out
}

// agreementsFor snapshots the agreements serving one suffix.
func (m *Manager) agreementsFor(suffixKey string) []*Agreement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agreement
	for _, a := range m.agreements {
		if a.suffixKey == suffixKey {
			out = append(out, a)
		}
	}
	return out
}

// PauseAll suspends every agreement's sender.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	all := make([]*Agreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		all = append(all, a)
	}
	m.mu.Unlock()
	for _, a := range all {
		a.Pause()
	}
}

// ResumeAll resumes every paused agreement.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	all := make([]*Agreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		all = append(all, a)
	}
	m.mu.Unlock()
	for _, a := range all {
		a.Resume()
	}
}

// Close stops every agreement.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Agreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		all = append(all, a)
	}
	m.agreements = make(map[string]*Agreement)
	m.mu.Unlock()
	for _, a := range all {
		a.stop()
	}
}

// RUV returns the local replica update vector for a suffix.
func (m *Manager) RUV(suffix string) changelog.RUV {
	return m.store.Changelog().RUV()
}

// ApplyInbound applies a change received from a peer supplier.
func (m *Manager) ApplyInbound(ctx context.Context, suffix string, c changelog.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !dn.Under(c.DN, suffix) {
		return fmt.Errorf("change %s outside replicated suffix %s", c.DN, suffix)
	}
	return m.store.ApplyReplicated(c)
}

// ApplyInit replaces the local suffix contents from a full-init
// transfer.
func (m *Manager) ApplyInit(ctx context.Context, suffix string, entries []*entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.ReplaceSubtree(suffix, entries)
}
