package client

import (
	"context"

	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/store"
)

// Add writes a new entry.
func (s *Session) Add(e *entry.Entry) error {
	return s.node.Store.Add(e)
}

// Modify applies an ordered list of modifications to an entry.
func (s *Session) Modify(dn string, mods []entry.Mod) error {
	return s.node.Store.Modify(dn, mods)
}

// Delete removes an entry.
func (s *Session) Delete(dn string) error {
	return s.node.Store.Delete(dn)
}

// Rename changes an entry's RDN.
func (s *Session) Rename(dn, newRDN string, deleteOldRDN bool) error {
	return s.node.Store.ModifyDN(dn, newRDN, deleteOldRDN)
}

// Get fetches one entry by DN.
func (s *Session) Get(dn string) (*entry.Entry, error) {
	return s.node.Store.Get(dn)
}

// Search runs a scoped, filtered search.
func (s *Session) Search(req store.SearchRequest) ([]*entry.Entry, error) {
	return s.node.Store.Search(req)
}

// EnableReplication makes the node a replica for suffix with the given
// role and administrative replica ID.
func (s *Session) EnableReplication(suffix string, replicaID uint16, role replication.Role) error {
	_, err := s.node.Repl.EnableReplica(suffix, replicaID, role)
	if err != nil {
		return err
	}
	if role != replication.RoleConsumer {
		s.node.Store.Sequencer().SetReplicaID(replicaID)
	}
	return nil
}

// DisableReplication retires the replica role for a suffix, stopping
// its agreements.
func (s *Session) DisableReplication(suffix string) error {
	return s.node.Repl.DisableReplica(suffix)
}

// CreateAgreement registers an outbound agreement and starts its
// sender.
func (s *Session) CreateAgreement(cfg replication.AgreementConfig, consumer replication.Consumer) (*replication.Agreement, error) {
	return s.node.Repl.AddAgreement(cfg, consumer)
}

// Agreements lists the agreements serving a suffix.
func (s *Session) Agreements(suffix string) []*replication.Agreement {
	return s.node.Repl.Agreements(suffix)
}

// DeleteAgreement stops and removes an agreement.
func (s *Session) DeleteAgreement(suffix, name string) error {
	return s.node.Repl.RemoveAgreement(suffix, name)
}

// SetStripAttrs replaces the outgoing attribute filter of a live
// agreement.
func (s *Session) SetStripAttrs(suffix, name string, attrs []string) error {
	a, ok := s.node.Repl.Agreement(suffix, name)
	if !ok {
		return result.NoSuchObject("set strip attrs", name)
	}
	return a.SetStripAttrs(attrs)
}

// InitializeConsumer pushes a full copy of the suffix over the named
// agreement and returns once the consumer holds it.
func (s *Session) InitializeConsumer(ctx context.Context, suffix, name string) error {
	a, ok := s.node.Repl.Agreement(suffix, name)
	if !ok {
		return result.NoSuchObject("initialize consumer", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return a.Init(ctx)
}

// TestReplication verifies end-to-end replication over the named
// agreement by writing a marker to testDN and waiting for the consumer
// to report it.
func (s *Session) TestReplication(ctx context.Context, suffix, name, testDN string) error {
	a, ok := s.node.Repl.Agreement(suffix, name)
	if !ok {
		return result.NoSuchObject("test replication", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return a.Probe(ctx, testDN)
}
