package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
)

func replicateAll(t *testing.T, from, to *Store) {
	t.Helper()
	for _, c := range from.Changelog().After(csn.Zero, 0) {
		require.NoError(t, to.ApplyReplicated(c))
	}
}

func TestReplicatedAddConverges(t *testing.T) {
	supplier := newTestStore(t, 101)
	consumer := newTestStore(t, 102)
	require.NoError(t, supplier.Add(personEntry("mmrepl_test")))

	replicateAll(t, supplier, consumer)

	got, err := consumer.Get("uid=mmrepl_test," + testSuffix)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), got.CSN.ReplicaID)
}

func TestReplicatedApplyIsIdempotent(t *testing.T) {
	supplier := newTestStore(t, 101)
	consumer := newTestStore(t, 102)
	require.NoError(t, supplier.Add(personEntry("mmrepl_test")))
	require.NoError(t, supplier.Modify("uid=mmrepl_test,"+testSuffix, []entry.Mod{
		{Type: entry.ModAdd, Name: "description", Values: []string{"once"}},
	}))

	replicateAll(t, supplier, consumer)
	replicateAll(t, supplier, consumer) // echo / resend

	got, err := consumer.Get("uid=mmrepl_test," + testSuffix)
	require.NoError(t, err)
	assert.Equal(t, []string{"once"}, got.GetValues("description"))
}

func TestReplicatedModifyPreservesValueOrder(t *testing.T) {
	supplier := newTestStore(t, 101)
	consumer := newTestStore(t, 102)
	require.NoError(t, supplier.Add(personEntry("mmrepl_test")))

	target := "uid=mmrepl_test," + testSuffix
	for _, v := range []string{"test0", "test1", "test2", "test3", "test4"} {
		require.NoError(t, supplier.Modify(target, []entry.Mod{
			{Type: entry.ModAdd, Name: "description", Values: []string{v}},
		}))
	}
	require.NoError(t, supplier.Modify(target, []entry.Mod{
		{Type: entry.ModDelete, Name: "description", Values: []string{"test0"}},
	}))

	replicateAll(t, supplier, consumer)

	got, err := consumer.Get(target)
	require.NoError(t, err)
	assert.Equal(t, []string{"test1", "test2", "test3", "test4"}, got.GetValues("description"))
}

func TestDeleteReplayRaceHighestCSNWins(t *testing.T) {
	// Two replicas race: one deletes the entry, the other modifies it
	// with a later CSN. Every replica must converge on the modify.
	supplier := newTestStore(t, 101)
	consumer := newTestStore(t, 102)
	require.NoError(t, supplier.Add(personEntry("mmrepl_test")))
	target := "uid=mmrepl_test," + testSuffix
	replicateAll(t, supplier, consumer)

	// Delete locally on the consumer.
	require.NoError(t, consumer.Delete(target))
	deleteCSN := consumer.Changelog().Last()

	// A modify issued elsewhere with a CSN above the delete.
	laterModify := changelog.Change{
		CSN:  csn.CSN{TS: deleteCSN.TS + 10, ReplicaID: 101},
		Type: changelog.ChangeModify,
		DN:   target,
		Mods: []entry.Mod{{Type: entry.ModReplace, Name: "cn", Values: []string{"survivor"}}},
	}
	require.NoError(t, consumer.ApplyReplicated(laterModify))

	got, err := consumer.Get(target)
	require.NoError(t, err, "newer modify must resurrect the tombstone")
	assert.Equal(t, "survivor", got.GetValue("cn"))

	// The inverse race: a modify older than the delete stays dead.
	require.NoError(t, consumer.Delete(target))
	deleteCSN = consumer.Changelog().Last()
	earlierModify := changelog.Change{
		CSN:  csn.CSN{TS: deleteCSN.TS - 1000, Seq: 99, ReplicaID: 101},
		Type: changelog.ChangeModify,
		DN:   target,
		Mods: []entry.Mod{{Type: entry.ModReplace, Name: "cn", Values: []string{"zombie"}}},
	}
	require.NoError(t, consumer.ApplyReplicated(earlierModify))
	_, err = consumer.Get(target)
	assert.ErrorIs(t, err, result.ErrNoSuchObject)
}

func TestReplicatedModifyLosesToNewerAttributeWrite(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	target := "uid=mmrepl_test," + testSuffix
	require.NoError(t, s.Modify(target, []entry.Mod{
		{Type: entry.ModReplace, Name: "cn", Values: []string{"local-winner"}},
	}))
	current, err := s.Get(target)
	require.NoError(t, err)

	// A replace issued elsewhere before the local write arrives late; the
	// newer local value must survive.
	staleReplace := changelog.Change{
		CSN:  csn.CSN{TS: current.CSN.TS - 100, ReplicaID: 102},
		Type: changelog.ChangeModify,
		DN:   target,
		Mods: []entry.Mod{{Type: entry.ModReplace, Name: "cn", Values: []string{"stale"}}},
	}
	require.NoError(t, s.ApplyReplicated(staleReplace))

	got, err := s.Get(target)
	require.NoError(t, err)
	assert.Equal(t, "local-winner", got.GetValue("cn"))

	// The same stale CSN still applies to an attribute the local write
	// never touched.
	staleOther := changelog.Change{
		CSN:  csn.CSN{TS: current.CSN.TS - 100, Seq: 1, ReplicaID: 102},
		Type: changelog.ChangeModify,
		DN:   target,
		Mods: []entry.Mod{{Type: entry.ModReplace, Name: "description", Values: []string{"kept"}}},
	}
	require.NoError(t, s.ApplyReplicated(staleOther))

	got, err = s.Get(target)
	require.NoError(t, err)
	assert.Equal(t, "local-winner", got.GetValue("cn"))
	assert.Equal(t, "kept", got.GetValue("description"))
}

func TestReplicatedModifyDNLosesToNewerEntry(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	target := "uid=mmrepl_test," + testSuffix
	current, err := s.Get(target)
	require.NoError(t, err)

	staleRename := changelog.Change{
		CSN:          csn.CSN{TS: current.CSN.TS - 100, ReplicaID: 102},
		Type:         changelog.ChangeModifyDN,
		DN:           target,
		NewRDN:       "uid=stale",
		DeleteOldRDN: true,
	}
	require.NoError(t, s.ApplyReplicated(staleRename))

	_, err = s.Get(target)
	assert.NoError(t, err, "stale rename must not move a newer entry")
	_, err = s.Get("uid=stale," + testSuffix)
	assert.ErrorIs(t, err, result.ErrNoSuchObject)
}

func TestReplicatedDeleteLosesToNewerEntry(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	target := "uid=mmrepl_test," + testSuffix
	current, err := s.Get(target)
	require.NoError(t, err)

	staleDelete := changelog.Change{
		CSN:  csn.CSN{TS: current.CSN.TS - 100, ReplicaID: 102},
		Type: changelog.ChangeDelete,
		DN:   target,
	}
	require.NoError(t, s.ApplyReplicated(staleDelete))

	_, err = s.Get(target)
	assert.NoError(t, err, "stale delete must not remove a newer entry")
}

func TestReplicatedModifyDN(t *testing.T) {
	supplier := newTestStore(t, 101)
	consumer := newTestStore(t, 102)
	require.NoError(t, supplier.Add(personEntry("mmrepl_test")))
	replicateAll(t, supplier, consumer)

	require.NoError(t, supplier.ModifyDN("uid=mmrepl_test,"+testSuffix, "uid=newrdn", true))
	replicateAll(t, supplier, consumer)

	_, err := consumer.Get("uid=mmrepl_test," + testSuffix)
	assert.ErrorIs(t, err, result.ErrNoSuchObject)

	got, err := consumer.Get("uid=newrdn," + testSuffix)
	require.NoError(t, err)
	assert.False(t, got.HasValue("uid", "mmrepl_test"))
}
