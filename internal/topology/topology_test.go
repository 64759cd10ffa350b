package topology

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/tasks"
)

const testSuffix = "dc=example,dc=com"

// fourSuppliers builds the standard test bed: four suppliers in a full
// mesh replicating one suffix.
func fourSuppliers(t *testing.T) *Topology {
	t.Helper()
	topo := New(zap.NewNop())
	t.Cleanup(topo.Close)

	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("supplier%d", i)
		n, err := topo.AddNode(name)
		require.NoError(t, err)
		require.NoError(t, n.CreateBackend("userRoot", testSuffix))
		_, err = topo.EnableReplication(name, testSuffix, uint16(i), replication.RoleSupplier)
		require.NoError(t, err)
	}
	require.NoError(t, topo.FullMesh(testSuffix, replication.AgreementConfig{}))
	return topo
}

func waitConverged(t *testing.T, topo *Topology, check func(n *Node) bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for _, n := range topo.Nodes() {
			if !check(n) {
				all = false
				break
			}
		}
		if all {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("topology did not converge")
}

func userDN(uid string) string { return "uid=" + uid + "," + testSuffix }

func addUser(t *testing.T, n *Node, uid string) {
	t.Helper()
	require.NoError(t, n.Store.Add(entry.New(userDN(uid), map[string][]string{
		"objectclass": {"top", "person", "inetuser"},
		"uid":         {uid},
		"cn":          {uid},
	})))
}

func TestMeshConvergesOnAllOperations(t *testing.T) {
	topo := fourSuppliers(t)
	first := topo.Nodes()[0]

	// Add on one supplier, observe everywhere.
	addUser(t, first, "alice")
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("alice"))
		return err == nil
	})

	// Modify on a different supplier.
	second := topo.Nodes()[1]
	require.NoError(t, second.Store.Modify(userDN("alice"), []entry.Mod{
		{Type: entry.ModReplace, Name: "cn", Values: []string{"Alice Adams"}},
	}))
	waitConverged(t, topo, func(n *Node) bool {
		e, err := n.Store.Get(userDN("alice"))
		return err == nil && e.GetValue("cn") == "Alice Adams"
	})

	// Rename on a third.
	third := topo.Nodes()[2]
	require.NoError(t, third.Store.ModifyDN(userDN("alice"), "uid=alice.adams", true))
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("alice.adams"))
		return err == nil
	})

	// Delete on the fourth.
	fourth := topo.Nodes()[3]
	require.NoError(t, fourth.Store.Delete(userDN("alice.adams")))
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("alice.adams"))
		return err != nil
	})
}

func TestModRDNWhileTopologyPaused(t *testing.T) {
	topo := fourSuppliers(t)
	first := topo.Nodes()[0]

	addUser(t, first, "alice")
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("alice"))
		return err == nil
	})

	topo.PauseAll()
	require.NoError(t, first.Store.ModifyDN(userDN("alice"), "uid=renamed", true))

	// While paused the rename stays local.
	time.Sleep(50 * time.Millisecond)
	_, err := topo.Nodes()[1].Store.Get(userDN("renamed"))
	assert.Error(t, err, "paused topology must not replicate")

	topo.ResumeAll()
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("renamed"))
		return err == nil
	})
}

func TestMultiValueOrderSurvivesReplication(t *testing.T) {
	topo := fourSuppliers(t)
	first := topo.Nodes()[0]

	d := userDN("alice")
	addUser(t, first, "alice")
	for i := 0; i < 10; i++ {
		require.NoError(t, first.Store.Modify(d, []entry.Mod{
			{Type: entry.ModAdd, Name: "description", Values: []string{fmt.Sprintf("test%d", i)}},
		}))
	}
	for _, doomed := range []string{"test0", "test4", "test7", "test9"} {
		require.NoError(t, first.Store.Modify(d, []entry.Mod{
			{Type: entry.ModDelete, Name: "description", Values: []string{doomed}},
		}))
	}
	want := []string{"test1", "test2", "test3", "test5", "test6", "test8"}

	waitConverged(t, topo, func(n *Node) bool {
		e, err := n.Store.Get(d)
		if err != nil {
			return false
		}
		got := e.GetValues("description")
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	})
}

func TestConcurrentReplaceConvergesOnNewestWrite(t *testing.T) {
	topo := fourSuppliers(t)
	first, second := topo.Nodes()[0], topo.Nodes()[1]

	d := userDN("alice")
	addUser(t, first, "alice")
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(d)
		return err == nil
	})

	// Replace the same attribute on two suppliers while nothing is
	// flowing, then let both changes cross.
	topo.PauseAll()
	require.NoError(t, first.Store.Modify(d, []entry.Mod{
		{Type: entry.ModReplace, Name: "cn", Values: []string{"from-" + first.Name}},
	}))
	require.NoError(t, second.Store.Modify(d, []entry.Mod{
		{Type: entry.ModReplace, Name: "cn", Values: []string{"from-" + second.Name}},
	}))

	e1, err := first.Store.Get(d)
	require.NoError(t, err)
	e2, err := second.Store.Get(d)
	require.NoError(t, err)
	want := "from-" + second.Name
	if e2.CSN.Less(e1.CSN) {
		want = "from-" + first.Name
	}

	topo.ResumeAll()
	waitConverged(t, topo, func(n *Node) bool {
		e, err := n.Store.Get(d)
		return err == nil && e.GetValue("cn") == want
	})
}

func TestConcurrentDisjointModifiesMerge(t *testing.T) {
	topo := fourSuppliers(t)
	first, second := topo.Nodes()[0], topo.Nodes()[1]

	d := userDN("alice")
	addUser(t, first, "alice")
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(d)
		return err == nil
	})

	// Concurrent writes to different attributes must merge, not clobber.
	topo.PauseAll()
	require.NoError(t, first.Store.Modify(d, []entry.Mod{
		{Type: entry.ModReplace, Name: "description", Values: []string{"set on supplier1"}},
	}))
	require.NoError(t, second.Store.Modify(d, []entry.Mod{
		{Type: entry.ModReplace, Name: "telephoneNumber", Values: []string{"+1 555 0101"}},
	}))
	topo.ResumeAll()

	waitConverged(t, topo, func(n *Node) bool {
		e, err := n.Store.Get(d)
		return err == nil &&
			e.GetValue("description") == "set on supplier1" &&
			e.GetValue("telephoneNumber") == "+1 555 0101"
	})
}

func TestNewSuffixReplicationLifecycle(t *testing.T) {
	topo := New(zap.NewNop())
	t.Cleanup(topo.Close)

	const suffix = "dc=test,dc=net"
	m1, err := topo.AddNode("supplier1")
	require.NoError(t, err)
	m2, err := topo.AddNode("supplier2")
	require.NoError(t, err)

	require.NoError(t, m1.CreateBackend("testRoot", suffix))
	require.NoError(t, m2.CreateBackend("testRoot", suffix))

	_, err = topo.EnableReplication("supplier1", suffix, 101, replication.RoleSupplier)
	require.NoError(t, err)
	_, err = topo.EnableReplication("supplier2", suffix, 102, replication.RoleSupplier)
	require.NoError(t, err)

	// Seed data on the first supplier before the second is initialized.
	require.NoError(t, m1.Store.Add(entry.New("uid=seed,"+suffix, map[string][]string{
		"objectclass": {"top", "person"},
		"uid":         {"seed"},
		"cn":          {"seed"},
	})))

	forward, err := topo.Connect("supplier1", "supplier2", suffix, replication.AgreementConfig{Name: "to_supplier2"})
	require.NoError(t, err)
	_, err = topo.Connect("supplier2", "supplier1", suffix, replication.AgreementConfig{Name: "to_supplier1"})
	require.NoError(t, err)

	require.NoError(t, forward.Init(context.Background()))
	_, err = m2.Store.Get("uid=seed," + suffix)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, forward.Probe(ctx, "uid=seed,"+suffix))
}

func TestReplicaIDClashRejected(t *testing.T) {
	topo := New(zap.NewNop())
	t.Cleanup(topo.Close)

	for _, name := range []string{"supplier1", "supplier2"} {
		n, err := topo.AddNode(name)
		require.NoError(t, err)
		require.NoError(t, n.CreateBackend("userRoot", testSuffix))
	}
	_, err := topo.EnableReplication("supplier1", testSuffix, 7, replication.RoleSupplier)
	require.NoError(t, err)

	_, err = topo.EnableReplication("supplier2", testSuffix, 7, replication.RoleSupplier)
	require.Error(t, err)
	assert.ErrorIs(t, err, result.ErrInvalidArgument)

	// Consumers carry no writable ID, so the clash rule does not apply.
	_, err = topo.EnableReplication("supplier2", testSuffix, 0, replication.RoleConsumer)
	require.NoError(t, err)
}

func TestConsumerKeepsProvisionalSequencerID(t *testing.T) {
	topo := New(zap.NewNop())
	t.Cleanup(topo.Close)

	n, err := topo.AddNode("consumer1")
	require.NoError(t, err)
	require.NoError(t, n.CreateBackend("userRoot", testSuffix))

	before := n.Store.Sequencer().ReplicaID()
	_, err = topo.EnableReplication("consumer1", testSuffix, 0, replication.RoleConsumer)
	require.NoError(t, err)

	assert.Equal(t, before, n.Store.Sequencer().ReplicaID(),
		"a read-only replica must not rebind the sequencer")
}

func TestDisableReleasesReplicaID(t *testing.T) {
	topo := New(zap.NewNop())
	t.Cleanup(topo.Close)

	for _, name := range []string{"supplier1", "supplier2"} {
		n, err := topo.AddNode(name)
		require.NoError(t, err)
		require.NoError(t, n.CreateBackend("userRoot", testSuffix))
	}
	_, err := topo.EnableReplication("supplier1", testSuffix, 7, replication.RoleSupplier)
	require.NoError(t, err)

	// While supplier1 holds the ID, supplier2 cannot claim it.
	_, err = topo.EnableReplication("supplier2", testSuffix, 7, replication.RoleSupplier)
	require.Error(t, err)

	require.NoError(t, topo.DisableReplication("supplier1", testSuffix))

	// A retired ID is reusable.
	_, err = topo.EnableReplication("supplier2", testSuffix, 7, replication.RoleSupplier)
	require.NoError(t, err)
}

func TestStripAttrsAcrossMesh(t *testing.T) {
	topo := New(zap.NewNop())
	t.Cleanup(topo.Close)

	for i := 1; i <= 2; i++ {
		name := fmt.Sprintf("supplier%d", i)
		n, err := topo.AddNode(name)
		require.NoError(t, err)
		require.NoError(t, n.CreateBackend("userRoot", testSuffix))
		_, err = topo.EnableReplication(name, testSuffix, uint16(i), replication.RoleSupplier)
		require.NoError(t, err)
	}
	require.NoError(t, topo.FullMesh(testSuffix, replication.AgreementConfig{
		StripAttrs: []string{"telephoneNumber"},
	}))

	first, _ := topo.Node("supplier1")
	second, _ := topo.Node("supplier2")

	d := userDN("alice")
	require.NoError(t, first.Store.Add(entry.New(d, map[string][]string{
		"objectclass":     {"top", "person"},
		"uid":             {"alice"},
		"cn":              {"alice"},
		"telephoneNumber": {"+1 555 0100"},
	})))

	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(d)
		return err == nil
	})

	local, err := first.Store.Get(d)
	require.NoError(t, err)
	assert.True(t, local.HasAttribute("telephoneNumber"))

	remote, err := second.Store.Get(d)
	require.NoError(t, err)
	assert.False(t, remote.HasAttribute("telephoneNumber"))
}

func TestCleanAllRUVTaskAcrossTopology(t *testing.T) {
	topo := fourSuppliers(t)
	nodes := topo.Nodes()

	// Retire supplier4: remove its agreements and replica, then clean
	// its ID from the survivors.
	retired := nodes[3]
	retiredID := uint16(4)

	addUser(t, retired, "ghost")
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("ghost"))
		return err == nil
	})

	require.NoError(t, retired.Repl.DisableReplica(testSuffix))
	for _, n := range nodes[:3] {
		require.NoError(t, n.Repl.RemoveAgreement(testSuffix, "to_"+retired.Name))
	}

	first := nodes[0]
	h, err := first.Tasks.Create(tasks.CleanAllRUVParams{
		Suffix:    testSuffix,
		ReplicaID: retiredID,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	for _, n := range nodes[:3] {
		assert.NotContains(t, n.Repl.RUV(testSuffix).ReplicaIDs(), retiredID,
			"%s still references the retired replica", n.Name)
	}

	te, err := first.Store.Get(h.DN())
	require.NoError(t, err)
	assert.Contains(t, te.GetValue("nsTaskStatus"), "Successfully cleaned rid(4)")
}

func TestCleanAllRUVForceWithUnreachableNode(t *testing.T) {
	topo := fourSuppliers(t)
	nodes := topo.Nodes()
	first, down := nodes[0], nodes[2]

	retired := nodes[3]
	addUser(t, retired, "alice")
	waitConverged(t, topo, func(n *Node) bool {
		_, err := n.Store.Get(userDN("alice"))
		return err == nil
	})

	require.NoError(t, retired.Repl.DisableReplica(testSuffix))
	for _, n := range nodes[:3] {
		require.NoError(t, n.Repl.RemoveAgreement(testSuffix, "to_"+retired.Name))
	}

	down.SetUnreachable(true)

	// A strict clean fails while part of the topology is down.
	err := first.Repl.CleanAllRUV(context.Background(), testSuffix, 4, false)
	require.Error(t, err)
	assert.Contains(t, first.Repl.RUV(testSuffix).ReplicaIDs(), uint16(4))

	// Forced cleaning proceeds past the outage.
	require.NoError(t, first.Repl.CleanAllRUV(context.Background(), testSuffix, 4, true))
	assert.NotContains(t, first.Repl.RUV(testSuffix).ReplicaIDs(), uint16(4))
	assert.Contains(t, down.Repl.RUV(testSuffix).ReplicaIDs(), uint16(4),
		"unreachable node keeps the rid until it returns")
}
