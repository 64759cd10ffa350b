package topology

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/result"
)

// Topology is a set of nodes replicating to each other. It owns the
// replica ID space: no two writable replicas may share an ID.
type Topology struct {
	logger *zap.Logger

	mu    sync.Mutex
	nodes map[string]*Node
	rids  map[uint16]string // replica ID -> node name
	next  uint16            // provisional sequencer IDs for new nodes
}

// New creates an empty topology.
func New(logger *zap.Logger) *Topology {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topology{
		logger: logger.Named("topology"),
		nodes:  make(map[string]*Node),
		rids:   make(map[uint16]string),
		next:   60000, // provisional IDs sit far above administrative ones
	}
}

// AddNode creates and registers a named node.
func (t *Topology) AddNode(name string) (*Node, error) {
	t.mu.Lock()
	if _, ok := t.nodes[name]; ok {
		t.mu.Unlock()
		return nil, result.AlreadyExists("add node", name)
	}
	t.next++
	provisional := t.next
	t.mu.Unlock()

	n, err := NewNode(name, provisional, t.logger)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.nodes[name] = n
	t.mu.Unlock()
	return n, nil
}

// Node returns a registered node by name.
func (t *Topology) Node(name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[name]
	return n, ok
}

// Nodes returns the registered nodes, sorted by name.
func (t *Topology) Nodes() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnableReplication turns a node into a replica for the suffix.
// Writable replica IDs are explicit administrative assignments and must
// be unique across the topology; a clash is an error, never a silent
// reassignment.
func (t *Topology) EnableReplication(nodeName, suffix string, replicaID uint16, role replication.Role) (*replication.Replica, error) {
	t.mu.Lock()
	n, ok := t.nodes[nodeName]
	if !ok {
		t.mu.Unlock()
		return nil, result.NoSuchObject("enable replication", nodeName)
	}
	newClaim := false
	if role != replication.RoleConsumer {
		owner, taken := t.rids[replicaID]
		if taken && owner != nodeName {
			t.mu.Unlock()
			return nil, result.InvalidArgument("enable replication",
				"replica ID %d is already assigned to %s", replicaID, owner)
		}
		newClaim = !taken
		t.rids[replicaID] = nodeName
	}
	t.mu.Unlock()

	r, err := n.Repl.EnableReplica(suffix, replicaID, role)
	if err != nil {
		t.mu.Lock()
		if newClaim && t.rids[replicaID] == nodeName {
			delete(t.rids, replicaID)
		}
		t.mu.Unlock()
		return nil, err
	}
	// Consumers stay on their provisional sequencer identity; only a
	// writable replica stamps changes with its administrative ID.
	if role != replication.RoleConsumer {
		n.Store.Sequencer().SetReplicaID(replicaID)
	}
	return r, nil
}

// DisableReplication tears down a node's replica for the suffix and
// releases its writable replica ID for reuse, unless another replicated
// suffix on the same node still carries that ID.
func (t *Topology) DisableReplication(nodeName, suffix string) error {
	t.mu.Lock()
	n, ok := t.nodes[nodeName]
	t.mu.Unlock()
	if !ok {
		return result.NoSuchObject("disable replication", nodeName)
	}

	r, had := n.Repl.Replica(suffix)
	if err := n.Repl.DisableReplica(suffix); err != nil {
		return err
	}
	if !had || r.Role == replication.RoleConsumer {
		return nil
	}
	for _, other := range n.Repl.Replicas() {
		if other.ID == r.ID && other.Role != replication.RoleConsumer {
			return nil
		}
	}
	t.mu.Lock()
	if t.rids[r.ID] == nodeName {
		delete(t.rids, r.ID)
	}
	t.mu.Unlock()
	return nil
}

// Connect creates a one-way agreement from one node to another over the
// loopback transport.
func (t *Topology) Connect(from, to, suffix string, cfg replication.AgreementConfig) (*replication.Agreement, error) {
	t.mu.Lock()
	src, ok := t.nodes[from]
	if !ok {
		t.mu.Unlock()
		return nil, result.NoSuchObject("connect", from)
	}
	dst, ok := t.nodes[to]
	if !ok {
		t.mu.Unlock()
		return nil, result.NoSuchObject("connect", to)
	}
	t.mu.Unlock()

	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("to_%s", to)
	}
	cfg.Suffix = suffix
	return src.Repl.AddAgreement(cfg, &loopback{target: dst})
}

// FullMesh connects every pair of nodes in both directions for the
// suffix. Existing agreements are left alone.
func (t *Topology) FullMesh(suffix string, cfg replication.AgreementConfig) error {
	nodes := t.Nodes()
	for _, src := range nodes {
		for _, dst := range nodes {
			if src == dst {
				continue
			}
			if _, ok := src.Repl.Agreement(suffix, "to_"+dst.Name); ok {
				continue
			}
			c := cfg
			c.Name = "to_" + dst.Name
			if _, err := t.Connect(src.Name, dst.Name, suffix, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// PauseAll suspends every agreement on every node, freezing outbound
// replication topology-wide. Local writes proceed and queue.
func (t *Topology) PauseAll() {
	for _, n := range t.Nodes() {
		n.Repl.PauseAll()
	}
	t.logger.Info("all agreements paused")
}

// ResumeAll resumes every agreement on every node.
func (t *Topology) ResumeAll() {
	for _, n := range t.Nodes() {
		n.Repl.ResumeAll()
	}
	t.logger.Info("all agreements resumed")
}

// Close shuts down every node.
func (t *Topology) Close() {
	for _, n := range t.Nodes() {
		n.Close()
	}
}
