// Package topology assembles in-process directory instances into a
// replication topology: node construction, replica ID allocation,
// agreement wiring over loopback transports, and whole-topology
// controls used by maintenance procedures.
package topology

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/store"
	"github.com/isometry/dirrepl/internal/tasks"
)

// Node is one complete directory instance: entry store, task engine and
// replication manager, with a loopback transport endpoint for peers.
type Node struct {
	Name  string
	Store *store.Store
	Tasks *tasks.Engine
	Repl  *replication.Manager

	logger      *zap.Logger
	cancel      context.CancelFunc
	unreachable atomic.Bool
}

// NewNode builds and starts an instance. The sequencer's replica ID is
// assigned when replication is enabled for a suffix; until then the
// node stamps CSNs with the provisional ID.
func NewNode(name string, provisionalID uint16, logger *zap.Logger, opts ...tasks.Option) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(name)

	st := store.New(csn.NewSequencer(provisionalID), changelog.New(), logger)
	engine, err := tasks.NewEngine(st, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := seedPluginTree(st); err != nil {
		return nil, err
	}
	manager, err := replication.NewManager(st, logger)
	if err != nil {
		return nil, err
	}
	engine.SetRUVCleaner(manager)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	return &Node{
		Name:   name,
		Store:  st,
		Tasks:  engine,
		Repl:   manager,
		logger: logger,
		cancel: cancel,
	}, nil
}

func seedPluginTree(st *store.Store) error {
	seed := func(d, cn string) error {
		err := st.Add(entry.New(d, map[string][]string{
			"objectclass": {"top", "extensibleObject"},
			"cn":          {cn},
		}))
		if err != nil && !isExists(err) {
			return err
		}
		return nil
	}
	if err := seed("cn=plugins,cn=config", "plugins"); err != nil {
		return err
	}
	for _, plugin := range []string{
		"ldbm database",
		"Auto Membership Plugin",
		"Linked Attributes",
	} {
		if err := seed("cn="+plugin+",cn=plugins,cn=config", plugin); err != nil {
			return err
		}
	}
	return nil
}

func isExists(err error) bool {
	return errors.Is(err, result.ErrAlreadyExists)
}

// Close stops the task engine and every agreement.
func (n *Node) Close() {
	n.Repl.Close()
	n.cancel()
	n.Tasks.Stop()
}

// SetUnreachable simulates a network partition: loopback consumers
// targeting this node fail all calls while set.
func (n *Node) SetUnreachable(v bool) {
	n.unreachable.Store(v)
}

// Unreachable reports the simulated partition state.
func (n *Node) Unreachable() bool {
	return n.unreachable.Load()
}

// DefaultIndexes are created on every new backend.
var DefaultIndexes = []string{"objectclass", "cn", "uid", "member", "memberOf"}

// CreateBackend registers a suffix with its backend configuration entry,
// default index definitions and suffix root entry.
func (n *Node) CreateBackend(backend, suffix string) error {
	if err := dn.Validate(suffix); err != nil {
		return result.InvalidArgument("create backend", "bad suffix %q: %v", suffix, err)
	}
	if err := n.Store.AddSuffix(suffix); err != nil {
		return err
	}

	err := n.Store.Add(entry.New(tasks.BackendDN(backend), map[string][]string{
		"objectclass":    {"top", "extensibleObject", "nsBackendInstance"},
		"cn":             {backend},
		"nsslapd-suffix": {suffix},
	}))
	if err != nil && !isExists(err) {
		return err
	}
	for _, attr := range DefaultIndexes {
		err := n.Store.Add(entry.New(dn.Join("cn="+attr, tasks.BackendDN(backend)), map[string][]string{
			"objectclass": {"top", "nsIndex"},
			"cn":          {attr},
			"nsIndexType": {"eq", "pres"},
		}))
		if err != nil && !isExists(err) {
			return err
		}
	}

	root, err := rootEntry(suffix)
	if err != nil {
		return err
	}
	if err := n.Store.Add(root); err != nil && !isExists(err) {
		return err
	}
	n.logger.Info("backend created",
		zap.String("backend", backend),
		zap.String("suffix", suffix))
	return nil
}

// rootEntry synthesizes a suffix root matching the RDN's naming
// attribute.
func rootEntry(suffix string) (*entry.Entry, error) {
	rdn, err := dn.RDN(suffix)
	if err != nil {
		return nil, err
	}
	attrType, value, _ := strings.Cut(rdn, "=")
	attrType = strings.ToLower(attrType)
	value = dn.UnescapeValue(value)

	var classes []string
	switch attrType {
	case "dc":
		classes = []string{"top", "domain"}
	case "o":
		classes = []string{"top", "organization"}
	case "ou":
		classes = []string{"top", "organizationalUnit"}
	default:
		classes = []string{"top", "nsContainer"}
	}
	return entry.New(suffix, map[string][]string{
		"objectclass": classes,
		attrType:      {value},
	}), nil
}
