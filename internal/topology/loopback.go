package topology

import (
	"context"
	"errors"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/result"
)

// loopback delivers agreement traffic to another in-process node. It is
// the topology's transport; a deployment spanning hosts would replace it
// with an LDAP client transport behind the same interface.
type loopback struct {
	target *Node
}

var _ replication.Consumer = (*loopback)(nil)

func (l *loopback) check() error {
	if l.target.Unreachable() {
		return result.Transient("loopback", errors.New(l.target.Name+" is unreachable"))
	}
	return nil
}

func (l *loopback) SendChange(ctx context.Context, suffix string, c changelog.Change) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.target.Repl.ApplyInbound(ctx, suffix, c)
}

func (l *loopback) SendInit(ctx context.Context, suffix string, entries []*entry.Entry) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.target.Repl.ApplyInit(ctx, suffix, entries)
}

func (l *loopback) FetchRUV(_ context.Context, suffix string) (changelog.RUV, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.target.Repl.RUV(suffix), nil
}

func (l *loopback) CleanRUV(ctx context.Context, suffix string, replicaID uint16) error {
	if err := l.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.target.Repl.CleanLocalRUV(suffix, replicaID)
}

func (l *loopback) AbortCleanRUV(_ context.Context, suffix string, replicaID uint16) error {
	if err := l.check(); err != nil {
		return err
	}
	l.target.Repl.AbortLocalClean(suffix, replicaID)
	return nil
}

func (l *loopback) Ping(context.Context) error {
	return l.check()
}
