package replication

import (
	"context"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/entry"
)

// Consumer is the receiving side of a replication agreement. In-process
// topologies satisfy it with a loopback adapter over the peer's
// replication manager; a network transport would satisfy it over LDAP.
type Consumer interface {
	// SendChange delivers one change for the replicated suffix. Delivery
	// is idempotent on the receiving side: a change whose CSN the
	// consumer's RUV already covers is acknowledged without effect.
	SendChange(ctx context.Context, suffix string, c changelog.Change) error

	// SendInit replaces the consumer's suffix contents wholesale with a
	// full initialization transfer.
	SendInit(ctx context.Context, suffix string, entries []*entry.Entry) error

	// FetchRUV returns the consumer's replica update vector for the
	// suffix, used by probes and the RUV reconciler.
	FetchRUV(ctx context.Context, suffix string) (changelog.RUV, error)

	// CleanRUV removes a retired replica ID from the consumer's update
	// vector and changelog.
	CleanRUV(ctx context.Context, suffix string, replicaID uint16) error

	// AbortCleanRUV tells the consumer to abandon an in-flight clean of
	// the replica ID.
	AbortCleanRUV(ctx context.Context, suffix string, replicaID uint16) error

	// Ping checks reachability without transferring data.
	Ping(ctx context.Context) error
}
