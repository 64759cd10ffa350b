package replication

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/result"
)

type cleanKey struct {
	suffixKey string
	replicaID uint16
}

type cleanState struct {
	cancel  context.CancelFunc
	aborted bool
}

// CleanAllRUV removes a retired replica ID from the update vector of
// this instance and every consumer reachable through the suffix's
// agreements. Without force the operation fails up front if any
// consumer is unreachable; with force unreachable consumers are skipped
// and cleaned on a best-effort basis.
func (m *Manager) CleanAllRUV(ctx context.Context, suffix string, replicaID uint16, force bool) error {
	suffixKey, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("cleanAllRUV", "bad suffix %q: %v", suffix, err)
	}

	m.mu.Lock()
	replica, ok := m.replicas[suffixKey]
	if !ok {
		m.mu.Unlock()
		return result.NoSuchObject("cleanAllRUV", suffix)
	}
	if replica.ID == replicaID {
		m.mu.Unlock()
		return result.InvalidArgument("cleanAllRUV", "refusing to clean this replica's own ID %d", replicaID)
	}
	key := cleanKey{suffixKey, replicaID}
	if _, running := m.cleans[key]; running {
		m.mu.Unlock()
		return result.AlreadyExists("cleanAllRUV", fmt.Sprintf("rid %d under %s", replicaID, suffix))
	}
	ctx, cancel := context.WithCancel(ctx)
	state := &cleanState{cancel: cancel}
	m.cleans[key] = state
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cleans, key)
		m.mu.Unlock()
	}()

	agreements := m.agreementsFor(suffixKey)

	// Reachability preflight. A strict clean must see the whole
	// topology before touching anything.
	var reachable []*Agreement
	for _, a := range agreements {
		if err := a.consumer.Ping(ctx); err != nil {
			if !force {
				return result.Transient("cleanAllRUV", fmt.Errorf("consumer of agreement %q unreachable: %w", a.Name(), err))
			}
			m.logger.Warn("skipping unreachable consumer",
				zap.String("agreement", a.Name()),
				zap.Uint16("replica_id", replicaID),
				zap.Error(err))
			continue
		}
		reachable = append(reachable, a)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range reachable {
		a := a
		g.Go(func() error {
			err := a.consumer.CleanRUV(gctx, suffix, replicaID)
			if err != nil && force {
				m.logger.Warn("best-effort clean failed",
					zap.String("agreement", a.Name()),
					zap.Uint16("replica_id", replicaID),
					zap.Error(err))
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if m.wasAborted(key) {
			return fmt.Errorf("cleanAllRUV of rid %d aborted", replicaID)
		}
		return fmt.Errorf("cleaning rid %d under %s: %w", replicaID, suffix, err)
	}
	if m.wasAborted(key) {
		return fmt.Errorf("cleanAllRUV of rid %d aborted", replicaID)
	}

	removed := m.store.Changelog().RemoveReplica(replicaID)
	m.logger.Info("replica ID cleaned",
		zap.String("suffix", suffix),
		zap.Uint16("replica_id", replicaID),
		zap.Int("local_changes_removed", removed))
	return nil
}

func (m *Manager) wasAborted(key cleanKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.cleans[key]
	return ok && state.aborted
}

// AbortCleanAllRUV cancels an in-flight clean of the replica ID and
// tells the suffix's consumers to abandon theirs. With certifyAll every
// consumer must acknowledge the abort; otherwise delivery is
// best-effort.
func (m *Manager) AbortCleanAllRUV(ctx context.Context, suffix string, replicaID uint16, certifyAll bool) error {
	suffixKey, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("abort cleanAllRUV", "bad suffix %q: %v", suffix, err)
	}

	m.mu.Lock()
	key := cleanKey{suffixKey, replicaID}
	if state, ok := m.cleans[key]; ok {
		state.aborted = true
		state.cancel()
	}
	m.mu.Unlock()

	agreements := m.agreementsFor(suffixKey)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agreements {
		a := a
		g.Go(func() error {
			err := a.consumer.AbortCleanRUV(gctx, suffix, replicaID)
			if err != nil && !certifyAll {
				m.logger.Warn("abort notification failed",
					zap.String("agreement", a.Name()),
					zap.Uint16("replica_id", replicaID),
					zap.Error(err))
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("aborting clean of rid %d under %s: %w", replicaID, suffix, err)
	}
	m.logger.Info("cleanAllRUV aborted",
		zap.String("suffix", suffix),
		zap.Uint16("replica_id", replicaID),
		zap.Bool("certify_all", certifyAll))
	return nil
}

// CleanLocalRUV is the consumer-side half of the protocol: drop the
// replica ID from the local changelog and update vector.
func (m *Manager) CleanLocalRUV(suffix string, replicaID uint16) error {
	suffixKey, err := dn.Key(suffix)
	if err != nil {
		return result.InvalidArgument("clean RUV", "bad suffix %q: %v", suffix, err)
	}
	m.mu.Lock()
	replica, ok := m.replicas[suffixKey]
	m.mu.Unlock()
	if !ok {
		return result.NoSuchObject("clean RUV", suffix)
	}
	if replica.ID == replicaID {
		return result.InvalidArgument("clean RUV", "refusing to clean this replica's own ID %d", replicaID)
	}
	m.store.Changelog().RemoveReplica(replicaID)
	return nil
}

// AbortLocalClean abandons a clean running on this instance.
func (m *Manager) AbortLocalClean(suffix string, replicaID uint16) {
	suffixKey, err := dn.Key(suffix)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.cleans[cleanKey{suffixKey, replicaID}]; ok {
		state.aborted = true
		state.cancel()
	}
}
