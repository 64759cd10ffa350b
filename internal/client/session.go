// Package client provides a synchronous administrative API over a
// directory node: each call schedules the corresponding server task and
// waits for its outcome, the way command-line directory tooling does.
package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/store"
	"github.com/isometry/dirrepl/internal/tasks"
	"github.com/isometry/dirrepl/internal/topology"
)

// DefaultTimeout bounds how long a synchronous call waits for its task.
const DefaultTimeout = 2 * time.Minute

// Session is an administrative handle on one node.
type Session struct {
	node    *topology.Node
	timeout time.Duration
	logger  *zap.Logger
}

// Open creates a session on a node.
func Open(node *topology.Node, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		node:    node,
		timeout: DefaultTimeout,
		logger:  logger.Named("client"),
	}
}

// WithTimeout returns a session whose synchronous calls use the given
// wait bound.
func (s *Session) WithTimeout(d time.Duration) *Session {
	out := *s
	out.timeout = d
	return &out
}

// Submit schedules a task without waiting. The handle reports
// completion and the exit code.
func (s *Session) Submit(params tasks.Params) (*tasks.Handle, error) {
	return s.node.Tasks.Create(params)
}

// WaitForTask blocks until the task identified by DN completes, within
// the session timeout. Tasks scheduled through this node resolve to
// their live handle; anything else is observed through the task entry's
// nsTaskExitCode attribute, the way external clients poll. A task whose
// entry has vanished counts as complete with unknown outcome.
func (s *Session) WaitForTask(ctx context.Context, taskDN string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if h, ok := s.node.Tasks.Lookup(taskDN); ok {
		return h.Wait(ctx)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		te, err := s.node.Store.Get(taskDN)
		if err != nil {
			return 0, nil
		}
		if v := te.GetValue("nsTaskExitCode"); v != "" {
			code, _ := strconv.Atoi(v)
			if code != 0 {
				return code, result.TaskFailed("wait", taskDN, code)
			}
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for task %s: %w", taskDN, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runSync schedules a task and waits for it within the session timeout.
func (s *Session) runSync(ctx context.Context, params tasks.Params) error {
	h, err := s.node.Tasks.Create(params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = h.Wait(ctx)
	return err
}

// ImportLDIF loads an LDIF file into a backend, replacing its contents.
func (s *Session) ImportLDIF(ctx context.Context, backend, filename string) error {
	return s.runSync(ctx, tasks.ImportParams{Backend: backend, Filename: filename})
}

// ExportLDIF writes a backend to an LDIF file. With replInfo the export
// includes tombstones and replication state.
func (s *Session) ExportLDIF(ctx context.Context, backend, filename string, replInfo bool) error {
	return s.runSync(ctx, tasks.ExportParams{Backend: backend, Filename: filename, ReplInfo: replInfo})
}

// Backup archives every backend under archiveDir.
func (s *Session) Backup(ctx context.Context, archiveDir string) error {
	return s.runSync(ctx, tasks.BackupParams{ArchiveDir: archiveDir})
}

// Restore loads backends back from a backup archive.
func (s *Session) Restore(ctx context.Context, archiveDir string) error {
	return s.runSync(ctx, tasks.RestoreParams{ArchiveDir: archiveDir})
}

// Reindex rebuilds the named indexes on a backend.
func (s *Session) Reindex(ctx context.Context, backend string, attrs ...string) error {
	return s.runSync(ctx, tasks.ReindexParams{Backend: backend, Attributes: attrs})
}

// ReindexAll rebuilds every index defined on the backend. The index set
// is enumerated from the backend's nsIndex definitions before the task
// is created, so the task itself carries an explicit attribute list.
func (s *Session) ReindexAll(ctx context.Context, backend string) error {
	defs, err := s.node.Store.Search(store.SearchRequest{
		BaseDN: tasks.BackendDN(backend),
		Scope:  store.ScopeOne,
		Filter: "(objectclass=nsIndex)",
	})
	if err != nil {
		return err
	}
	var attrs []string
	for _, d := range defs {
		if cn := d.GetValue("cn"); cn != "" {
			attrs = append(attrs, cn)
		}
	}
	if len(attrs) == 0 {
		return result.InvalidArgument("reindex", "backend %q defines no indexes", backend)
	}
	return s.Reindex(ctx, backend, attrs...)
}

// FixupMemberOf regenerates memberOf values under baseDN.
func (s *Session) FixupMemberOf(ctx context.Context, baseDN, filter string) error {
	return s.runSync(ctx, tasks.MemberOfFixupParams{BaseDN: baseDN, Filter: filter})
}

// FixupTombstones repairs tombstones on a backend.
func (s *Session) FixupTombstones(ctx context.Context, backend string, stripCSN bool) error {
	return s.runSync(ctx, tasks.TombstoneFixupParams{Backend: backend, StripCSN: stripCSN})
}

// AutomemberRebuild re-applies automember rules to matching entries.
func (s *Session) AutomemberRebuild(ctx context.Context, baseDN, filter, scope string) error {
	return s.runSync(ctx, tasks.AutomemberRebuildParams{BaseDN: baseDN, Filter: filter, Scope: scope})
}

// AutomemberExport reports prospective automember updates to an LDIF
// file without applying them.
func (s *Session) AutomemberExport(ctx context.Context, baseDN, filter, scope, ldifOut string) error {
	return s.runSync(ctx, tasks.AutomemberExportParams{BaseDN: baseDN, Filter: filter, Scope: scope, LDIFOut: ldifOut})
}

// AutomemberMap runs entries from an input LDIF through the automember
// rules.
func (s *Session) AutomemberMap(ctx context.Context, ldifIn, ldifOut string) error {
	return s.runSync(ctx, tasks.AutomemberMapParams{LDIFIn: ldifIn, LDIFOut: ldifOut})
}

// FixupLinkedAttrs repairs managed link attribute pairs. An empty
// linkDN checks every linked-attributes configuration.
func (s *Session) FixupLinkedAttrs(ctx context.Context, linkDN string) error {
	return s.runSync(ctx, tasks.LinkedAttrsFixupParams{LinkDN: linkDN})
}

// SchemaReload reloads schema, optionally from a directory.
func (s *Session) SchemaReload(ctx context.Context, schemaDir string) error {
	return s.runSync(ctx, tasks.SchemaReloadParams{SchemaDir: schemaDir})
}

// SysconfigReload re-reads an environment file.
func (s *Session) SysconfigReload(ctx context.Context, configFile string, logChanges bool) error {
	return s.runSync(ctx, tasks.SysconfigReloadParams{ConfigFile: configFile, LogChanges: logChanges})
}

// USNCleanup purges USN tombstones on a suffix or backend.
func (s *Session) USNCleanup(ctx context.Context, suffix, backend string, maxUSN int) error {
	return s.runSync(ctx, tasks.USNCleanupParams{Suffix: suffix, Backend: backend, MaxUSN: maxUSN})
}

// UpgradeDB archives and reindexes the database.
func (s *Session) UpgradeDB(ctx context.Context, archiveDir string, force bool) error {
	return s.runSync(ctx, tasks.UpgradeDBParams{ArchiveDir: archiveDir, ForceReindex: force})
}

// FixupMemberUID rebuilds memberUid from member DNs on matching groups.
func (s *Session) FixupMemberUID(ctx context.Context, baseDN, filter string) error {
	return s.runSync(ctx, tasks.MemberUIDFixupParams{BaseDN: baseDN, Filter: filter})
}

// SyntaxValidate checks attribute syntax over matching entries.
func (s *Session) SyntaxValidate(ctx context.Context, baseDN, filter string) error {
	return s.runSync(ctx, tasks.SyntaxValidateParams{BaseDN: baseDN, Filter: filter})
}

// CleanAllRUV removes a retired replica ID across the topology.
func (s *Session) CleanAllRUV(ctx context.Context, suffix string, replicaID uint16, force bool) error {
	return s.runSync(ctx, tasks.CleanAllRUVParams{Suffix: suffix, ReplicaID: replicaID, Force: force})
}

// AbortCleanAllRUV halts an in-flight cleanAllRUV.
func (s *Session) AbortCleanAllRUV(ctx context.Context, suffix string, replicaID uint16, certifyAll bool) error {
	return s.runSync(ctx, tasks.AbortCleanAllRUVParams{Suffix: suffix, ReplicaID: replicaID, CertifyAll: certifyAll})
}
