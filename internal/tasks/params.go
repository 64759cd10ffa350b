package tasks

import (
	"strconv"

	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
)

// Kind identifies a task operation.
type Kind int

const (
	KindImport Kind = iota
	KindExport
	KindBackup
	KindRestore
	KindReindex
	KindMemberOfFixup
	KindTombstoneFixup
	KindAutomemberRebuild
	KindAutomemberExport
	KindAutomemberMap
	KindLinkedAttrsFixup
	KindSchemaReload
	KindSysconfigReload
	KindUSNCleanup
	KindUpgradeDB
	KindMemberUIDFixup
	KindSyntaxValidate
	KindCleanAllRUV
	KindAbortCleanAllRUV
)

// Task entries are created under per-operation containers below
// cn=tasks,cn=config. The container names are part of the external
// contract and must match the directory server's layout exactly.
const TasksDN = "cn=tasks,cn=config"

var kindInfo = map[Kind]struct {
	name      string
	container string
	prefix    string
}{
	KindImport:            {"import", "cn=import," + TasksDN, "import_"},
	KindExport:            {"export", "cn=export," + TasksDN, "export_"},
	KindBackup:            {"backup", "cn=backup," + TasksDN, "backup_"},
	KindRestore:           {"restore", "cn=restore," + TasksDN, "restore_"},
	KindReindex:           {"reindex", "cn=index," + TasksDN, "index_"},
	KindMemberOfFixup:     {"memberOf fixup", "cn=memberOf task," + TasksDN, "fixupmemberof_"},
	KindTombstoneFixup:    {"tombstone fixup", "cn=fixup tombstones," + TasksDN, "fixupTombstone_"},
	KindAutomemberRebuild: {"automember rebuild", "cn=automember rebuild membership," + TasksDN, "task-"},
	KindAutomemberExport:  {"automember export", "cn=automember export updates," + TasksDN, "task-"},
	KindAutomemberMap:     {"automember map", "cn=automember map updates," + TasksDN, "task-"},
	KindLinkedAttrsFixup:  {"linked attributes fixup", "cn=fixup linked attributes," + TasksDN, "task-"},
	KindSchemaReload:      {"schema reload", "cn=schema reload task," + TasksDN, "schema_reload_"},
	KindSysconfigReload:   {"sysconfig reload", "cn=sysconfig reload," + TasksDN, "task-"},
	KindUSNCleanup:        {"USN tombstone cleanup", "cn=USN tombstone cleanup task," + TasksDN, "usn_cleanup_"},
	KindUpgradeDB:         {"upgrade DB", "cn=upgradedb," + TasksDN, "task-"},
	KindMemberUIDFixup:    {"memberuid fixup", "cn=memberuid task," + TasksDN, "task-"},
	KindSyntaxValidate:    {"syntax validate", "cn=syntax validate," + TasksDN, "task-"},
	KindCleanAllRUV:       {"cleanAllRUV", "cn=cleanallruv," + TasksDN, "cleanallruv_"},
	KindAbortCleanAllRUV:  {"abort cleanAllRUV", "cn=abort cleanallruv," + TasksDN, "abortcleanallruv_"},
}

func (k Kind) String() string    { return kindInfo[k].name }
func (k Kind) Container() string { return kindInfo[k].container }
func (k Kind) prefix() string    { return kindInfo[k].prefix }

// Params describes one task's operation-specific parameters. Validate is
// called before any task entry is created; a validation failure means no
// task state exists at all.
type Params interface {
	Kind() Kind
	Validate() error
	taskAttrs() []entry.Attribute
}

// backendScoped is implemented by parameter records whose execution must
// be serialized per backend.
type backendScoped interface {
	backendName() string
}

func attrsOf(pairs ...[2]string) []entry.Attribute {
	var out []entry.Attribute
	for _, p := range pairs {
		if p[1] != "" {
			out = append(out, entry.Attribute{Name: p[0], Values: []string{p[1]}})
		}
	}
	return out
}

// ImportParams drives an LDIF import into one backend. Either the backend
// name or the suffix must identify the target; the backend takes
// precedence when both are given.
type ImportParams struct {
	Backend  string // backend common name, e.g. "userRoot"
	Suffix   string // alternative to Backend
	Filename string // LDIF input file
}

func (ImportParams) Kind() Kind { return KindImport }

func (p ImportParams) Validate() error {
	if p.Backend == "" && p.Suffix == "" {
		return result.InvalidArgument("import task", "specify either backend or suffix")
	}
	if p.Filename == "" {
		return result.InvalidArgument("import task", "input file is mandatory")
	}
	return nil
}

func (p ImportParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"nsFilename", p.Filename},
		[2]string{"nsInstance", p.Backend},
		[2]string{"nsIncludeSuffix", p.Suffix},
	)
}

func (p ImportParams) backendName() string { return p.Backend }

// ExportParams drives an LDIF export of one backend. ReplInfo includes
// replication metadata (tombstones and the RUV) in the output.
type ExportParams struct {
	Backend  string
	Suffix   string
	Filename string
	ReplInfo bool
}

func (ExportParams) Kind() Kind { return KindExport }

func (p ExportParams) Validate() error {
	if p.Backend == "" && p.Suffix == "" {
		return result.InvalidArgument("export task", "specify either backend or suffix")
	}
	if p.Filename == "" {
		return result.InvalidArgument("export task", "output file is mandatory")
	}
	return nil
}

func (p ExportParams) taskAttrs() []entry.Attribute {
	attrs := attrsOf(
		[2]string{"nsFilename", p.Filename},
		[2]string{"nsInstance", p.Backend},
		[2]string{"nsIncludeSuffix", p.Suffix},
	)
	if p.ReplInfo {
		attrs = append(attrs, entry.Attribute{Name: "nsExportReplica", Values: []string{"true"}})
	}
	return attrs
}

func (p ExportParams) backendName() string { return p.Backend }

// BackupParams archives every backend as LDIF under ArchiveDir.
type BackupParams struct {
	ArchiveDir string
}

func (BackupParams) Kind() Kind { return KindBackup }

func (p BackupParams) Validate() error {
	if p.ArchiveDir == "" {
		return result.InvalidArgument("backup task", "backup directory is mandatory")
	}
	return nil
}

func (p BackupParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"nsArchiveDir", p.ArchiveDir},
		[2]string{"nsDatabaseType", "ldbm database"},
	)
}

// RestoreParams restores backends from a backup archive. With Backend set
// only that backend is restored.
type RestoreParams struct {
	ArchiveDir string
	Backend    string
}

func (RestoreParams) Kind() Kind { return KindRestore }

func (p RestoreParams) Validate() error {
	if p.ArchiveDir == "" {
		return result.InvalidArgument("restore task", "backup directory is mandatory")
	}
	return nil
}

func (p RestoreParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"nsArchiveDir", p.ArchiveDir},
		[2]string{"nsDatabaseType", "ldbm database"},
		[2]string{"nsInstance", p.Backend},
	)
}

func (p RestoreParams) backendName() string { return p.Backend }

// ReindexParams rebuilds indexes on a backend. Attributes lists the index
// names to rebuild; the all-attribute form is produced by the client from
// the backend's index definitions.
type ReindexParams struct {
	Backend    string
	Attributes []string
}

func (ReindexParams) Kind() Kind { return KindReindex }

func (p ReindexParams) Validate() error {
	if p.Backend == "" {
		return result.InvalidArgument("reindex task", "backend is mandatory")
	}
	if len(p.Attributes) == 0 {
		return result.InvalidArgument("reindex task", "at least one index attribute is required")
	}
	return nil
}

func (p ReindexParams) taskAttrs() []entry.Attribute {
	return []entry.Attribute{
		{Name: "nsIndexAttribute", Values: append([]string(nil), p.Attributes...)},
		{Name: "nsInstance", Values: []string{p.Backend}},
	}
}

func (p ReindexParams) backendName() string { return p.Backend }

// MemberOfFixupParams regenerates memberOf values under a base DN.
type MemberOfFixupParams struct {
	BaseDN string
	Filter string // defaults to the inetuser/inetadmin disjunction
}

func (MemberOfFixupParams) Kind() Kind { return KindMemberOfFixup }

func (p MemberOfFixupParams) Validate() error {
	if p.BaseDN == "" {
		return result.InvalidArgument("memberOf fixup task", "basedn is mandatory")
	}
	return nil
}

func (p MemberOfFixupParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"basedn", p.BaseDN},
		[2]string{"filter", p.Filter},
	)
}

// TombstoneFixupParams repairs tombstone entries on a backend. StripCSN
// additionally removes the per-tombstone CSN bookkeeping.
type TombstoneFixupParams struct {
	Backend  string
	StripCSN bool
}

func (TombstoneFixupParams) Kind() Kind { return KindTombstoneFixup }

func (p TombstoneFixupParams) Validate() error {
	if p.Backend == "" {
		return result.InvalidArgument("tombstone fixup task", "backend is mandatory")
	}
	return nil
}

func (p TombstoneFixupParams) taskAttrs() []entry.Attribute {
	attrs := attrsOf([2]string{"backend", p.Backend})
	if p.StripCSN {
		attrs = append(attrs, entry.Attribute{Name: "stripcsn", Values: []string{"yes"}})
	}
	return attrs
}

func (p TombstoneFixupParams) backendName() string { return p.Backend }

// AutomemberRebuildParams re-evaluates automember rules over matching
// entries and applies the resulting memberships.
type AutomemberRebuildParams struct {
	BaseDN string
	Filter string
	Scope  string // "base", "one" or "sub"
}

func (AutomemberRebuildParams) Kind() Kind { return KindAutomemberRebuild }

func (p AutomemberRebuildParams) Validate() error {
	if p.BaseDN == "" || p.Filter == "" {
		return result.InvalidArgument("automember rebuild task", "basedn and filter are mandatory")
	}
	return nil
}

func (p AutomemberRebuildParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"basedn", p.BaseDN},
		[2]string{"filter", p.Filter},
		[2]string{"scope", orDefault(p.Scope, "sub")},
	)
}

// AutomemberExportParams writes the changes an automember rebuild would
// make to an LDIF file without applying them.
type AutomemberExportParams struct {
	BaseDN  string
	Filter  string
	Scope   string
	LDIFOut string
}

func (AutomemberExportParams) Kind() Kind { return KindAutomemberExport }

func (p AutomemberExportParams) Validate() error {
	if p.LDIFOut == "" {
		return result.InvalidArgument("automember export task", "ldif output file is mandatory")
	}
	if p.BaseDN == "" || p.Filter == "" {
		return result.InvalidArgument("automember export task", "basedn and filter are mandatory")
	}
	return nil
}

func (p AutomemberExportParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"basedn", p.BaseDN},
		[2]string{"filter", p.Filter},
		[2]string{"scope", orDefault(p.Scope, "sub")},
		[2]string{"ldif", p.LDIFOut},
	)
}

// AutomemberMapParams runs entries from an input LDIF through the
// automember rules, writing the results to an output LDIF.
type AutomemberMapParams struct {
	LDIFIn  string
	LDIFOut string
}

func (AutomemberMapParams) Kind() Kind { return KindAutomemberMap }

func (p AutomemberMapParams) Validate() error {
	if p.LDIFIn == "" || p.LDIFOut == "" {
		return result.InvalidArgument("automember map task", "ldif_in and ldif_out are mandatory")
	}
	return nil
}

func (p AutomemberMapParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"ldif_in", p.LDIFIn},
		[2]string{"ldif_out", p.LDIFOut},
	)
}

// LinkedAttrsFixupParams repairs managed link attribute pairs. With
// LinkDN empty every linked-attributes configuration is checked.
type LinkedAttrsFixupParams struct {
	LinkDN string
}

func (LinkedAttrsFixupParams) Kind() Kind { return KindLinkedAttrsFixup }

func (LinkedAttrsFixupParams) Validate() error { return nil }

func (p LinkedAttrsFixupParams) taskAttrs() []entry.Attribute {
	return attrsOf([2]string{"linkdn", p.LinkDN})
}

// SchemaReloadParams reloads schema files, optionally from SchemaDir.
type SchemaReloadParams struct {
	SchemaDir string
}

func (SchemaReloadParams) Kind() Kind { return KindSchemaReload }

func (SchemaReloadParams) Validate() error { return nil }

func (p SchemaReloadParams) taskAttrs() []entry.Attribute {
	return attrsOf([2]string{"schemadir", p.SchemaDir})
}

// SysconfigReloadParams re-reads a sysconfig environment file.
type SysconfigReloadParams struct {
	ConfigFile string
	LogChanges bool
}

func (SysconfigReloadParams) Kind() Kind { return KindSysconfigReload }

func (p SysconfigReloadParams) Validate() error {
	if p.ConfigFile == "" {
		return result.InvalidArgument("sysconfig reload task", "configfile is mandatory")
	}
	return nil
}

func (p SysconfigReloadParams) taskAttrs() []entry.Attribute {
	attrs := attrsOf([2]string{"sysconfigfile", p.ConfigFile})
	if p.LogChanges {
		attrs = append(attrs, entry.Attribute{Name: "logchanges", Values: []string{"true"}})
	}
	return attrs
}

// USNCleanupParams purges USN tombstones on a suffix or backend.
type USNCleanupParams struct {
	Suffix  string
	Backend string
	MaxUSN  int
}

func (USNCleanupParams) Kind() Kind { return KindUSNCleanup }

func (p USNCleanupParams) Validate() error {
	if p.Suffix == "" && p.Backend == "" {
		return result.InvalidArgument("USN cleanup task", "either suffix or backend must be specified")
	}
	return nil
}

func (p USNCleanupParams) taskAttrs() []entry.Attribute {
	attrs := attrsOf(
		[2]string{"suffix", p.Suffix},
		[2]string{"backend", p.Backend},
	)
	if p.MaxUSN > 0 {
		attrs = append(attrs, entry.Attribute{Name: "maxusn_to_delete", Values: []string{strconv.Itoa(p.MaxUSN)}})
	}
	return attrs
}

func (p USNCleanupParams) backendName() string { return p.Backend }

// UpgradeDBParams archives then reindexes a database.
type UpgradeDBParams struct {
	ArchiveDir   string
	DatabaseType string
	ForceReindex bool
}

func (UpgradeDBParams) Kind() Kind { return KindUpgradeDB }

func (p UpgradeDBParams) Validate() error {
	if p.ArchiveDir == "" {
		return result.InvalidArgument("upgrade DB task", "archive directory is mandatory")
	}
	return nil
}

func (p UpgradeDBParams) taskAttrs() []entry.Attribute {
	attrs := attrsOf(
		[2]string{"nsArchiveDir", p.ArchiveDir},
		[2]string{"nsDatabaseType", orDefault(p.DatabaseType, "ldbm database")},
	)
	if p.ForceReindex {
		attrs = append(attrs, entry.Attribute{Name: "nsForceToReindex", Values: []string{"True"}})
	}
	return attrs
}

// MemberUIDFixupParams rebuilds memberUid values from member DNs on
// matching group entries.
type MemberUIDFixupParams struct {
	BaseDN string
	Filter string
}

func (MemberUIDFixupParams) Kind() Kind { return KindMemberUIDFixup }

func (p MemberUIDFixupParams) Validate() error {
	if p.BaseDN == "" || p.Filter == "" {
		return result.InvalidArgument("memberuid fixup task", "basedn and filter are mandatory")
	}
	return nil
}

func (p MemberUIDFixupParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"basedn", p.BaseDN},
		[2]string{"filter", p.Filter},
	)
}

// SyntaxValidateParams checks attribute syntax over matching entries.
type SyntaxValidateParams struct {
	BaseDN string
	Filter string
}

func (SyntaxValidateParams) Kind() Kind { return KindSyntaxValidate }

func (p SyntaxValidateParams) Validate() error {
	if p.BaseDN == "" || p.Filter == "" {
		return result.InvalidArgument("syntax validate task", "basedn and filter are mandatory")
	}
	return nil
}

func (p SyntaxValidateParams) taskAttrs() []entry.Attribute {
	return attrsOf(
		[2]string{"basedn", p.BaseDN},
		[2]string{"filter", p.Filter},
	)
}

// CleanAllRUVParams removes a decommissioned replica ID from the update
// vectors of every replica in the topology.
type CleanAllRUVParams struct {
	Suffix    string
	ReplicaID uint16
	Force     bool // proceed past unreachable consumers, best-effort
}

func (CleanAllRUVParams) Kind() Kind { return KindCleanAllRUV }

func (p CleanAllRUVParams) Validate() error {
	if p.ReplicaID == 0 {
		return result.InvalidArgument("cleanAllRUV task", "replica-id is mandatory")
	}
	if p.Suffix == "" {
		return result.InvalidArgument("cleanAllRUV task", "replica-base-dn is mandatory")
	}
	return nil
}

func (p CleanAllRUVParams) taskAttrs() []entry.Attribute {
	attrs := attrsOf(
		[2]string{"replica-base-dn", p.Suffix},
		[2]string{"replica-id", strconv.Itoa(int(p.ReplicaID))},
	)
	if p.Force {
		attrs = append(attrs, entry.Attribute{Name: "replica-force-cleaning", Values: []string{"yes"}})
	}
	return attrs
}

// AbortCleanAllRUVParams halts an in-flight cleanAllRUV. With CertifyAll
// the task waits for every replica to confirm the abort.
type AbortCleanAllRUVParams struct {
	Suffix     string
	ReplicaID  uint16
	CertifyAll bool
}

func (AbortCleanAllRUVParams) Kind() Kind { return KindAbortCleanAllRUV }

func (p AbortCleanAllRUVParams) Validate() error {
	if p.ReplicaID == 0 {
		return result.InvalidArgument("abort cleanAllRUV task", "replica-id is mandatory")
	}
	if p.Suffix == "" {
		return result.InvalidArgument("abort cleanAllRUV task", "replica-base-dn is mandatory")
	}
	return nil
}

func (p AbortCleanAllRUVParams) taskAttrs() []entry.Attribute {
	certify := "no"
	if p.CertifyAll {
		certify = "yes"
	}
	return attrsOf(
		[2]string{"replica-base-dn", p.Suffix},
		[2]string{"replica-id", strconv.Itoa(int(p.ReplicaID))},
		[2]string{"replica-certify-all", certify},
	)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
