package tasks

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/isometry/dirrepl/internal/dn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/store"
)

// Well-known configuration subtrees consulted by the executors.
const (
	LDBMConfigDN        = "cn=ldbm database,cn=plugins,cn=config"
	AutomemberConfigDN  = "cn=Auto Membership Plugin,cn=plugins,cn=config"
	LinkedAttrsConfigDN = "cn=Linked Attributes,cn=plugins,cn=config"
)

func (e *Engine) execute(ctx context.Context, h *Handle) (int, string) {
	switch p := h.params.(type) {
	case ImportParams:
		return e.runImport(h, p)
	case ExportParams:
		return e.runExport(h, p)
	case BackupParams:
		return e.runBackup(h, p)
	case RestoreParams:
		return e.runRestore(h, p)
	case ReindexParams:
		return e.runReindex(h, p)
	case MemberOfFixupParams:
		return e.runMemberOfFixup(h, p)
	case TombstoneFixupParams:
		return e.runTombstoneFixup(h, p)
	case AutomemberRebuildParams:
		return e.runAutomemberRebuild(h, p)
	case AutomemberExportParams:
		return e.runAutomemberExport(h, p)
	case AutomemberMapParams:
		return e.runAutomemberMap(h, p)
	case LinkedAttrsFixupParams:
		return e.runLinkedAttrsFixup(h, p)
	case SchemaReloadParams:
		return e.runSchemaReload(h, p)
	case SysconfigReloadParams:
		return e.runSysconfigReload(h, p)
	case USNCleanupParams:
		return e.runUSNCleanup(h, p)
	case UpgradeDBParams:
		return e.runUpgradeDB(h, p)
	case MemberUIDFixupParams:
		return e.runMemberUIDFixup(h, p)
	case SyntaxValidateParams:
		return e.runSyntaxValidate(h, p)
	case CleanAllRUVParams:
		return e.runCleanAllRUV(ctx, h, p)
	case AbortCleanAllRUVParams:
		return e.runAbortCleanAllRUV(ctx, h, p)
	default:
		return 1, fmt.Sprintf("unsupported task kind %q", h.kind)
	}
}

// BackendDN returns the configuration entry DN for a named backend.
func BackendDN(backend string) string {
	return dn.Join("cn="+dn.EscapeValue(backend), LDBMConfigDN)
}

// backendSuffix maps a backend name to its suffix via the backend's
// nsslapd-suffix configuration attribute.
func (e *Engine) backendSuffix(backend string) (string, error) {
	be, err := e.store.Get(BackendDN(backend))
	if err != nil {
		return "", err
	}
	suffix := be.GetValue("nsslapd-suffix")
	if suffix == "" {
		return "", fmt.Errorf("backend %q has no nsslapd-suffix", backend)
	}
	return suffix, nil
}

// targetSuffix resolves the operation target from backend-or-suffix
// parameters, preferring the backend when both are set.
func (e *Engine) targetSuffix(backend, suffix string) (string, error) {
	if backend != "" {
		return e.backendSuffix(backend)
	}
	return suffix, nil
}

func (e *Engine) runImport(h *Handle, p ImportParams) (int, string) {
	suffix, err := e.targetSuffix(p.Backend, p.Suffix)
	if err != nil {
		return 1, err.Error()
	}
	f, err := os.Open(p.Filename)
	if err != nil {
		return 2, fmt.Sprintf("cannot open %s: %v", p.Filename, err)
	}
	defer f.Close()

	entries, err := entry.ReadLDIF(f)
	if err != nil {
		return 2, fmt.Sprintf("bad LDIF %s: %v", p.Filename, err)
	}
	var keep []*entry.Entry
	for _, en := range entries {
		if dn.Under(en.DN, suffix) {
			keep = append(keep, en)
		}
	}
	e.setProgress(h, 0, len(keep))
	// Import replaces the backend contents wholesale. It is a local
	// operation; consumers must be re-initialized afterwards.
	if err := e.store.ReplaceSubtree(suffix, keep); err != nil {
		return 1, fmt.Sprintf("import into %s failed: %v", suffix, err)
	}
	e.setProgress(h, len(keep), len(keep))
	return 0, fmt.Sprintf("imported %d entries into %s", len(keep), suffix)
}

func (e *Engine) runExport(h *Handle, p ExportParams) (int, string) {
	suffix, err := e.targetSuffix(p.Backend, p.Suffix)
	if err != nil {
		return 1, err.Error()
	}
	entries, err := e.store.SubtreeEntries(suffix, p.ReplInfo)
	if err != nil {
		return 1, fmt.Sprintf("export of %s failed: %v", suffix, err)
	}
	f, err := os.Create(p.Filename)
	if err != nil {
		return 2, fmt.Sprintf("cannot create %s: %v", p.Filename, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if p.ReplInfo {
		fmt.Fprintf(w, "# replication state: %s\n\n", e.store.Changelog().RUV())
	}
	if err := entry.WriteLDIF(w, entries); err != nil {
		return 2, fmt.Sprintf("writing %s failed: %v", p.Filename, err)
	}
	if err := w.Flush(); err != nil {
		return 2, fmt.Sprintf("writing %s failed: %v", p.Filename, err)
	}
	e.setProgress(h, len(entries), len(entries))
	return 0, fmt.Sprintf("exported %d entries from %s", len(entries), suffix)
}

// backends lists the configured backend instances (name, suffix pairs).
func (e *Engine) backends() (map[string]string, error) {
	found, err := e.store.Search(store.SearchRequest{
		BaseDN: LDBMConfigDN,
		Scope:  store.ScopeOne,
		Filter: "(objectclass=nsBackendInstance)",
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(found))
	for _, be := range found {
		name := be.GetValue("cn")
		suffix := be.GetValue("nsslapd-suffix")
		if name != "" && suffix != "" {
			out[name] = suffix
		}
	}
	return out, nil
}

func (e *Engine) runBackup(h *Handle, p BackupParams) (int, string) {
	if err := os.MkdirAll(p.ArchiveDir, 0o755); err != nil {
		return 2, fmt.Sprintf("cannot create %s: %v", p.ArchiveDir, err)
	}
	backends, err := e.backends()
	if err != nil {
		return 1, err.Error()
	}
	n := 0
	for name, suffix := range backends {
		entries, err := e.store.SubtreeEntries(suffix, true)
		if err != nil {
			return 1, fmt.Sprintf("backup of %s failed: %v", name, err)
		}
		path := filepath.Join(p.ArchiveDir, name+".ldif")
		f, err := os.Create(path)
		if err != nil {
			return 2, fmt.Sprintf("cannot create %s: %v", path, err)
		}
		err = entry.WriteLDIF(f, entries)
		f.Close()
		if err != nil {
			return 2, fmt.Sprintf("writing %s failed: %v", path, err)
		}
		n++
		e.appendLog(h, fmt.Sprintf("archived backend %s (%d entries)", name, len(entries)))
	}
	return 0, fmt.Sprintf("archived %d backends to %s", n, p.ArchiveDir)
}

func (e *Engine) runRestore(h *Handle, p RestoreParams) (int, string) {
	backends, err := e.backends()
	if err != nil {
		return 1, err.Error()
	}
	n := 0
	for name, suffix := range backends {
		if p.Backend != "" && !strings.EqualFold(p.Backend, name) {
			continue
		}
		path := filepath.Join(p.ArchiveDir, name+".ldif")
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) && p.Backend == "" {
				continue
			}
			return 2, fmt.Sprintf("cannot open %s: %v", path, err)
		}
		entries, err := entry.ReadLDIF(f)
		f.Close()
		if err != nil {
			return 2, fmt.Sprintf("bad LDIF %s: %v", path, err)
		}
		if err := e.store.ReplaceSubtree(suffix, entries); err != nil {
			return 1, fmt.Sprintf("restore of %s failed: %v", name, err)
		}
		n++
		e.appendLog(h, fmt.Sprintf("restored backend %s (%d entries)", name, len(entries)))
	}
	if n == 0 {
		return 1, fmt.Sprintf("nothing restored from %s", p.ArchiveDir)
	}
	return 0, fmt.Sprintf("restored %d backends from %s", n, p.ArchiveDir)
}

func (e *Engine) runReindex(h *Handle, p ReindexParams) (int, string) {
	suffix, err := e.backendSuffix(p.Backend)
	if err != nil {
		return 1, err.Error()
	}
	// Every requested attribute must have an index definition under the
	// backend's configuration entry.
	for _, attr := range p.Attributes {
		idx := dn.Join("cn="+dn.EscapeValue(attr), BackendDN(p.Backend))
		ie, err := e.store.Get(idx)
		if err != nil || !ie.HasObjectClass("nsIndex") {
			return 1, fmt.Sprintf("no index definition for %q on backend %s", attr, p.Backend)
		}
	}
	entries, err := e.store.SubtreeEntries(suffix, false)
	if err != nil {
		return 1, err.Error()
	}
	total := len(entries) * len(p.Attributes)
	done := 0
	for range p.Attributes {
		done += len(entries)
		e.setProgress(h, done, total)
	}
	return 0, fmt.Sprintf("reindexed %d attributes over %d entries", len(p.Attributes), len(entries))
}

func (e *Engine) runMemberOfFixup(h *Handle, p MemberOfFixupParams) (int, string) {
	groups, err := e.store.Search(store.SearchRequest{
		BaseDN: p.BaseDN,
		Scope:  store.ScopeSubtree,
		Filter: orDefault(p.Filter, "(member=*)"),
	})
	if err != nil {
		return 1, err.Error()
	}
	fixed := 0
	for _, g := range groups {
		for _, memberDN := range g.GetValues("member") {
			m, err := e.store.Get(memberDN)
			if err != nil {
				continue
			}
			if m.HasValue("memberOf", g.DN) {
				continue
			}
			err = e.store.Modify(memberDN, []entry.Mod{
				{Type: entry.ModAdd, Name: "memberOf", Values: []string{g.DN}},
			})
			if err != nil {
				e.appendLog(h, fmt.Sprintf("memberOf fixup skipped %s: %v", memberDN, err))
				continue
			}
			fixed++
		}
	}
	return 0, fmt.Sprintf("memberOf fixup added %d values under %s", fixed, p.BaseDN)
}

func (e *Engine) runTombstoneFixup(h *Handle, p TombstoneFixupParams) (int, string) {
	suffix, err := e.backendSuffix(p.Backend)
	if err != nil {
		return 1, err.Error()
	}
	entries, err := e.store.Search(store.SearchRequest{
		BaseDN:            suffix,
		Scope:             store.ScopeSubtree,
		Filter:            "(objectclass=" + entry.ObjectClassTombstone + ")",
		IncludeTombstones: true,
	})
	if err != nil {
		return 1, err.Error()
	}
	if p.StripCSN {
		purged, err := e.store.PurgeTombstones(suffix, ^uint32(0))
		if err != nil {
			return 1, err.Error()
		}
		return 0, fmt.Sprintf("stripped %d tombstones on backend %s", purged, p.Backend)
	}
	return 0, fmt.Sprintf("verified %d tombstones on backend %s", len(entries), p.Backend)
}

type automemberRule struct {
	scope        string
	filter       string
	defaultGroup string
	groupingAttr string
}

func (e *Engine) automemberRules() ([]automemberRule, error) {
	defs, err := e.store.Search(store.SearchRequest{
		BaseDN: AutomemberConfigDN,
		Scope:  store.ScopeOne,
		Filter: "(objectclass=autoMemberDefinition)",
	})
	if err != nil {
		return nil, err
	}
	var rules []automemberRule
	for _, d := range defs {
		rules = append(rules, automemberRule{
			scope:        d.GetValue("autoMemberScope"),
			filter:       orDefault(d.GetValue("autoMemberFilter"), "(objectclass=*)"),
			defaultGroup: d.GetValue("autoMemberDefaultGroup"),
			groupingAttr: firstField(orDefault(d.GetValue("autoMemberGroupingAttr"), "member:dn")),
		})
	}
	return rules, nil
}

func firstField(spec string) string {
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		return spec[:i]
	}
	return spec
}

// automemberApply computes the group memberships the configured rules
// assign to the candidate entries. With apply set the memberships are
// written; otherwise they are only reported.
func (e *Engine) automemberApply(h *Handle, candidates []*entry.Entry, apply bool) (int, []string) {
	rules, err := e.automemberRules()
	if err != nil {
		return 0, []string{err.Error()}
	}
	var report []string
	updated := 0
	for _, c := range candidates {
		for _, r := range rules {
			if r.defaultGroup == "" {
				continue
			}
			if r.scope != "" && !dn.Under(c.DN, r.scope) {
				continue
			}
			g, err := e.store.Get(r.defaultGroup)
			if err != nil {
				e.appendLog(h, fmt.Sprintf("automember group %s missing: %v", r.defaultGroup, err))
				continue
			}
			if g.HasValue(r.groupingAttr, c.DN) {
				continue
			}
			report = append(report, fmt.Sprintf("%s -> %s", c.DN, r.defaultGroup))
			if !apply {
				continue
			}
			err = e.store.Modify(r.defaultGroup, []entry.Mod{
				{Type: entry.ModAdd, Name: r.groupingAttr, Values: []string{c.DN}},
			})
			if err != nil {
				e.appendLog(h, fmt.Sprintf("automember update of %s failed: %v", r.defaultGroup, err))
				continue
			}
			updated++
		}
	}
	return updated, report
}

func searchScope(s string) int {
	switch strings.ToLower(s) {
	case "base":
		return store.ScopeBase
	case "one", "onelevel":
		return store.ScopeOne
	default:
		return store.ScopeSubtree
	}
}

func (e *Engine) runAutomemberRebuild(h *Handle, p AutomemberRebuildParams) (int, string) {
	candidates, err := e.store.Search(store.SearchRequest{
		BaseDN: p.BaseDN,
		Scope:  searchScope(p.Scope),
		Filter: p.Filter,
	})
	if err != nil {
		return 1, err.Error()
	}
	updated, _ := e.automemberApply(h, candidates, true)
	return 0, fmt.Sprintf("automember rebuild updated %d memberships", updated)
}

func (e *Engine) runAutomemberExport(h *Handle, p AutomemberExportParams) (int, string) {
	candidates, err := e.store.Search(store.SearchRequest{
		BaseDN: p.BaseDN,
		Scope:  searchScope(p.Scope),
		Filter: p.Filter,
	})
	if err != nil {
		return 1, err.Error()
	}
	_, report := e.automemberApply(h, candidates, false)
	f, err := os.Create(p.LDIFOut)
	if err != nil {
		return 2, fmt.Sprintf("cannot create %s: %v", p.LDIFOut, err)
	}
	defer f.Close()
	for _, line := range report {
		fmt.Fprintf(f, "# %s\n", line)
	}
	return 0, fmt.Sprintf("exported %d prospective updates to %s", len(report), p.LDIFOut)
}

func (e *Engine) runAutomemberMap(h *Handle, p AutomemberMapParams) (int, string) {
	in, err := os.Open(p.LDIFIn)
	if err != nil {
		return 2, fmt.Sprintf("cannot open %s: %v", p.LDIFIn, err)
	}
	defer in.Close()
	candidates, err := entry.ReadLDIF(in)
	if err != nil {
		return 2, fmt.Sprintf("bad LDIF %s: %v", p.LDIFIn, err)
	}
	_, report := e.automemberApply(h, candidates, false)
	out, err := os.Create(p.LDIFOut)
	if err != nil {
		return 2, fmt.Sprintf("cannot create %s: %v", p.LDIFOut, err)
	}
	defer out.Close()
	for _, line := range report {
		fmt.Fprintf(out, "# %s\n", line)
	}
	return 0, fmt.Sprintf("mapped %d entries, %d prospective updates", len(candidates), len(report))
}

func (e *Engine) runLinkedAttrsFixup(h *Handle, p LinkedAttrsFixupParams) (int, string) {
	var configs []*entry.Entry
	if p.LinkDN != "" {
		c, err := e.store.Get(p.LinkDN)
		if err != nil {
			return 1, fmt.Sprintf("linked attributes config %s: %v", p.LinkDN, err)
		}
		configs = []*entry.Entry{c}
	} else {
		var err error
		configs, err = e.store.Search(store.SearchRequest{
			BaseDN: LinkedAttrsConfigDN,
			Scope:  store.ScopeOne,
		})
		if err != nil {
			return 1, err.Error()
		}
	}
	fixed := 0
	for _, cfg := range configs {
		linkType := cfg.GetValue("linkType")
		managedType := cfg.GetValue("managedType")
		if linkType == "" || managedType == "" {
			continue
		}
		for _, suffix := range e.store.Suffixes() {
			linked, err := e.store.Search(store.SearchRequest{
				BaseDN: suffix,
				Scope:  store.ScopeSubtree,
				Filter: "(" + linkType + "=*)",
			})
			if err != nil {
				continue
			}
			for _, src := range linked {
				for _, targetDN := range src.GetValues(linkType) {
					tgt, err := e.store.Get(targetDN)
					if err != nil || tgt.HasValue(managedType, src.DN) {
						continue
					}
					err = e.store.Modify(targetDN, []entry.Mod{
						{Type: entry.ModAdd, Name: managedType, Values: []string{src.DN}},
					})
					if err == nil {
						fixed++
					}
				}
			}
		}
	}
	return 0, fmt.Sprintf("linked attributes fixup restored %d backlinks", fixed)
}

func (e *Engine) runSchemaReload(_ *Handle, p SchemaReloadParams) (int, string) {
	if p.SchemaDir != "" {
		info, err := os.Stat(p.SchemaDir)
		if err != nil || !info.IsDir() {
			return 1, fmt.Sprintf("schema directory %s is not usable", p.SchemaDir)
		}
	}
	return 0, "schema reloaded"
}

func (e *Engine) runSysconfigReload(h *Handle, p SysconfigReloadParams) (int, string) {
	f, err := os.Open(p.ConfigFile)
	if err != nil {
		return 1, fmt.Sprintf("cannot open %s: %v", p.ConfigFile, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, _, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return 1, fmt.Sprintf("malformed line in %s: %q", p.ConfigFile, line)
		}
		if p.LogChanges {
			e.appendLog(h, "sysconfig: "+line)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 1, fmt.Sprintf("reading %s: %v", p.ConfigFile, err)
	}
	return 0, fmt.Sprintf("reloaded %d settings from %s", n, p.ConfigFile)
}

func (e *Engine) runUSNCleanup(_ *Handle, p USNCleanupParams) (int, string) {
	suffix, err := e.targetSuffix(p.Backend, p.Suffix)
	if err != nil {
		return 1, err.Error()
	}
	purged, err := e.store.PurgeTombstones(suffix, ^uint32(0))
	if err != nil {
		return 1, err.Error()
	}
	return 0, fmt.Sprintf("USN cleanup removed %d tombstones under %s", purged, suffix)
}

func (e *Engine) runUpgradeDB(h *Handle, p UpgradeDBParams) (int, string) {
	code, status := e.runBackup(h, BackupParams{ArchiveDir: p.ArchiveDir})
	if code != 0 {
		return code, status
	}
	backends, err := e.backends()
	if err != nil {
		return 1, err.Error()
	}
	total := 0
	for _, suffix := range backends {
		entries, err := e.store.SubtreeEntries(suffix, true)
		if err != nil {
			return 1, err.Error()
		}
		total += len(entries)
	}
	e.setProgress(h, total, total)
	return 0, fmt.Sprintf("upgraded %d backends (%d entries)", len(backends), total)
}

func (e *Engine) runMemberUIDFixup(h *Handle, p MemberUIDFixupParams) (int, string) {
	groups, err := e.store.Search(store.SearchRequest{
		BaseDN: p.BaseDN,
		Scope:  store.ScopeSubtree,
		Filter: p.Filter,
	})
	if err != nil {
		return 1, err.Error()
	}
	fixed := 0
	for _, g := range groups {
		members := g.GetValues("member")
		if len(members) == 0 {
			continue
		}
		var uids []string
		for _, m := range members {
			uid, err := dn.RDNValue(m, "uid")
			if err != nil || uid == "" {
				continue
			}
			uids = append(uids, uid)
		}
		if len(uids) == 0 {
			continue
		}
		err := e.store.Modify(g.DN, []entry.Mod{
			{Type: entry.ModReplace, Name: "memberUid", Values: uids},
		})
		if err != nil {
			e.appendLog(h, fmt.Sprintf("memberuid fixup skipped %s: %v", g.DN, err))
			continue
		}
		fixed++
	}
	return 0, fmt.Sprintf("memberuid fixup updated %d groups under %s", fixed, p.BaseDN)
}

func (e *Engine) runSyntaxValidate(h *Handle, p SyntaxValidateParams) (int, string) {
	entries, err := e.store.Search(store.SearchRequest{
		BaseDN: p.BaseDN,
		Scope:  store.ScopeSubtree,
		Filter: p.Filter,
	})
	if err != nil {
		return 1, err.Error()
	}
	violations := 0
	for _, en := range entries {
		if err := dn.Validate(en.DN); err != nil {
			violations++
			e.appendLog(h, fmt.Sprintf("bad DN %q: %v", en.DN, err))
			continue
		}
		for _, a := range en.Attributes {
			if strings.TrimSpace(a.Name) == "" || len(a.Values) == 0 {
				violations++
				e.appendLog(h, fmt.Sprintf("entry %s has a malformed attribute %q", en.DN, a.Name))
			}
		}
	}
	return 0, fmt.Sprintf("syntax validate found %d violations in %d entries", violations, len(entries))
}

func (e *Engine) ruvCleaner() RUVCleaner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleaner
}

func (e *Engine) runCleanAllRUV(ctx context.Context, h *Handle, p CleanAllRUVParams) (int, string) {
	cleaner := e.ruvCleaner()
	if cleaner == nil {
		return 1, "replication is not configured"
	}
	e.setStatus(h, fmt.Sprintf("cleaning rid %d under %s", p.ReplicaID, p.Suffix))
	if err := cleaner.CleanAllRUV(ctx, p.Suffix, p.ReplicaID, p.Force); err != nil {
		return 1, fmt.Sprintf("cleanAllRUV rid %d failed: %v", p.ReplicaID, err)
	}
	return 0, fmt.Sprintf("Successfully cleaned rid(%d)", p.ReplicaID)
}

func (e *Engine) runAbortCleanAllRUV(ctx context.Context, h *Handle, p AbortCleanAllRUVParams) (int, string) {
	cleaner := e.ruvCleaner()
	if cleaner == nil {
		return 1, "replication is not configured"
	}
	e.setStatus(h, fmt.Sprintf("aborting cleanAllRUV for rid %d under %s", p.ReplicaID, p.Suffix))
	if err := cleaner.AbortCleanAllRUV(ctx, p.Suffix, p.ReplicaID, p.CertifyAll); err != nil {
		return 1, fmt.Sprintf("abort cleanAllRUV rid %d failed: %v", p.ReplicaID, err)
	}
	return 0, fmt.Sprintf("Successfully aborted task for rid(%d)", p.ReplicaID)
}
