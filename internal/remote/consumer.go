package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/replication"
)

// ruvFilter locates the RUV tombstone entry that replicated suffixes
// carry at their root.
const ruvFilter = "(&(nsuniqueid=ffffffff-ffffffff-ffffffff-ffffffff)(objectclass=nsTombstone))"

// Consumer speaks to a remote directory instance over LDAP. It
// implements the agreement consumer interface so remote and in-process
// peers are interchangeable.
type Consumer struct {
	pool   *Pool
	logger *zap.Logger
}

var _ replication.Consumer = (*Consumer)(nil)

// NewConsumer builds a consumer over an existing connection pool.
func NewConsumer(pool *Pool, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{pool: pool, logger: logger.Named("remote")}
}

// Close releases the underlying pool.
func (c *Consumer) Close() error { return c.pool.Close() }

// SendChange applies one change on the remote instance. Results that
// indicate the change already took effect are acknowledged, keeping
// delivery idempotent across reconnects.
func (c *Consumer) SendChange(ctx context.Context, suffix string, ch changelog.Change) error {
	return c.pool.withConn(ctx, func(conn *ldap.Conn) error {
		var err error
		switch ch.Type {
		case changelog.ChangeAdd:
			req := ldap.NewAddRequest(ch.DN, nil)
			for _, a := range ch.Entry.Attributes {
				req.Attribute(a.Name, a.Values)
			}
			err = conn.Add(req)
			if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
				return nil
			}
		case changelog.ChangeModify:
			req := ldap.NewModifyRequest(ch.DN, nil)
			for _, m := range ch.Mods {
				switch m.Type {
				case entry.ModAdd:
					req.Add(m.Name, m.Values)
				case entry.ModReplace:
					req.Replace(m.Name, m.Values)
				case entry.ModDelete:
					req.Delete(m.Name, m.Values)
				}
			}
			err = conn.Modify(req)
			if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
				return nil
			}
		case changelog.ChangeModifyDN:
			err = conn.ModifyDN(ldap.NewModifyDNRequest(ch.DN, ch.NewRDN, ch.DeleteOldRDN, ""))
		case changelog.ChangeDelete:
			err = conn.Del(ldap.NewDelRequest(ch.DN, nil))
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return nil
			}
		default:
			return fmt.Errorf("unsupported change type %v", ch.Type)
		}
		return err
	})
}

// SendInit replaces the remote suffix contents: existing entries below
// the suffix are removed leaf-first, then the snapshot is added
// parents-first.
func (c *Consumer) SendInit(ctx context.Context, suffix string, entries []*entry.Entry) error {
	return c.pool.withConn(ctx, func(conn *ldap.Conn) error {
		res, err := conn.Search(ldap.NewSearchRequest(
			suffix, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			"(objectclass=*)", []string{"1.1"}, nil,
		))
		if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return fmt.Errorf("enumerating %s: %w", suffix, err)
		}
		if res != nil {
			dns := make([]string, 0, len(res.Entries))
			for _, e := range res.Entries {
				dns = append(dns, e.DN)
			}
			// Children sort after parents by component count; delete in
			// reverse.
			sort.Slice(dns, func(i, j int) bool {
				return strings.Count(dns[i], ",") > strings.Count(dns[j], ",")
			})
			for _, d := range dns {
				if err := conn.Del(ldap.NewDelRequest(d, nil)); err != nil &&
					!ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
					return fmt.Errorf("clearing %s: %w", d, err)
				}
			}
		}
		for _, e := range entries {
			if e.Tombstone {
				continue
			}
			req := ldap.NewAddRequest(e.DN, nil)
			for _, a := range e.Attributes {
				req.Attribute(a.Name, a.Values)
			}
			if err := conn.Add(req); err != nil {
				return fmt.Errorf("initializing %s: %w", e.DN, err)
			}
		}
		c.logger.Info("remote consumer initialized",
			zap.String("suffix", suffix),
			zap.Int("entries", len(entries)))
		return nil
	})
}

// FetchRUV reads and parses the remote suffix's replica update vector.
func (c *Consumer) FetchRUV(ctx context.Context, suffix string) (changelog.RUV, error) {
	ruv := make(changelog.RUV)
	err := c.pool.withConn(ctx, func(conn *ldap.Conn) error {
		res, err := conn.Search(ldap.NewSearchRequest(
			suffix, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
			ruvFilter, []string{"nsds50ruv"}, nil,
		))
		if err != nil {
			return fmt.Errorf("reading RUV of %s: %w", suffix, err)
		}
		if len(res.Entries) == 0 {
			return nil
		}
		for _, v := range res.Entries[0].GetAttributeValues("nsds50ruv") {
			rid, maxCSN, ok := parseRUVElement(v)
			if ok {
				ruv[rid] = maxCSN
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ruv, nil
}

// parseRUVElement decodes one nsds50ruv value of the form
// "{replica 4 ldap://host:389} <mincsn> <maxcsn>". Elements without CSNs
// (never-written replicas, the replicageneration element) are skipped.
func parseRUVElement(v string) (uint16, csn.CSN, bool) {
	if !strings.HasPrefix(v, "{replica ") {
		return 0, csn.Zero, false
	}
	end := strings.IndexByte(v, '}')
	if end < 0 {
		return 0, csn.Zero, false
	}
	header := strings.Fields(v[1:end])
	if len(header) < 2 {
		return 0, csn.Zero, false
	}
	rid, err := strconv.ParseUint(header[1], 10, 16)
	if err != nil {
		return 0, csn.Zero, false
	}
	csns := strings.Fields(strings.TrimSpace(v[end+1:]))
	if len(csns) == 0 {
		return 0, csn.Zero, false
	}
	maxCSN, err := csn.Parse(csns[len(csns)-1])
	if err != nil {
		return 0, csn.Zero, false
	}
	return uint16(rid), maxCSN, true
}

// CleanRUV schedules a cleanAllRUV task on the remote instance and
// waits for it to finish.
func (c *Consumer) CleanRUV(ctx context.Context, suffix string, replicaID uint16) error {
	return c.runRemoteTask(ctx, "cn=cleanallruv,cn=tasks,cn=config", "cleanallruv_", map[string][]string{
		"replica-base-dn": {suffix},
		"replica-id":      {strconv.Itoa(int(replicaID))},
	})
}

// AbortCleanRUV schedules an abort task on the remote instance.
func (c *Consumer) AbortCleanRUV(ctx context.Context, suffix string, replicaID uint16) error {
	return c.runRemoteTask(ctx, "cn=abort cleanallruv,cn=tasks,cn=config", "abortcleanallruv_", map[string][]string{
		"replica-base-dn":     {suffix},
		"replica-id":          {strconv.Itoa(int(replicaID))},
		"replica-certify-all": {"no"},
	})
}

func (c *Consumer) runRemoteTask(ctx context.Context, container, prefix string, attrs map[string][]string) error {
	cn := prefix + time.Now().Format("01022006_150405") + "_" + uuid.NewString()[:8]
	taskDN := "cn=" + cn + "," + container

	err := c.pool.withConn(ctx, func(conn *ldap.Conn) error {
		req := ldap.NewAddRequest(taskDN, nil)
		req.Attribute("objectclass", []string{"top", "extensibleObject"})
		req.Attribute("cn", []string{cn})
		for name, values := range attrs {
			req.Attribute(name, values)
		}
		return conn.Add(req)
	})
	if err != nil {
		return fmt.Errorf("creating remote task %s: %w", taskDN, err)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var exitCode string
		var gone bool
		err := c.pool.withConn(ctx, func(conn *ldap.Conn) error {
			res, err := conn.Search(ldap.NewSearchRequest(
				taskDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
				"(objectclass=*)", []string{"nsTaskExitCode"}, nil,
			))
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				gone = true
				return nil
			}
			if err != nil {
				return err
			}
			if len(res.Entries) > 0 {
				exitCode = res.Entries[0].GetAttributeValue("nsTaskExitCode")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("polling remote task %s: %w", taskDN, err)
		}
		if gone {
			// Vanished task entries count as finished with unknown
			// outcome.
			return nil
		}
		if exitCode != "" {
			if exitCode != "0" {
				return fmt.Errorf("remote task %s exited with code %s", taskDN, exitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for remote task %s: %w", taskDN, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ping checks reachability with a root DSE read.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.pool.withConn(ctx, func(conn *ldap.Conn) error {
		_, err := conn.Search(ldap.NewSearchRequest(
			"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectclass=*)", []string{"vendorVersion"}, nil,
		))
		return err
	})
}
