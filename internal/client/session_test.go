package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/result"
	"github.com/isometry/dirrepl/internal/tasks"
	"github.com/isometry/dirrepl/internal/topology"
)

const testSuffix = "dc=example,dc=com"

func newSession(t *testing.T) (*Session, *topology.Node) {
	t.Helper()
	n, err := topology.NewNode("standalone", 1, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(n.Close)
	require.NoError(t, n.CreateBackend("userRoot", testSuffix))
	return Open(n, zap.NewNop()), n
}

func TestExportThenImportRoundTrip(t *testing.T) {
	s, n := newSession(t)
	ctx := context.Background()

	require.NoError(t, n.Store.Add(entry.New("uid=alice,"+testSuffix, map[string][]string{
		"objectclass": {"top", "person"},
		"uid":         {"alice"},
		"cn":          {"alice"},
	})))

	file := filepath.Join(t.TempDir(), "userRoot.ldif")
	require.NoError(t, s.ExportLDIF(ctx, "userRoot", file, false))
	require.NoError(t, n.Store.Delete("uid=alice,"+testSuffix))
	require.NoError(t, s.ImportLDIF(ctx, "userRoot", file))

	_, err := n.Store.Get("uid=alice," + testSuffix)
	assert.NoError(t, err)
}

func TestReindexAllEnumeratesIndexDefinitions(t *testing.T) {
	s, n := newSession(t)
	ctx := context.Background()

	// Every default index definition must be picked up.
	require.NoError(t, s.ReindexAll(ctx, "userRoot"))

	// A backend without index definitions is a validation error before
	// any task exists.
	require.NoError(t, n.Store.Add(entry.New("cn=bare,cn=ldbm database,cn=plugins,cn=config", map[string][]string{
		"objectclass":    {"top", "nsBackendInstance"},
		"cn":             {"bare"},
		"nsslapd-suffix": {"dc=bare,dc=net"},
	})))
	err := s.ReindexAll(ctx, "bare")
	require.Error(t, err)
	assert.ErrorIs(t, err, result.ErrInvalidArgument)
}

func TestSynchronousFailureSurfacesTaskError(t *testing.T) {
	s, _ := newSession(t)

	err := s.ImportLDIF(context.Background(), "userRoot", "/nonexistent/input.ldif")
	require.Error(t, err)
	assert.ErrorIs(t, err, result.ErrTaskFailed)
}

func TestValidationFailureCreatesNoTask(t *testing.T) {
	s, _ := newSession(t)

	err := s.CleanAllRUV(context.Background(), "", 0, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, result.ErrInvalidArgument)
}

func TestAgreementManagement(t *testing.T) {
	topo := topology.New(zap.NewNop())
	t.Cleanup(topo.Close)
	for _, name := range []string{"supplier1", "supplier2"} {
		n, err := topo.AddNode(name)
		require.NoError(t, err)
		require.NoError(t, n.CreateBackend("userRoot", testSuffix))
	}
	_, err := topo.EnableReplication("supplier1", testSuffix, 1, replication.RoleSupplier)
	require.NoError(t, err)
	_, err = topo.EnableReplication("supplier2", testSuffix, 2, replication.RoleSupplier)
	require.NoError(t, err)
	_, err = topo.Connect("supplier1", "supplier2", testSuffix, replication.AgreementConfig{})
	require.NoError(t, err)

	first, _ := topo.Node("supplier1")
	s := Open(first, zap.NewNop()).WithTimeout(5 * time.Second)

	ags := s.Agreements(testSuffix)
	require.Len(t, ags, 1)
	assert.Equal(t, "to_supplier2", ags[0].Name())
	assert.Empty(t, ags[0].StripAttrs())

	require.NoError(t, s.SetStripAttrs(testSuffix, "to_supplier2", []string{"telephoneNumber"}))
	assert.Equal(t, []string{"telephoneNumber"}, ags[0].StripAttrs())
	cfg, err := s.Get(ags[0].ConfigDN())
	require.NoError(t, err)
	assert.Equal(t, "telephoneNumber", cfg.GetValue("nsds5replicastripattrs"))

	require.NoError(t, s.TestReplication(context.Background(), testSuffix, "to_supplier2", testSuffix))

	require.NoError(t, s.DeleteAgreement(testSuffix, "to_supplier2"))
	assert.Empty(t, s.Agreements(testSuffix))
}

func TestSubmitReturnsAsyncHandle(t *testing.T) {
	s, _ := newSession(t)

	h, err := s.Submit(tasks.SchemaReloadParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestWaitForTaskByDN(t *testing.T) {
	s, _ := newSession(t)
	ctx := context.Background()

	h, err := s.Submit(tasks.SchemaReloadParams{})
	require.NoError(t, err)

	code, err := s.WaitForTask(ctx, h.DN())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	// A reaped or never-created task entry counts as complete.
	code, err = s.WaitForTask(ctx, "cn=gone,"+tasks.TasksDN)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
