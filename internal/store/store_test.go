package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/changelog"
	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/entry"
	"github.com/isometry/dirrepl/internal/result"
)

const testSuffix = "dc=example,dc=com"

func newTestStore(t *testing.T, replicaID uint16) *Store {
	t.Helper()
	s := New(csn.NewSequencer(replicaID), changelog.New(), zap.NewNop())
	require.NoError(t, s.AddSuffix(testSuffix))

	root := entry.New(testSuffix, map[string][]string{
		"objectclass": {"top", "domain"},
		"dc":          {"example"},
	})
	require.NoError(t, s.Add(root))
	return s
}

func personEntry(uid string) *entry.Entry {
	e := &entry.Entry{DN: fmt.Sprintf("uid=%s,%s", uid, testSuffix)}
	e.SetValues("objectclass", "top", "person", "organizationalPerson", "inetorgperson")
	e.SetValues("uid", uid)
	e.SetValues("cn", uid)
	e.SetValues("sn", uid)
	return e
}

func TestAddStampsCSNAndRecords(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("mmrepl_test")))

	got, err := s.Get("uid=mmrepl_test," + testSuffix)
	require.NoError(t, err)
	assert.False(t, got.CSN.IsZero())
	assert.Equal(t, uint16(101), got.CSN.ReplicaID)
	assert.Equal(t, 2, s.Changelog().Len()) // suffix root + person
}

func TestAddDuplicateFails(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("mmrepl_test")))

	err := s.Add(personEntry("mmrepl_test"))
	assert.ErrorIs(t, err, result.ErrAlreadyExists)
}

func TestAddWithoutParentFails(t *testing.T) {
	s := newTestStore(t, 101)
	e := personEntry("orphan")
	e.DN = "uid=orphan,ou=missing," + testSuffix

	err := s.Add(e)
	assert.ErrorIs(t, err, result.ErrNoSuchObject)
}

func TestAddReplacesTombstone(t *testing.T) {
	s := newTestStore(t, 101)
	target := "uid=mmrepl_test," + testSuffix
	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	require.NoError(t, s.Delete(target))

	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	got, err := s.Get(target)
	require.NoError(t, err)
	assert.False(t, got.Tombstone)
	assert.False(t, got.HasObjectClass(entry.ObjectClassTombstone))
}

func TestModifyCSNStrictlyIncreases(t *testing.T) {
	s := newTestStore(t, 101)
	target := "uid=mmrepl_test," + testSuffix
	require.NoError(t, s.Add(personEntry("mmrepl_test")))

	var prev csn.CSN
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Modify(target, []entry.Mod{
			{Type: entry.ModReplace, Name: "mail", Values: []string{fmt.Sprintf("m%d@example.com", i)}},
		}))
		got, err := s.Get(target)
		require.NoError(t, err)
		assert.True(t, prev.Less(got.CSN))
		prev = got.CSN
	}
}

func TestModifyIsAtomic(t *testing.T) {
	s := newTestStore(t, 101)
	target := "uid=mmrepl_test," + testSuffix
	require.NoError(t, s.Add(personEntry("mmrepl_test")))

	err := s.Modify(target, []entry.Mod{
		{Type: entry.ModAdd, Name: "mail", Values: []string{"a@example.com"}},
		{Type: entry.ModDelete, Name: "missing"},
	})
	require.ErrorIs(t, err, result.ErrNoSuchAttribute)

	got, err := s.Get(target)
	require.NoError(t, err)
	assert.False(t, got.HasAttribute("mail"), "failed modify must not leak partial state")
}

func TestModifyMissingEntry(t *testing.T) {
	s := newTestStore(t, 101)
	err := s.Modify("uid=ghost,"+testSuffix, []entry.Mod{
		{Type: entry.ModReplace, Name: "cn", Values: []string{"x"}},
	})
	assert.ErrorIs(t, err, result.ErrNoSuchObject)
}

func TestModifyDNDeleteOldRDN(t *testing.T) {
	tests := []struct {
		name         string
		deleteOldRDN bool
		wantOldValue bool
	}{
		{"delold removes old value", true, false},
		{"no delold keeps old value", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, 101)
			require.NoError(t, s.Add(personEntry("mmrepl_test")))

			require.NoError(t, s.ModifyDN("uid=mmrepl_test,"+testSuffix, "uid=newrdn", tt.deleteOldRDN))

			_, err := s.Get("uid=mmrepl_test," + testSuffix)
			assert.ErrorIs(t, err, result.ErrNoSuchObject)

			got, err := s.Get("uid=newrdn," + testSuffix)
			require.NoError(t, err)
			assert.True(t, got.HasValue("uid", "newrdn"))
			assert.Equal(t, tt.wantOldValue, got.HasValue("uid", "mmrepl_test"))
		})
	}
}

func TestModifyDNTargetExists(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("alpha")))
	require.NoError(t, s.Add(personEntry("beta")))

	err := s.ModifyDN("uid=alpha,"+testSuffix, "uid=beta", true)
	assert.ErrorIs(t, err, result.ErrAlreadyExists)
}

func TestDeleteMakesTombstone(t *testing.T) {
	s := newTestStore(t, 101)
	target := "uid=mmrepl_test," + testSuffix
	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	require.NoError(t, s.Delete(target))

	_, err := s.Get(target)
	assert.ErrorIs(t, err, result.ErrNoSuchObject)

	// Visible with tombstones included.
	entries, err := s.Search(SearchRequest{
		BaseDN:            testSuffix,
		Scope:             ScopeSubtree,
		Filter:            "(objectclass=nsTombstone)",
		IncludeTombstones: true,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tombstone)
	assert.False(t, entries[0].DeleteCSN.IsZero())

	// Deleting again is NoSuchObject.
	assert.ErrorIs(t, s.Delete(target), result.ErrNoSuchObject)
}

func TestDeleteNonLeafFails(t *testing.T) {
	s := newTestStore(t, 101)
	ou := entry.New("ou=people,"+testSuffix, map[string][]string{
		"objectclass": {"top", "organizationalUnit"},
		"ou":          {"people"},
	})
	require.NoError(t, s.Add(ou))
	child := personEntry("inner")
	child.DN = "uid=inner,ou=people," + testSuffix
	require.NoError(t, s.Add(child))

	err := s.Delete("ou=people," + testSuffix)
	assert.ErrorIs(t, err, result.ErrNotAllowedOnNonLeaf)
}

func TestSearchScopes(t *testing.T) {
	s := newTestStore(t, 101)
	ou := entry.New("ou=people,"+testSuffix, map[string][]string{
		"objectclass": {"top", "organizationalUnit"},
		"ou":          {"people"},
	})
	require.NoError(t, s.Add(ou))
	deep := personEntry("deep")
	deep.DN = "uid=deep,ou=people," + testSuffix
	require.NoError(t, s.Add(deep))
	require.NoError(t, s.Add(personEntry("shallow")))

	base, err := s.Search(SearchRequest{BaseDN: testSuffix, Scope: ScopeBase})
	require.NoError(t, err)
	assert.Len(t, base, 1)

	one, err := s.Search(SearchRequest{BaseDN: testSuffix, Scope: ScopeOne})
	require.NoError(t, err)
	assert.Len(t, one, 2) // ou=people and uid=shallow

	sub, err := s.Search(SearchRequest{BaseDN: testSuffix, Scope: ScopeSubtree})
	require.NoError(t, err)
	assert.Len(t, sub, 4)

	filtered, err := s.Search(SearchRequest{BaseDN: testSuffix, Scope: ScopeSubtree, Filter: "(uid=deep)"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "uid=deep,ou=people,"+testSuffix, filtered[0].DN)

	_, err = s.Search(SearchRequest{BaseDN: "o=missing", Scope: ScopeSubtree})
	assert.ErrorIs(t, err, result.ErrNoSuchObject)
}

func TestPurgeTombstones(t *testing.T) {
	s := newTestStore(t, 101)
	require.NoError(t, s.Add(personEntry("mmrepl_test")))
	require.NoError(t, s.Delete("uid=mmrepl_test,"+testSuffix))

	removed, err := s.PurgeTombstones(testSuffix, ^uint32(0))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.PurgeTombstones(testSuffix, ^uint32(0))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
