package entry

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/dirrepl/internal/result"
)

func testEntry() *Entry {
	e := &Entry{DN: "uid=mmrepl_test,dc=example,dc=com"}
	e.SetValues("objectclass", "top", "person", "inetorgperson")
	e.SetValues("uid", "mmrepl_test")
	e.SetValues("cn", "mmrepl_test")
	e.SetValues("sn", "mmrepl_test")
	return e
}

func TestAttributeNamesCaseInsensitive(t *testing.T) {
	e := testEntry()
	assert.Equal(t, []string{"mmrepl_test"}, e.GetValues("UID"))
	assert.True(t, e.HasValue("ObjectClass", "PERSON"))
	assert.True(t, e.HasObjectClass("inetOrgPerson"))
}

func TestAddValuesPreservesInsertionOrder(t *testing.T) {
	e := testEntry()
	for i := 0; i < 10; i++ {
		require.NoError(t, e.AddValues("description", fmt.Sprintf("test%d", i)))
	}

	want := []string{"test0", "test1", "test2", "test3", "test4", "test5", "test6", "test7", "test8", "test9"}
	assert.Equal(t, want, e.GetValues("description"))
}

func TestAddDuplicateValueFails(t *testing.T) {
	e := testEntry()
	require.NoError(t, e.AddValues("mail", "mmrepl_test@redhat.com"))
	err := e.AddValues("mail", "MMRepl_Test@redhat.com")
	assert.ErrorIs(t, err, result.ErrAlreadyExists)
}

func TestDeleteValuesKeepsSurvivorOrder(t *testing.T) {
	e := testEntry()
	for i := 0; i < 10; i++ {
		require.NoError(t, e.AddValues("description", fmt.Sprintf("test%d", i)))
	}
	for _, name := range []string{"test0", "test4", "test7", "test9"} {
		require.NoError(t, e.DeleteValues("description", name))
	}

	want := []string{"test1", "test2", "test3", "test5", "test6", "test8"}
	assert.Equal(t, want, e.GetValues("description"))
}

func TestDeleteMissingValue(t *testing.T) {
	e := testEntry()
	err := e.DeleteValues("uid", "someone_else")
	assert.ErrorIs(t, err, result.ErrNoSuchAttribute)

	err = e.DeleteValues("mail")
	assert.ErrorIs(t, err, result.ErrNoSuchAttribute)
}

func TestDeleteLastValueRemovesAttribute(t *testing.T) {
	e := testEntry()
	require.NoError(t, e.AddValues("mail", "a@example.com"))
	require.NoError(t, e.DeleteValues("mail", "a@example.com"))
	assert.False(t, e.HasAttribute("mail"))
}

func TestApplyOrderedMods(t *testing.T) {
	e := testEntry()
	mods := []Mod{
		{Type: ModAdd, Name: "mail", Values: []string{"mmrepl_test@redhat.com"}},
		{Type: ModReplace, Name: "mail", Values: []string{"mmrepl_test@greenhat.com"}},
		{Type: ModDelete, Name: "mail", Values: []string{"mmrepl_test@greenhat.com"}},
	}
	require.NoError(t, e.Apply(mods))
	assert.False(t, e.HasAttribute("mail"))
}

func TestApplyFailureLeavesCloneUntouched(t *testing.T) {
	e := testEntry()
	work := e.Clone()
	err := work.Apply([]Mod{
		{Type: ModAdd, Name: "mail", Values: []string{"a@example.com"}},
		{Type: ModDelete, Name: "nonexistent"},
	})
	require.Error(t, err)

	var opErr *result.OperationError
	require.True(t, errors.As(err, &opErr))
	// The original entry never saw the partial application.
	assert.False(t, e.HasAttribute("mail"))
}

func TestCloneIsDeep(t *testing.T) {
	e := testEntry()
	c := e.Clone()
	require.NoError(t, c.AddValues("description", "only-on-clone"))
	c.SetValues("uid", "changed")

	assert.False(t, e.HasAttribute("description"))
	assert.Equal(t, "mmrepl_test", e.GetValue("uid"))
}

func TestLDIFRoundTrip(t *testing.T) {
	first := testEntry()
	require.NoError(t, first.AddValues("description", "line one", "line two"))
	second := &Entry{DN: "ou=people,dc=example,dc=com"}
	second.SetValues("objectclass", "top", "organizationalUnit")
	second.SetValues("ou", "people")
	second.SetValues("description", "value with\nnewline", "trailing ")

	var buf bytes.Buffer
	require.NoError(t, WriteLDIF(&buf, []*Entry{first, second}))

	parsed, err := ReadLDIF(&buf)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	assert.Equal(t, first.DN, parsed[0].DN)
	assert.Equal(t, first.GetValues("description"), parsed[0].GetValues("description"))
	assert.Equal(t, second.GetValues("description"), parsed[1].GetValues("description"))
}

func TestReadLDIFSkipsCommentsAndFoldsContinuations(t *testing.T) {
	in := strings.Join([]string{
		"# exported by backup task",
		"dn: dc=example,dc=com",
		"objectclass: top",
		"objectclass: domain",
		"description: a folded",
		"  value",
		"",
	}, "\n")

	entries, err := ReadLDIF(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a folded value", entries[0].GetValue("description"))
}

func TestReadLDIFRejectsRecordWithoutDN(t *testing.T) {
	_, err := ReadLDIF(strings.NewReader("objectclass: top\n"))
	assert.Error(t, err)
}
