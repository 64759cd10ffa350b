package dn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "whitespace only",
			input:    "   ",
			expected: "",
		},
		{
			name:     "simple uppercase type",
			input:    "CN=import",
			expected: "cn=import",
		},
		{
			name:     "mixed case types",
			input:    "Cn=import,Cn=Tasks,Cn=config",
			expected: "cn=import,cn=Tasks,cn=config",
		},
		{
			name:     "spaces around separators",
			input:    "cn = import , cn = tasks , cn = config",
			expected: "cn=import,cn=tasks,cn=config",
		},
		{
			name:     "value case preserved",
			input:    "cn=USN tombstone cleanup task,cn=tasks,cn=config",
			expected: "cn=USN tombstone cleanup task,cn=tasks,cn=config",
		},
		{
			name:     "multi-valued RDN",
			input:    "CN=john+SN=doe,DC=example,DC=com",
			expected: "cn=john+sn=doe,dc=example,dc=com",
		},
		{
			name:     "escaped comma in value",
			input:    "cn=doe\\, john,dc=example,dc=com",
			expected: "cn=doe\\, john,dc=example,dc=com",
		},
		{
			name:    "invalid syntax",
			input:   "not-a-dn",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestKeyFoldsValues(t *testing.T) {
	a, err := Key("UID=MMRepl_Test,DC=Example,DC=Com")
	require.NoError(t, err)
	b, err := Key("uid=mmrepl_test,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestParentAndRDN(t *testing.T) {
	parent, err := Parent("cn=import,cn=tasks,cn=config")
	require.NoError(t, err)
	assert.Equal(t, "cn=tasks,cn=config", parent)

	parent, err = Parent("cn=config")
	require.NoError(t, err)
	assert.Equal(t, "", parent)

	rdn, err := RDN("cn=import,cn=tasks,cn=config")
	require.NoError(t, err)
	assert.Equal(t, "cn=import", rdn)

	val, err := RDNValue("cn=backup_08302026,cn=backup,cn=tasks,cn=config", "cn")
	require.NoError(t, err)
	assert.Equal(t, "backup_08302026", val)

	_, err = RDNValue("cn=x,dc=example,dc=com", "uid")
	assert.Error(t, err)
}

func TestUnder(t *testing.T) {
	tests := []struct {
		name  string
		child string
		base  string
		want  bool
	}{
		{"direct child", "uid=test,dc=example,dc=com", "dc=example,dc=com", true},
		{"deep descendant", "uid=test,ou=people,dc=example,dc=com", "dc=example,dc=com", true},
		{"same DN", "dc=example,dc=com", "dc=example,dc=com", true},
		{"case-insensitive", "UID=Test,DC=Example,DC=Com", "dc=example,dc=com", true},
		{"sibling suffix", "uid=test,o=test_repl", "dc=example,dc=com", false},
		{"suffix substring is not ancestry", "uid=test,dc=bexample,dc=com", "dc=example,dc=com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Under(tt.child, tt.base))
		})
	}
}

func TestEscapeValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "reindex", "reindex"},
		{"comma", "doe, john", "doe\\, john"},
		{"leading space", " task", "\\ task"},
		{"trailing space", "task ", "task\\ "},
		{"inner space untouched", "schema reload task", "schema reload task"},
		{"leading hash", "#1", "\\#1"},
		{"angle brackets", "a<b>c", "a\\<b\\>c"},
		{"backslash", "a\\b", "a\\\\b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := EscapeValue(tt.input)
			assert.Equal(t, tt.expected, escaped)
			assert.Equal(t, tt.input, UnescapeValue(escaped))
		})
	}
}

func TestUnescapeHexPair(t *testing.T) {
	assert.Equal(t, "a*b", UnescapeValue("a\\2ab"))
	assert.Equal(t, string(byte(0)), UnescapeValue("\\00"))
}
