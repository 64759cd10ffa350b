// Package dn provides RFC 4514 distinguished name handling for the
// directory engine: canonical normalization, component extraction and
// ancestry tests.
//
// The canonical form used throughout the engine is lowercase attribute
// types, no whitespace around separators, and value case preserved:
//
//	Input:  "CN=Repl Check, Cn=Tasks , cn=config"
//	Output: "cn=Repl Check,cn=tasks,cn=config"
//
// Container DNs (cn=tasks,cn=config, cn=mapping tree,cn=config, ...) are
// part of the external contract, so normalization additionally lowercases
// values purely for map keying via Key; the stored entry keeps the DN as
// the client supplied it.
package dn

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Normalize parses a DN and reconstructs it in canonical form: lowercase
// attribute types, single-comma separators, value case preserved.
func Normalize(d string) (string, error) {
	d = strings.TrimSpace(d)
	if d == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(d)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	return joinRDNs(parsed, false), nil
}

// Key returns the case-folded form of a DN used as a map key. Attribute
// values in directory DNs compare case-insensitively (caseIgnore matching),
// so keys fold both types and values.
func Key(d string) (string, error) {
	d = strings.TrimSpace(d)
	if d == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(d)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	return joinRDNs(parsed, true), nil
}

func joinRDNs(parsed *ldap.DN, foldValues bool) string {
	rdns := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			value := attr.Value
			if foldValues {
				value = strings.ToLower(value)
			}
			attrs = append(attrs, strings.ToLower(attr.Type)+"="+EscapeValue(value))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}

// Validate reports whether the string is a syntactically valid DN.
func Validate(d string) error {
	if strings.TrimSpace(d) == "" {
		return fmt.Errorf("DN cannot be empty")
	}
	if _, err := ldap.ParseDN(d); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}
	return nil
}

// RDN returns the first (leftmost) RDN of the DN in canonical form.
func RDN(d string) (string, error) {
	parsed, err := ldap.ParseDN(d)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) == 0 {
		return "", fmt.Errorf("DN has no RDN: %s", d)
	}
	single := &ldap.DN{RDNs: parsed.RDNs[:1]}
	return joinRDNs(single, false), nil
}

// RDNValue extracts the value of the first RDN component with the given
// attribute type. Extracting "cn" from "cn=import,cn=tasks,cn=config"
// returns "import".
func RDNValue(d, attrType string) (string, error) {
	parsed, err := ldap.ParseDN(d)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	want := strings.ToLower(attrType)
	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.ToLower(attr.Type) == want {
				return attr.Value, nil
			}
		}
	}
	return "", fmt.Errorf("attribute type %q not found in DN %q", attrType, d)
}

// Parent returns the DN with its leftmost RDN removed, in canonical form.
// The parent of a single-RDN DN is the empty string (the root DSE).
func Parent(d string) (string, error) {
	parsed, err := ldap.ParseDN(d)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) <= 1 {
		return "", nil
	}
	rest := &ldap.DN{RDNs: parsed.RDNs[1:]}
	return joinRDNs(rest, false), nil
}

// Under reports whether child sits at or below base in the tree. Both
// arguments are compared in case-folded form.
func Under(child, base string) bool {
	childKey, err := Key(child)
	if err != nil {
		return false
	}
	baseKey, err := Key(base)
	if err != nil {
		return false
	}
	if childKey == baseKey {
		return true
	}
	return strings.HasSuffix(childKey, ","+baseKey)
}

// Join prepends an RDN to a base DN. Neither part is re-escaped; callers
// escape RDN values with EscapeValue.
func Join(rdn, base string) string {
	if base == "" {
		return rdn
	}
	return rdn + "," + base
}
