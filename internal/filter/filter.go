// Package filter parses LDAP search filter strings and evaluates them
// against in-memory entries.
//
// The go-ldap library compiles filters to their BER wire form for sending
// to a remote server; it does not evaluate them, so matching is
// implemented here. The supported grammar is the subset the store and the
// maintenance tasks use: and/or/not, equality, presence and substring
// assertions, with caseIgnore semantics for both attribute names and
// values.
package filter

import (
	"fmt"
	"strings"

	"github.com/isometry/dirrepl/internal/entry"
)

// Filter is a compiled search filter.
type Filter struct {
	root node
}

type node interface {
	matches(e *entry.Entry) bool
}

type andNode struct{ children []node }
type orNode struct{ children []node }
type notNode struct{ child node }

type equalityNode struct {
	attr  string
	value string
}

type presenceNode struct{ attr string }

type substringNode struct {
	attr    string
	initial string
	any     []string
	final   string
}

// Parse compiles a filter string. The outermost parentheses are required,
// matching the wire grammar: "(objectclass=*)", "(&(a=1)(b=2))".
func Parse(s string) (*Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("filter: empty filter")
	}
	// Permit the common bare "attr=value" shorthand used by task
	// parameters ("objectclass=top").
	if !strings.HasPrefix(s, "(") {
		s = "(" + s + ")"
	}

	n, rest, err := parseNode(s)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("filter: trailing data %q", rest)
	}
	return &Filter{root: n}, nil
}

// MustParse is Parse for compile-time constant filters.
func MustParse(s string) *Filter {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Matches evaluates the filter against an entry.
func (f *Filter) Matches(e *entry.Entry) bool {
	return f.root.matches(e)
}

func parseNode(s string) (node, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, "", fmt.Errorf("filter: expected '(' at %q", s)
	}
	s = s[1:]
	if s == "" {
		return nil, "", fmt.Errorf("filter: unexpected end of input")
	}

	switch s[0] {
	case '&', '|':
		op := s[0]
		s = s[1:]
		var children []node
		for strings.HasPrefix(s, "(") {
			child, rest, err := parseNode(s)
			if err != nil {
				return nil, "", err
			}
			children = append(children, child)
			s = rest
		}
		if len(children) == 0 {
			return nil, "", fmt.Errorf("filter: empty composite")
		}
		rest, err := expectClose(s)
		if err != nil {
			return nil, "", err
		}
		if op == '&' {
			return &andNode{children: children}, rest, nil
		}
		return &orNode{children: children}, rest, nil

	case '!':
		child, rest, err := parseNode(s[1:])
		if err != nil {
			return nil, "", err
		}
		rest, err = expectClose(rest)
		if err != nil {
			return nil, "", err
		}
		return &notNode{child: child}, rest, nil

	default:
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return nil, "", fmt.Errorf("filter: missing ')' in %q", s)
		}
		n, err := parseAssertion(s[:end])
		if err != nil {
			return nil, "", err
		}
		return n, s[end+1:], nil
	}
}

func expectClose(s string) (string, error) {
	if !strings.HasPrefix(s, ")") {
		return "", fmt.Errorf("filter: expected ')' at %q", s)
	}
	return s[1:], nil
}

func parseAssertion(s string) (node, error) {
	idx := strings.IndexByte(s, '=')
	if idx <= 0 {
		return nil, fmt.Errorf("filter: malformed assertion %q", s)
	}
	attr, value := s[:idx], s[idx+1:]

	if value == "*" {
		return &presenceNode{attr: attr}, nil
	}
	if strings.Contains(value, "*") {
		parts := strings.Split(value, "*")
		n := &substringNode{
			attr:    attr,
			initial: parts[0],
			final:   parts[len(parts)-1],
		}
		for _, p := range parts[1 : len(parts)-1] {
			if p != "" {
				n.any = append(n.any, p)
			}
		}
		return n, nil
	}
	return &equalityNode{attr: attr, value: value}, nil
}

func (n *andNode) matches(e *entry.Entry) bool {
	for _, c := range n.children {
		if !c.matches(e) {
			return false
		}
	}
	return true
}

func (n *orNode) matches(e *entry.Entry) bool {
	for _, c := range n.children {
		if c.matches(e) {
			return true
		}
	}
	return false
}

func (n *notNode) matches(e *entry.Entry) bool {
	return !n.child.matches(e)
}

func (n *equalityNode) matches(e *entry.Entry) bool {
	return e.HasValue(n.attr, n.value)
}

func (n *presenceNode) matches(e *entry.Entry) bool {
	return e.HasAttribute(n.attr)
}

func (n *substringNode) matches(e *entry.Entry) bool {
	for _, v := range e.GetValues(n.attr) {
		if n.matchValue(strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func (n *substringNode) matchValue(v string) bool {
	if initial := strings.ToLower(n.initial); initial != "" {
		if !strings.HasPrefix(v, initial) {
			return false
		}
		v = v[len(initial):]
	}
	for _, mid := range n.any {
		mid = strings.ToLower(mid)
		i := strings.Index(v, mid)
		if i < 0 {
			return false
		}
		v = v[i+len(mid):]
	}
	final := strings.ToLower(n.final)
	return strings.HasSuffix(v, final)
}
