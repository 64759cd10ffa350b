// Package entry defines the directory entry model: a distinguished name,
// an ordered list of attributes whose values preserve insertion order, an
// objectclass set and tombstone/CSN metadata.
//
// Value order is load-bearing for replication convergence: replicas must
// agree not only on which values an attribute holds but on their order, so
// every mutation here is order-preserving.
package entry

import (
	"strings"

	"github.com/isometry/dirrepl/internal/csn"
	"github.com/isometry/dirrepl/internal/result"
)

// ObjectClassTombstone marks a soft-deleted entry awaiting purge.
const ObjectClassTombstone = "nsTombstone"

// Attribute is a named, ordered list of values. Names compare
// case-insensitively; values are stored exactly as supplied.
type Attribute struct {
	Name   string
	Values []string
}

// Entry is a directory entry. The zero value is not usable; construct with
// New.
type Entry struct {
	DN         string
	Attributes []Attribute

	// Tombstone is set by delete; tombstones are invisible to normal
	// searches and purged by maintenance tasks.
	Tombstone bool

	// CSN of the last mutation applied to this entry.
	CSN csn.CSN

	// DeleteCSN is the CSN of the delete that produced the tombstone.
	DeleteCSN csn.CSN

	// attrCSN records, per attribute name, the CSN of the last write
	// that touched it. Replay uses it to resolve concurrent modifies
	// attribute by attribute. Entries persist for removed attributes so
	// an older replayed write cannot resurrect them.
	attrCSN map[string]csn.CSN
}

// New creates an entry with the given DN and attribute map. Map iteration
// order is not significant for correctness at creation time, but callers
// that care about attribute order should use AddValues directly.
func New(dn string, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn}
	for name, values := range attrs {
		e.SetValues(name, values...)
	}
	return e
}

// StampAttr records c as the governing CSN for the named attribute,
// keeping the newer of c and any CSN already recorded.
func (e *Entry) StampAttr(name string, c csn.CSN) {
	key := strings.ToLower(name)
	if e.attrCSN == nil {
		e.attrCSN = make(map[string]csn.CSN)
	}
	if prev, ok := e.attrCSN[key]; !ok || prev.Less(c) {
		e.attrCSN[key] = c
	}
}

// StampAll records c for every attribute the entry currently holds.
func (e *Entry) StampAll(c csn.CSN) {
	for i := range e.Attributes {
		e.StampAttr(e.Attributes[i].Name, c)
	}
}

// AttrCSN returns the governing CSN recorded for the named attribute.
// The zero CSN means the attribute has never been written.
func (e *Entry) AttrCSN(name string) csn.CSN {
	return e.attrCSN[strings.ToLower(name)]
}

func (e *Entry) find(name string) int {
	for i := range e.Attributes {
		if strings.EqualFold(e.Attributes[i].Name, name) {
			return i
		}
	}
	return -1
}

// GetValues returns the values of the named attribute in stored order, or
// nil if the attribute is absent.
func (e *Entry) GetValues(name string) []string {
	if i := e.find(name); i >= 0 {
		return e.Attributes[i].Values
	}
	return nil
}

// GetValue returns the first value of the named attribute, or "".
func (e *Entry) GetValue(name string) string {
	values := e.GetValues(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// HasAttribute reports whether the named attribute is present with at
// least one value.
func (e *Entry) HasAttribute(name string) bool {
	return len(e.GetValues(name)) > 0
}

// HasValue reports whether the named attribute contains the value,
// compared case-insensitively (caseIgnore matching).
func (e *Entry) HasValue(name, value string) bool {
	for _, v := range e.GetValues(name) {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// HasObjectClass reports whether the entry carries the objectclass.
func (e *Entry) HasObjectClass(oc string) bool {
	return e.HasValue("objectclass", oc)
}

// SetValues replaces the named attribute's values, creating the attribute
// if absent and removing it when values is empty.
func (e *Entry) SetValues(name string, values ...string) {
	i := e.find(name)
	if len(values) == 0 {
		if i >= 0 {
			e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
		}
		return
	}
	if i >= 0 {
		e.Attributes[i].Values = append([]string(nil), values...)
		return
	}
	e.Attributes = append(e.Attributes, Attribute{Name: name, Values: append([]string(nil), values...)})
}

// AddValues appends values to the named attribute, preserving insertion
// order. Duplicate values (caseIgnore) are rejected.
func (e *Entry) AddValues(name string, values ...string) error {
	for _, v := range values {
		if e.HasValue(name, v) {
			return result.AlreadyExists("modify add", e.DN)
		}
		if i := e.find(name); i >= 0 {
			e.Attributes[i].Values = append(e.Attributes[i].Values, v)
		} else {
			e.Attributes = append(e.Attributes, Attribute{Name: name, Values: []string{v}})
		}
	}
	return nil
}

// DeleteValues removes the given values from the named attribute. With no
// values the whole attribute is removed. Removing a value or attribute
// that is not present is an error.
func (e *Entry) DeleteValues(name string, values ...string) error {
	i := e.find(name)
	if i < 0 {
		return result.NoSuchAttribute("modify delete", e.DN, name)
	}
	if len(values) == 0 {
		e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
		return nil
	}
	for _, v := range values {
		found := false
		kept := e.Attributes[i].Values[:0]
		for _, existing := range e.Attributes[i].Values {
			if !found && strings.EqualFold(existing, v) {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		if !found {
			return result.NoSuchAttribute("modify delete", e.DN, name)
		}
		e.Attributes[i].Values = kept
	}
	if len(e.Attributes[i].Values) == 0 {
		e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := &Entry{
		DN:        e.DN,
		Tombstone: e.Tombstone,
		CSN:       e.CSN,
		DeleteCSN: e.DeleteCSN,
	}
	c.Attributes = make([]Attribute, len(e.Attributes))
	for i, attr := range e.Attributes {
		c.Attributes[i] = Attribute{
			Name:   attr.Name,
			Values: append([]string(nil), attr.Values...),
		}
	}
	if e.attrCSN != nil {
		c.attrCSN = make(map[string]csn.CSN, len(e.attrCSN))
		for k, v := range e.attrCSN {
			c.attrCSN[k] = v
		}
	}
	return c
}
