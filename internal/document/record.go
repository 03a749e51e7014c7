package document

import (
	"sort"
	"strings"
)

// Record is one definition node: a kind, its attributes, optional text, and
// ordered children. Attribute keys are qualified the way the export writes
// them: "OID" for the default namespace, "redcap:FormName" for the REDCap
// extension namespace. The same local name may appear under both.
type Record struct {
	Kind     string
	Attrs    map[string]string
	Text     string
	Children []*Record
}

// NewRecord returns a record with a copy of attrs.
func NewRecord(kind string, attrs map[string]string) *Record {
	r := &Record{Kind: kind, Attrs: make(map[string]string, len(attrs))}
	for k, v := range attrs {
		r.Attrs[k] = v
	}
	return r
}

// Attr returns the value of key, or "" when absent.
func (r *Record) Attr(key string) string {
	if r == nil {
		return ""
	}
	return r.Attrs[key]
}

// Lookup returns the value of key and whether it was present.
func (r *Record) Lookup(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.Attrs[key]
	return v, ok
}

// Keys returns the attribute keys in sorted order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Child returns the first direct child of the given kind.
func (r *Record) Child(kind string) *Record {
	for _, c := range r.Children {
		if c.Kind == kind {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy of the record tree.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := NewRecord(r.Kind, r.Attrs)
	out.Text = r.Text
	if r.Children != nil {
		out.Children = make([]*Record, len(r.Children))
		for i, c := range r.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Walk calls fn for r and every descendant, depth first.
func (r *Record) Walk(fn func(*Record)) {
	if r == nil {
		return
	}
	fn(r)
	for _, c := range r.Children {
		c.Walk(fn)
	}
}

// Contains reports whether any attribute key, value, or text in the tree
// contains substr.
func (r *Record) Contains(substr string) bool {
	found := false
	r.Walk(func(n *Record) {
		if found {
			return
		}
		if strings.Contains(n.Text, substr) {
			found = true
			return
		}
		for k, v := range n.Attrs {
			if strings.Contains(k, substr) || strings.Contains(v, substr) {
				found = true
				return
			}
		}
	})
	return found
}
