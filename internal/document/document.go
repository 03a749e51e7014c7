// Package document loads a REDCap project export (CDISC ODM XML with REDCap
// extensions) into an immutable, queryable index.
//
// Queries use etree path syntax relative to the ODM root, for example
// "./Study/MetaDataVersion/FormDef[@redcap:FormName='ob_3a']". Business keys
// that may contain quotes should be passed as Eq filters instead of being
// spliced into the path.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"redcapaudit/internal/logging"

	"github.com/beevik/etree"
)

var (
	// ErrNotFound is returned when a required record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when exactly one record was required but several matched.
	ErrAmbiguous = errors.New("ambiguous match")
	// ErrUnresolvedRef is returned when a *Ref element points at no definition.
	ErrUnresolvedRef = errors.New("unresolved reference")
)

// Filter is an attribute equality predicate evaluated after the path query.
type Filter struct {
	Key   string
	Value string
}

// Eq matches records whose qualified attribute key equals value.
func Eq(key, value string) Filter {
	return Filter{Key: key, Value: value}
}

func (f Filter) match(e *etree.Element) bool {
	for _, a := range e.Attr {
		if a.FullKey() == f.Key {
			return a.Value == f.Value
		}
	}
	return false
}

// Document is a parsed project export. It is safe for concurrent readers.
type Document struct {
	path string
	raw  []byte
	root *etree.Element

	forms  map[string][]*etree.Element
	groups map[string][]*etree.Element
	items  map[string][]*etree.Element

	paths sync.Map // string -> etree.Path
}

// Load reads and parses the export at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project export: %w", err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.path = path
	return doc, nil
}

// Parse parses an export held in memory.
func Parse(raw []byte) (*Document, error) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse project export: %w", err)
	}
	root := tree.Root()
	if root == nil {
		return nil, fmt.Errorf("parse project export: no root element")
	}

	d := &Document{
		raw:    raw,
		root:   root,
		forms:  indexByOID(root, PathForms),
		groups: indexByOID(root, PathItemGroups),
		items:  indexByOID(root, PathItems),
	}

	logging.Get(logging.CategoryDocument).Debug("indexed %d forms, %d item groups, %d items",
		len(d.forms), len(d.groups), len(d.items))
	return d, nil
}

func indexByOID(root *etree.Element, path string) map[string][]*etree.Element {
	idx := make(map[string][]*etree.Element)
	for _, e := range root.FindElements(path) {
		oid := e.SelectAttrValue("OID", "")
		idx[oid] = append(idx[oid], e)
	}
	return idx
}

// Path returns the file the document was loaded from, if any.
func (d *Document) Path() string {
	return d.path
}

// Raw returns the unparsed export bytes.
func (d *Document) Raw() []byte {
	return d.raw
}

// Digest returns the hex SHA-256 of the raw export.
func (d *Document) Digest() string {
	sum := sha256.Sum256(d.raw)
	return hex.EncodeToString(sum[:])
}

func (d *Document) compile(path string) (etree.Path, error) {
	if p, ok := d.paths.Load(path); ok {
		return p.(etree.Path), nil
	}
	p, err := etree.CompilePath(path)
	if err != nil {
		return etree.Path{}, fmt.Errorf("invalid path %q: %w", path, err)
	}
	d.paths.Store(path, p)
	return p, nil
}

func (d *Document) elements(path string, filters []Filter) ([]*etree.Element, error) {
	p, err := d.compile(path)
	if err != nil {
		return nil, err
	}
	var out []*etree.Element
	for _, e := range d.root.FindElementsPath(p) {
		if matchAll(e, filters) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matchAll(e *etree.Element, filters []Filter) bool {
	for _, f := range filters {
		if !f.match(e) {
			return false
		}
	}
	return true
}

// Find returns the first record matching path and filters, or nil.
// An invalid path also yields nil; callers needing the error use FindOne.
func (d *Document) Find(path string, filters ...Filter) *Record {
	els, err := d.elements(path, filters)
	if err != nil || len(els) == 0 {
		return nil
	}
	return toRecord(els[0])
}

// FindAll returns every record matching path and filters.
func (d *Document) FindAll(path string, filters ...Filter) []*Record {
	els, err := d.elements(path, filters)
	if err != nil {
		return nil
	}
	out := make([]*Record, len(els))
	for i, e := range els {
		out[i] = toRecord(e)
	}
	return out
}

// FindOne returns the single record matching path and filters.
func (d *Document) FindOne(path string, filters ...Filter) (*Record, error) {
	els, err := d.elements(path, filters)
	if err != nil {
		return nil, err
	}
	switch len(els) {
	case 0:
		return nil, fmt.Errorf("%w: %s%s", ErrNotFound, path, describe(filters))
	case 1:
		return toRecord(els[0]), nil
	default:
		return nil, fmt.Errorf("%w: %d records for %s%s", ErrAmbiguous, len(els), path, describe(filters))
	}
}

func describe(filters []Filter) string {
	s := ""
	for _, f := range filters {
		s += fmt.Sprintf("[%s=%q]", f.Key, f.Value)
	}
	return s
}

// toRecord converts an element and its descendants. Namespace declarations
// are dropped; every other attribute keeps its prefix.
func toRecord(e *etree.Element) *Record {
	r := &Record{
		Kind:  e.FullTag(),
		Attrs: attrsOf(e),
		Text:  e.Text(),
	}
	for _, c := range e.ChildElements() {
		r.Children = append(r.Children, toRecord(c))
	}
	return r
}

func attrsOf(e *etree.Element) map[string]string {
	attrs := make(map[string]string, len(e.Attr))
	for _, a := range e.Attr {
		if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
			continue
		}
		attrs[a.FullKey()] = a.Value
	}
	return attrs
}
