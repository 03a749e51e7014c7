// Package obsgen expands the observation template rows of a REDCap data
// dictionary into one copy per observation instance.
package obsgen

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"redcapaudit/internal/naming"
)

// HeaderField is the first column of a REDCap data dictionary header row.
const HeaderField = "Variable / Field Name"

// ErrNoTemplate is returned when the input never mentions the template instance.
var ErrNoTemplate = errors.New("no template references in input")

// Generator renames template rows for each requested instance.
type Generator struct {
	family *naming.Family
}

// New returns a generator for family.
func New(family *naming.Family) *Generator {
	return &Generator{family: family}
}

// Rename rewrites one cell for id: the template form name becomes id and
// every other "_template" field suffix becomes id's suffix.
func (g *Generator) Rename(cell string, id naming.ID) string {
	tpl := g.family.Template()
	cell = strings.ReplaceAll(cell, string(tpl), string(id))
	return strings.ReplaceAll(cell, "_"+naming.Suffix(tpl), "_"+naming.Suffix(id))
}

// Generate reads template rows from r and writes a copy per member to w.
// A leading data dictionary header is written once. members defaults to
// every derived instance and is written in family order.
func (g *Generator) Generate(w io.Writer, r io.Reader, members []naming.ID) error {
	if len(members) == 0 {
		members = g.family.Derived()
	}
	for _, id := range members {
		if !g.family.IsValid(id) || id == g.family.Template() {
			return fmt.Errorf("%w: %q is not a derived instance", naming.ErrConventionViolation, id)
		}
	}
	members = g.ordered(members)

	rd := csv.NewReader(r)
	rd.FieldsPerRecord = -1
	rows, err := rd.ReadAll()
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}

	var header []string
	if len(rows) > 0 && len(rows[0]) > 0 && strings.TrimPrefix(rows[0][0], "\ufeff") == HeaderField {
		header, rows = rows[0], rows[1:]
	}
	if !g.references(rows) {
		return ErrNoTemplate
	}

	cw := csv.NewWriter(w)
	if header != nil {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	for _, id := range members {
		for _, row := range rows {
			out := make([]string, len(row))
			for i, cell := range row {
				out[i] = g.Rename(cell, id)
			}
			if err := cw.Write(out); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func (g *Generator) ordered(members []naming.ID) []naming.ID {
	out := append([]naming.ID(nil), members...)
	pos := make(map[naming.ID]int, len(out))
	for _, id := range out {
		pos[id], _ = g.family.Position(id)
	}
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i]] < pos[out[j]] })
	return out
}

func (g *Generator) references(rows [][]string) bool {
	marker := "_" + naming.Suffix(g.family.Template())
	for _, row := range rows {
		for _, cell := range row {
			if strings.Contains(cell, marker) {
				return true
			}
		}
	}
	return false
}
