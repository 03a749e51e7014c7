// Package projector derives the expected definition of a family member from
// the template definition by suffix substitution.
//
// Projection is purely syntactic: every "_template" in attribute keys and
// values becomes "_{suffix}" for the target. The package never looks at
// scheduling, only at strings.
package projector

import (
	"fmt"
	"strings"

	"redcapaudit/internal/document"
	"redcapaudit/internal/naming"
)

// Mode selects how reverse substitution treats suffix tokens.
type Mode string

const (
	// Literal replaces every occurrence of the token as a raw substring.
	Literal Mode = "literal"
	// Boundary only replaces tokens that are not followed by an identifier
	// character, so "_1ab" is not read as "_1a" followed by "b".
	Boundary Mode = "boundary"
)

// ParseMode converts a config or flag value. Empty means Literal.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Literal:
		return Literal, nil
	case Boundary:
		return Boundary, nil
	}
	return "", fmt.Errorf("unknown projection mode %q (want literal or boundary)", s)
}

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == Boundary {
		return Literal
	}
	return Boundary
}

const (
	templateToken = "_" + naming.TemplateSuffix
	// displayToken is replaced in the human-readable Name attribute
	// ("Ob Template" -> "Ob 4a").
	displayToken = "Template"
)

// Projector maps template definitions and text onto a target instance.
type Projector interface {
	// Project returns a deep copy of tree with every "_template" token in
	// keys and values replaced for target.
	Project(tree *document.Record, target naming.ID) *document.Record
	// Text projects a single template string onto target.
	Text(s string, target naming.ID) string
	// Revert rewrites target suffix tokens in s back to "_template".
	Revert(s string, target naming.ID) string
	// Mode reports the substitution mode.
	Mode() Mode
}

// New returns a projector for mode.
func New(mode Mode) Projector {
	if mode == Boundary {
		return boundary{}
	}
	return literal{}
}

type literal struct{}

func (literal) Mode() Mode { return Literal }

func (literal) Text(s string, target naming.ID) string {
	return forward(s, target)
}

func (literal) Revert(s string, target naming.ID) string {
	suffix := naming.Suffix(target)
	if suffix == "" {
		return s
	}
	return strings.ReplaceAll(s, "_"+suffix, templateToken)
}

func (p literal) Project(tree *document.Record, target naming.ID) *document.Record {
	return project(tree, target)
}

type boundary struct{}

func (boundary) Mode() Mode { return Boundary }

func (boundary) Text(s string, target naming.ID) string {
	return forward(s, target)
}

func (boundary) Revert(s string, target naming.ID) string {
	suffix := naming.Suffix(target)
	if suffix == "" {
		return s
	}
	token := "_" + suffix

	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.Index(s, token)
		if i < 0 {
			b.WriteString(s)
			break
		}
		end := i + len(token)
		b.WriteString(s[:i])
		if end < len(s) && isIdentChar(s[end]) {
			b.WriteString(token)
		} else {
			b.WriteString(templateToken)
		}
		s = s[end:]
	}
	return b.String()
}

func (p boundary) Project(tree *document.Record, target naming.ID) *document.Record {
	return project(tree, target)
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func forward(s string, target naming.ID) string {
	suffix := naming.Suffix(target)
	if suffix == "" {
		return s
	}
	return strings.ReplaceAll(s, templateToken, "_"+suffix)
}

func project(tree *document.Record, target naming.ID) *document.Record {
	if tree == nil {
		return nil
	}
	suffix := naming.Suffix(target)

	out := tree.Clone()
	out.Walk(func(n *document.Record) {
		n.Text = forward(n.Text, target)
		attrs := make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			v = forward(v, target)
			if k == document.AttrName && suffix != "" && suffix != naming.TemplateSuffix {
				v = strings.ReplaceAll(v, displayToken, suffix)
			}
			attrs[forward(k, target)] = v
		}
		n.Attrs = attrs
	})
	return out
}
