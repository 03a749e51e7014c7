// Package naming resolves observation instance identifiers (ob_template,
// ob_0, ob_1a … ob_14b) to their place in the observation schedule.
//
// Identifiers form two parallel chains that both start at the initial
// instance: the morning chain 0 → 1a → 2a → … and the afternoon chain
// 0 → 1b → 2b → …. The template instance is never scheduled.
package naming

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrConventionViolation marks a call with an identifier outside the
// domain of the function. It is a bug in the caller, never a project defect.
var ErrConventionViolation = errors.New("naming convention violation")

const (
	// TemplateSuffix is the suffix of the canonical, unscheduled instance.
	TemplateSuffix = "template"
	// InitialSuffix is the suffix of the instance both chains start from.
	InitialSuffix = "0"
)

// ID is an instance identifier such as "ob_3a".
type ID string

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

// Suffix returns the part of an identifier after the first underscore.
// It returns "" when the identifier has no underscore.
func Suffix(id ID) string {
	_, suffix, ok := strings.Cut(string(id), "_")
	if !ok {
		return ""
	}
	return suffix
}

// TimeOfDay is the half of the day an observation belongs to.
type TimeOfDay int

const (
	Morning TimeOfDay = iota
	Afternoon
)

// String implements fmt.Stringer.
func (t TimeOfDay) String() string {
	if t == Afternoon {
		return "afternoon"
	}
	return "morning"
}

// Family is a closed, ordered enumeration of instance identifiers sharing a prefix.
type Family struct {
	prefix  string
	members []ID
	index   map[ID]int
	day     map[ID]int
	half    map[ID]TimeOfDay
}

// NewFamily builds a family from a prefix and an ordered list of suffixes.
// Each suffix must be "template", "0", or a positive day number followed by
// "a" or "b". Duplicates are rejected.
func NewFamily(prefix string, suffixes []string) (*Family, error) {
	if prefix == "" || strings.Contains(prefix, "_") {
		return nil, fmt.Errorf("invalid family prefix %q", prefix)
	}

	f := &Family{
		prefix:  prefix,
		members: make([]ID, 0, len(suffixes)),
		index:   make(map[ID]int, len(suffixes)),
		day:     make(map[ID]int, len(suffixes)),
		half:    make(map[ID]TimeOfDay, len(suffixes)),
	}

	for _, suffix := range suffixes {
		id := ID(prefix + "_" + suffix)
		if _, dup := f.index[id]; dup {
			return nil, fmt.Errorf("duplicate family member %s", id)
		}

		switch suffix {
		case TemplateSuffix:
		case InitialSuffix:
			f.day[id] = 0
		default:
			day, half, err := parseScheduled(suffix)
			if err != nil {
				return nil, err
			}
			f.day[id] = day
			f.half[id] = half
		}

		f.index[id] = len(f.members)
		f.members = append(f.members, id)
	}

	return f, nil
}

// parseScheduled splits "{day}{a|b}".
func parseScheduled(suffix string) (int, TimeOfDay, error) {
	if len(suffix) < 2 {
		return 0, 0, fmt.Errorf("invalid family suffix %q", suffix)
	}

	var half TimeOfDay
	switch suffix[len(suffix)-1] {
	case 'a':
		half = Morning
	case 'b':
		half = Afternoon
	default:
		return 0, 0, fmt.Errorf("invalid family suffix %q: must end in a or b", suffix)
	}

	digits := suffix[:len(suffix)-1]
	day, err := strconv.Atoi(digits)
	if err != nil || day < 1 || strconv.Itoa(day) != digits {
		return 0, 0, fmt.Errorf("invalid family suffix %q: day must be a positive integer", suffix)
	}
	return day, half, nil
}

// MustFamily is like NewFamily but panics on error.
func MustFamily(prefix string, suffixes []string) *Family {
	f, err := NewFamily(prefix, suffixes)
	if err != nil {
		panic(err)
	}
	return f
}

// DefaultFamily returns the "ob" family: template, 0, and 1a … 14b.
func DefaultFamily() *Family {
	suffixes := []string{TemplateSuffix, InitialSuffix}
	for day := 1; day <= 14; day++ {
		suffixes = append(suffixes, fmt.Sprintf("%da", day), fmt.Sprintf("%db", day))
	}
	return MustFamily("ob", suffixes)
}

// Prefix returns the family prefix, e.g. "ob".
func (f *Family) Prefix() string {
	return f.prefix
}

// ID builds the identifier for a suffix. The result is not necessarily a member.
func (f *Family) ID(suffix string) ID {
	return ID(f.prefix + "_" + suffix)
}

// Template returns the canonical template identifier.
func (f *Family) Template() ID {
	return f.ID(TemplateSuffix)
}

// Initial returns the identifier both chains originate from.
func (f *Family) Initial() ID {
	return f.ID(InitialSuffix)
}

// Members returns every identifier in declaration order.
func (f *Family) Members() []ID {
	return append([]ID(nil), f.members...)
}

// Derived returns every member except the template.
func (f *Family) Derived() []ID {
	out := make([]ID, 0, len(f.members))
	for _, id := range f.members {
		if id != f.Template() {
			out = append(out, id)
		}
	}
	return out
}

// Scheduled returns the members that belong to a chain (everything except
// the template and the initial instance).
func (f *Family) Scheduled() []ID {
	out := make([]ID, 0, len(f.members))
	for _, id := range f.members {
		if _, ok := f.half[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IsValid reports whether id is a member of the family.
func (f *Family) IsValid(id ID) bool {
	_, ok := f.index[id]
	return ok
}

// Position returns the index of id in declaration order.
func (f *Family) Position(id ID) (int, error) {
	pos, ok := f.index[id]
	if !ok {
		return 0, f.violation("Position", id, "not a family member")
	}
	return pos, nil
}

// TimeOfDay returns whether id is a morning or afternoon observation.
func (f *Family) TimeOfDay(id ID) (TimeOfDay, error) {
	if !f.IsValid(id) {
		return 0, f.violation("TimeOfDay", id, "not a family member")
	}
	half, ok := f.half[id]
	if !ok {
		return 0, f.violation("TimeOfDay", id, "has no time of day")
	}
	return half, nil
}

// IsMorning reports whether id ends in "a".
func (f *Family) IsMorning(id ID) (bool, error) {
	half, err := f.TimeOfDay(id)
	if err != nil {
		return false, err
	}
	return half == Morning, nil
}

// IsAfternoon reports whether id ends in "b".
func (f *Family) IsAfternoon(id ID) (bool, error) {
	half, err := f.TimeOfDay(id)
	if err != nil {
		return false, err
	}
	return half == Afternoon, nil
}

// DayOffset returns the calendar day of id: 0 for the initial instance,
// the numeric suffix otherwise. The template has no day.
func (f *Family) DayOffset(id ID) (int, error) {
	if !f.IsValid(id) {
		return 0, f.violation("DayOffset", id, "not a family member")
	}
	day, ok := f.day[id]
	if !ok {
		return 0, f.violation("DayOffset", id, "is never scheduled")
	}
	return day, nil
}

// Preceding returns the instance that comes immediately before id in its chain.
// Day 1 instances follow the initial instance; every later instance follows
// the previous day of the same half. Nothing precedes the initial instance.
func (f *Family) Preceding(id ID) (ID, error) {
	half, err := f.TimeOfDay(id)
	if err != nil {
		return "", f.violation("Preceding", id, "has no predecessor")
	}

	day := f.day[id]
	if day == 1 {
		if !f.IsValid(f.Initial()) {
			return "", f.violation("Preceding", id, "family has no initial instance")
		}
		return f.Initial(), nil
	}

	letter := "a"
	if half == Afternoon {
		letter = "b"
	}
	prev := f.ID(fmt.Sprintf("%d%s", day-1, letter))
	if !f.IsValid(prev) {
		return "", f.violation("Preceding", id, fmt.Sprintf("predecessor %s is not a family member", prev))
	}
	return prev, nil
}

func (f *Family) violation(op string, id ID, reason string) error {
	return fmt.Errorf("%w: %s(%q) %s", ErrConventionViolation, op, id, reason)
}
