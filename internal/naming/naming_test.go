package naming

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFamily(t *testing.T) {
	f := DefaultFamily()

	members := f.Members()
	require.Len(t, members, 30)
	assert.Equal(t, ID("ob_template"), members[0])
	assert.Equal(t, ID("ob_0"), members[1])
	assert.Equal(t, ID("ob_1a"), members[2])
	assert.Equal(t, ID("ob_14b"), members[29])

	assert.Len(t, f.Scheduled(), 28)
	assert.Len(t, f.Derived(), 29)
	assert.Equal(t, ID("ob_template"), f.Template())
	assert.Equal(t, ID("ob_0"), f.Initial())
}

func TestNewFamily_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		suffixes []string
	}{
		{"empty prefix", "", []string{"0"}},
		{"prefix with underscore", "o_b", []string{"0"}},
		{"duplicate", "ob", []string{"1a", "1a"}},
		{"no half", "ob", []string{"5"}},
		{"bad half", "ob", []string{"5c"}},
		{"zero day", "ob", []string{"0a"}},
		{"leading zero", "ob", []string{"01a"}},
		{"not a number", "ob", []string{"xa"}},
		{"single letter", "ob", []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFamily(tt.prefix, tt.suffixes)
			assert.Error(t, err)
		})
	}
}

func TestIsValid_IsEnumerationNotPattern(t *testing.T) {
	f := MustFamily("ob", []string{"template", "0", "1a", "1b"})

	assert.True(t, f.IsValid("ob_1a"))
	assert.True(t, f.IsValid("ob_template"))
	// Well formed but not enumerated
	assert.False(t, f.IsValid("ob_2a"))
	assert.False(t, f.IsValid(""))
	assert.False(t, f.IsValid("blaa"))
	assert.False(t, f.IsValid("ob_5"))
}

func TestSuffix(t *testing.T) {
	assert.Equal(t, "3a", Suffix("ob_3a"))
	assert.Equal(t, "template", Suffix("ob_template"))
	assert.Equal(t, "0", Suffix("ob_0"))
	assert.Equal(t, "", Suffix("1a"))
	assert.Equal(t, "", Suffix(""))
}

func TestTimeOfDay(t *testing.T) {
	f := DefaultFamily()

	morning, err := f.IsMorning("ob_4a")
	require.NoError(t, err)
	assert.True(t, morning)

	afternoon, err := f.IsAfternoon("ob_4a")
	require.NoError(t, err)
	assert.False(t, afternoon)

	afternoon, err = f.IsAfternoon("ob_12b")
	require.NoError(t, err)
	assert.True(t, afternoon)

	half, err := f.TimeOfDay("ob_12b")
	require.NoError(t, err)
	assert.Equal(t, "afternoon", half.String())

	for _, id := range []ID{"ob_template", "ob_0", "ob_99a", ""} {
		_, err := f.IsMorning(id)
		assert.ErrorIs(t, err, ErrConventionViolation, "IsMorning(%q)", id)
		_, err = f.IsAfternoon(id)
		assert.ErrorIs(t, err, ErrConventionViolation, "IsAfternoon(%q)", id)
	}
}

func TestDayOffset(t *testing.T) {
	f := DefaultFamily()

	tests := map[ID]int{
		"ob_0":   0,
		"ob_1a":  1,
		"ob_2b":  2,
		"ob_10a": 10,
		"ob_14a": 14,
	}
	for id, want := range tests {
		got, err := f.DayOffset(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}

	for _, id := range []ID{"ob_template", "", "ob_5", "blaa"} {
		_, err := f.DayOffset(id)
		assert.ErrorIs(t, err, ErrConventionViolation, "DayOffset(%q)", id)
	}
}

func TestPreceding(t *testing.T) {
	f := DefaultFamily()

	tests := map[ID]ID{
		"ob_1a":  "ob_0",
		"ob_1b":  "ob_0",
		"ob_2a":  "ob_1a",
		"ob_2b":  "ob_1b",
		"ob_10b": "ob_9b",
		"ob_14a": "ob_13a",
	}
	for id, want := range tests {
		got, err := f.Preceding(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}

	for _, id := range []ID{"ob_0", "ob_template", "", "ob_5", "blaa"} {
		_, err := f.Preceding(id)
		assert.True(t, errors.Is(err, ErrConventionViolation), "Preceding(%q): %v", id, err)
	}
}

func TestPreceding_GapInEnumeration(t *testing.T) {
	f := MustFamily("ob", []string{"0", "1a", "3a"})
	_, err := f.Preceding("ob_3a")
	assert.ErrorIs(t, err, ErrConventionViolation)
}

// Every scheduled instance sits exactly one day after its predecessor,
// except day 1 which follows the initial instance.
func TestChainOrderProperty(t *testing.T) {
	f := DefaultFamily()

	for _, id := range f.Scheduled() {
		prev, err := f.Preceding(id)
		require.NoError(t, err, id)

		day, err := f.DayOffset(id)
		require.NoError(t, err)
		prevDay, err := f.DayOffset(prev)
		require.NoError(t, err)

		if id == "ob_1a" || id == "ob_1b" {
			assert.Equal(t, ID("ob_0"), prev)
			continue
		}
		assert.Equal(t, day-1, prevDay, "day(%s) vs day(%s)", prev, id)

		half, _ := f.TimeOfDay(id)
		prevHalf, _ := f.TimeOfDay(prev)
		assert.Equal(t, half, prevHalf, "%s and %s must share a chain", prev, id)
	}
}

func TestPosition(t *testing.T) {
	f := DefaultFamily()

	pos, err := f.Position("ob_template")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	a, _ := f.Position("ob_3a")
	b, _ := f.Position("ob_3b")
	c, _ := f.Position("ob_4a")
	assert.Less(t, a, b)
	assert.Less(t, b, c)

	_, err = f.Position("ob_99a")
	assert.ErrorIs(t, err, ErrConventionViolation)
}
