// Package rpmversion parses and orders package version and release strings
// the way rpm does: the string is split into alternating runs of digits and
// letters, and runs are compared pairwise.
package rpmversion

import "strings"

// Segment is a maximal run of digits or ASCII letters within a version string.
type Segment struct {
	Numeric bool
	Text    string
}

// Version is a parsed version or release string.
type Version struct {
	raw      string
	segments []Segment
}

// Parse splits s into segments. Any character that is not an ASCII letter or
// digit separates segments and is otherwise ignored.
func Parse(s string) Version {
	v := Version{raw: s}
	start := -1
	var numeric bool
	flush := func(end int) {
		if start >= 0 {
			v.segments = append(v.segments, Segment{Numeric: numeric, Text: s[start:end]})
			start = -1
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isDigit(c):
			if start >= 0 && !numeric {
				flush(i)
			}
			if start < 0 {
				start, numeric = i, true
			}
		case isAlpha(c):
			if start >= 0 && numeric {
				flush(i)
			}
			if start < 0 {
				start, numeric = i, false
			}
		default:
			flush(i)
		}
	}
	flush(len(s))
	return v
}

// String returns the original text the version was parsed from.
func (v Version) String() string {
	return v.raw
}

// Segments returns a copy of the parsed segments.
func (v Version) Segments() []Segment {
	return append([]Segment(nil), v.segments...)
}

// Compare returns -1, 0 or 1 depending on whether a sorts before, equal to,
// or after b.
func Compare(a, b Version) int {
	n := min(len(a.segments), len(b.segments))
	for i := 0; i < n; i++ {
		if c := compareSegment(a.segments[i], b.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.segments) < len(b.segments):
		return -1
	case len(a.segments) > len(b.segments):
		return 1
	default:
		return 0
	}
}

// CompareStrings parses both arguments and compares them.
func CompareStrings(a, b string) int {
	return Compare(Parse(a), Parse(b))
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	return Compare(v, other) < 0
}

// Equal reports whether v and other compare equal. Versions that differ only
// in separators or leading zeros are equal.
func (v Version) Equal(other Version) bool {
	return Compare(v, other) == 0
}

func compareSegment(a, b Segment) int {
	switch {
	case a.Numeric && b.Numeric:
		return compareNumeric(a.Text, b.Text)
	case a.Numeric:
		return 1
	case b.Numeric:
		return -1
	default:
		return strings.Compare(a.Text, b.Text)
	}
}

// compareNumeric compares two all-digit strings as unbounded integers.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
