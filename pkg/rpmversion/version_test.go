package rpmversion

import (
	"math/big"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"
)

func TestParseSegments(t *testing.T) {
	testCases := []struct {
		in       string
		expected []Segment
	}{
		{in: "", expected: nil},
		{in: "1.0", expected: []Segment{{true, "1"}, {true, "0"}}},
		{in: "1.0a", expected: []Segment{{true, "1"}, {true, "0"}, {false, "a"}}},
		{in: "2.6.32-754.el6", expected: []Segment{{true, "2"}, {true, "6"}, {true, "32"}, {true, "754"}, {false, "el"}, {true, "6"}}},
		{in: "..1__b--", expected: []Segment{{true, "1"}, {false, "b"}}},
		{in: "alpha12beta", expected: []Segment{{false, "alpha"}, {true, "12"}, {false, "beta"}}},
		{in: "007", expected: []Segment{{true, "007"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			v := Parse(tc.in)
			assert.Check(t, is.DeepEqual(tc.expected, v.Segments()))
			assert.Check(t, is.Equal(tc.in, v.String()))
		})
	}
}

func TestCompare(t *testing.T) {
	testCases := []struct {
		a, b     string
		expected int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.0.1", -1},
		{"1.0.1", "1.0", 1},
		{"1.0a", "1.0.0", -1},
		{"1.0a", "1.0", 1},
		{"02", "1", 1},
		{"02", "2", 0},
		{"1.002", "1.2", 0},
		{"1_0", "1.0", 0},
		{"10", "9", 1},
		{"a", "b", -1},
		{"B", "a", -1},
		{"1.el7", "1.el8", -1},
		{"5.el7_9.1", "5.el7_9", 1},
		{"2.0", "2alpha", 1},
		{"0", "", 1},
		{"", "", 0},
		{"12345678901234567890123456789", "12345678901234567890123456788", 1},
		{"000000000000000000000000000001", "2", -1},
	}
	for _, tc := range testCases {
		assert.Check(t, is.Equal(tc.expected, CompareStrings(tc.a, tc.b)), "Compare(%q, %q)", tc.a, tc.b)
		assert.Check(t, is.Equal(-tc.expected, CompareStrings(tc.b, tc.a)), "Compare(%q, %q)", tc.b, tc.a)
	}
}

var versionString = rapid.StringMatching(`[0-9a-c._~-]{0,10}`)

func TestCompareAntisymmetric(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := versionString.Draw(t, "a")
		b := versionString.Draw(t, "b")
		if CompareStrings(a, b) != -CompareStrings(b, a) {
			t.Fatalf("Compare(%q, %q) is not antisymmetric", a, b)
		}
	})
}

func TestCompareTransitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := Parse(versionString.Draw(t, "a"))
		b := Parse(versionString.Draw(t, "b"))
		c := Parse(versionString.Draw(t, "c"))
		if Compare(a, b) <= 0 && Compare(b, c) <= 0 && Compare(a, c) > 0 {
			t.Fatalf("%q <= %q <= %q but %q > %q", a, b, c, a, c)
		}
	})
}

func TestCompareNumericMatchesBigInt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[0-9]{1,40}`).Draw(t, "a")
		b := rapid.StringMatching(`[0-9]{1,40}`).Draw(t, "b")
		x, _ := new(big.Int).SetString(a, 10)
		y, _ := new(big.Int).SetString(b, 10)
		if got, want := CompareStrings(a, b), x.Cmp(y); got != want {
			t.Fatalf("Compare(%q, %q) = %d, big.Int says %d", a, b, got, want)
		}
	})
}

func TestCompareExtraSegmentIsNewer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[0-9a-z]{1,4}(\.[0-9a-z]{1,4}){0,3}`).Draw(t, "base")
		extra := rapid.StringMatching(`[0-9]{1,3}|[a-z]{1,3}`).Draw(t, "extra")
		longer := base + "." + extra
		if CompareStrings(base, longer) >= 0 {
			t.Fatalf("expected %q < %q", base, longer)
		}
	})
}
