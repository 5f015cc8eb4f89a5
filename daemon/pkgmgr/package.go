package pkgmgr

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/hostconverge/hostconverge/pkg/rpmversion"
)

// noneValue is what the query tool prints for an unset tag.
const noneValue = "(none)"

// queryFields is the number of fields per record in the query output.
const queryFields = 5

// Package is one installed rpm. Several packages may share a Name while a
// multilib or upgrade transaction leaves more than one variant installed.
type Package struct {
	Name    string
	Epoch   *int
	Version rpmversion.Version
	Release rpmversion.Version
	Arch    string // empty when the package has no architecture
}

// String returns the package in name-[epoch:]version-release[.arch] form,
// which is also what rpm accepts to address one exact variant.
func (p Package) String() string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteByte('-')
	if p.Epoch != nil {
		sb.WriteString(strconv.Itoa(*p.Epoch))
		sb.WriteByte(':')
	}
	sb.WriteString(p.Version.String())
	sb.WriteByte('-')
	sb.WriteString(p.Release.String())
	if p.Arch != "" {
		sb.WriteByte('.')
		sb.WriteString(p.Arch)
	}
	return sb.String()
}

// Compare orders packages by name, epoch, version, release and architecture.
// A missing epoch or architecture sorts before any present value.
func Compare(a, b Package) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := compareEpoch(a.Epoch, b.Epoch); c != 0 {
		return c
	}
	if c := rpmversion.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	if c := rpmversion.Compare(a.Release, b.Release); c != 0 {
		return c
	}
	return strings.Compare(a.Arch, b.Arch)
}

func compareEpoch(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return cmp.Compare(*a, *b)
	}
}

// identical reports whether a and b are the same installed record, field by
// field as the query tool printed them. Versions that only compare equal,
// such as 1.0 and 1.00, are distinct packages.
func identical(a, b Package) bool {
	return a.Name == b.Name &&
		compareEpoch(a.Epoch, b.Epoch) == 0 &&
		a.Version.String() == b.Version.String() &&
		a.Release.String() == b.Release.String() &&
		a.Arch == b.Arch
}

// compareRaw orders packages that Compare considers equal by their raw
// version text, so identical records end up next to each other.
func compareRaw(a, b Package) int {
	if c := Compare(a, b); c != 0 {
		return c
	}
	if c := strings.Compare(a.Version.String(), b.Version.String()); c != 0 {
		return c
	}
	return strings.Compare(a.Release.String(), b.Release.String())
}

// parseQueryOutput parses one package per line, each made of exactly five
// tab separated fields: name, epoch, version, release and arch. The result
// is sorted and identical records are dropped.
func parseQueryOutput(out []byte) ([]Package, error) {
	var pkgs []Package
	for i, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != queryFields {
			return nil, fmt.Errorf("package query line %d has %d fields, expected %d: %w", i+1, len(fields), queryFields, cerrdefs.ErrInternal)
		}
		p, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("package query line %d: %w", i+1, err)
		}
		pkgs = append(pkgs, p)
	}
	slices.SortFunc(pkgs, compareRaw)
	return slices.CompactFunc(pkgs, identical), nil
}

func parseRecord(fields []string) (Package, error) {
	p := Package{
		Name:    fields[0],
		Version: rpmversion.Parse(fields[2]),
		Release: rpmversion.Parse(fields[3]),
	}
	if p.Name == "" || fields[2] == "" || fields[3] == "" {
		return Package{}, fmt.Errorf("empty name, version or release in %q: %w", strings.Join(fields, " "), cerrdefs.ErrInvalidArgument)
	}
	if epoch := fields[1]; epoch != noneValue {
		n, err := strconv.Atoi(epoch)
		if err != nil {
			return Package{}, fmt.Errorf("package %s: invalid epoch %q: %w", p.Name, epoch, cerrdefs.ErrInvalidArgument)
		}
		p.Epoch = &n
	}
	if arch := fields[4]; arch != noneValue {
		p.Arch = arch
	}
	return p, nil
}
