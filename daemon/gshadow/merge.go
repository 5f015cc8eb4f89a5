package gshadow

import (
	"fmt"
	"slices"

	cerrdefs "github.com/containerd/errdefs"
	mapset "github.com/deckarep/golang-set/v2"
)

// RootGroup must always be present in the file.
const RootGroup = "root"

// Merge converges the parsed file contents to desired, a map from group name
// to the wanted member list:
//
//   - groups in both keep their password and administrators; the member list
//     is replaced only if it differs as a set,
//   - groups only on disk are dropped,
//   - groups only in desired are added with an empty password and no
//     administrators, after the existing ones, sorted by name.
//
// The result must contain RootGroup and every entry must pass Validate.
func Merge(existing []Entry, desired map[string][]string) ([]Entry, error) {
	merged := make([]Entry, 0, len(desired))
	onDisk := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		onDisk[e.Name] = struct{}{}
		want, ok := desired[e.Name]
		if !ok {
			continue
		}
		if !sameSet(e.Members, want) {
			e = Entry{
				Name:     e.Name,
				Password: e.Password,
				Admins:   e.Admins,
				Members:  sorted(want),
			}
		}
		merged = append(merged, e)
	}

	var added []string
	for name := range desired {
		if _, ok := onDisk[name]; !ok {
			added = append(added, name)
		}
	}
	slices.Sort(added)
	for _, name := range added {
		merged = append(merged, Entry{Name: name, Members: sorted(desired[name])})
	}

	if !slices.ContainsFunc(merged, func(e Entry) bool { return e.Name == RootGroup }) {
		return nil, fmt.Errorf("refusing to write a group shadow file without the %s group: %w", RootGroup, cerrdefs.ErrInternal)
	}
	for _, e := range merged {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func sameSet(a, b []string) bool {
	return mapset.NewThreadUnsafeSet(a...).Equal(mapset.NewThreadUnsafeSet(b...))
}

// sorted returns a sorted, de-duplicated copy of s.
func sorted(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
