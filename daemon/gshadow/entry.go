// Package gshadow reconciles the group shadow database (/etc/gshadow)
// against the groups and memberships the platform wants on this host.
package gshadow

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	mapset "github.com/deckarep/golang-set/v2"
)

// maxFields is the number of colon separated fields in a line.
const maxFields = 4

// Entry is one line of the group shadow file:
//
//	name:password:admins:members
type Entry struct {
	Name     string
	Password string
	Admins   []string
	Members  []string
}

// Parse reads a group shadow file. Duplicate group names, empty lines and
// lines with too many fields are errors: a file like that is treated as
// corrupt rather than guessed at.
func Parse(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		seen    = map[string]int{}
		lineNo  int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		e, err := parseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if prev, ok := seen[e.Name]; ok {
			return nil, fmt.Errorf("line %d: group %q already defined on line %d: %w", lineNo, e.Name, prev, cerrdefs.ErrInvalidArgument)
		}
		seen[e.Name] = lineNo
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Split(line, ":")
	if len(fields) > maxFields {
		return Entry{}, fmt.Errorf("expected at most %d fields, got %d: %w", maxFields, len(fields), cerrdefs.ErrInvalidArgument)
	}
	if fields[0] == "" {
		return Entry{}, fmt.Errorf("empty group name: %w", cerrdefs.ErrInvalidArgument)
	}
	field := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	return Entry{
		Name:     fields[0],
		Password: field(1),
		Admins:   splitList(field(2)),
		Members:  splitList(field(3)),
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Serialize renders entries in the given order.
func Serialize(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.Name)
		buf.WriteByte(':')
		buf.WriteString(e.Password)
		buf.WriteByte(':')
		buf.WriteString(strings.Join(e.Admins, ","))
		buf.WriteByte(':')
		buf.WriteString(strings.Join(e.Members, ","))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Validate checks that e can be written back without changing its meaning
// and that no user is both an administrator and a member of the group.
func (e Entry) Validate() error {
	if err := validateToken("group name", e.Name, ":,\n"); err != nil {
		return err
	}
	if e.Name == "" {
		return fmt.Errorf("empty group name: %w", cerrdefs.ErrInvalidArgument)
	}
	if err := validateToken("password", e.Password, ":\n"); err != nil {
		return fmt.Errorf("group %s: %w", e.Name, err)
	}
	for _, u := range append(append([]string(nil), e.Admins...), e.Members...) {
		if u == "" {
			return fmt.Errorf("group %s: empty user name: %w", e.Name, cerrdefs.ErrInvalidArgument)
		}
		if err := validateToken("user name", u, ":,\n"); err != nil {
			return fmt.Errorf("group %s: %w", e.Name, err)
		}
	}
	overlap := mapset.NewThreadUnsafeSet(e.Admins...).Intersect(mapset.NewThreadUnsafeSet(e.Members...))
	if overlap.Cardinality() != 0 {
		users := overlap.ToSlice()
		return fmt.Errorf("group %s: users %v are both administrators and members: %w", e.Name, sorted(users), cerrdefs.ErrInternal)
	}
	return nil
}

func validateToken(what, value, forbidden string) error {
	if strings.ContainsAny(value, forbidden) {
		return fmt.Errorf("%s %q contains one of %q: %w", what, value, forbidden, cerrdefs.ErrInvalidArgument)
	}
	return nil
}
