package gshadow

import (
	"context"

	"github.com/moby/sys/user"
)

// DefaultGroupPath is the group database the default source reads.
const DefaultGroupPath = "/etc/group"

// DesiredSource supplies the groups the host should have, mapped to the
// users that should be members of each.
type DesiredSource interface {
	Groups(ctx context.Context) (map[string][]string, error)
}

// GroupFileSource takes the desired state from the local group database,
// which the group builder keeps converged with the platform.
type GroupFileSource struct {
	Path string
}

// Groups returns the members of every group in the group file.
func (s GroupFileSource) Groups(context.Context) (map[string][]string, error) {
	path := s.Path
	if path == "" {
		path = DefaultGroupPath
	}
	groups, err := user.ParseGroupFile(path)
	if err != nil {
		return nil, err
	}
	desired := make(map[string][]string, len(groups))
	for _, g := range groups {
		desired[g.Name] = g.List
	}
	return desired, nil
}

// StaticSource is a fixed desired state.
type StaticSource map[string][]string

// Groups returns s.
func (s StaticSource) Groups(context.Context) (map[string][]string, error) {
	return s, nil
}
