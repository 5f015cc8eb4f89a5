package jail

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// Jail enables one protocol set. Ports, if set, replace the protocol's
// default ports.
type Jail struct {
	Protocol Protocol
	Ports    []string
}

// Desired is the jail configuration the host should run.
type Desired struct {
	Jails    []Jail
	IgnoreIP []string
	BanTime  time.Duration
	FindTime time.Duration
	MaxRetry int
}

// Wanted reports whether any jail is configured, and so whether the service
// should run at all.
func (d Desired) Wanted() bool {
	return len(d.Jails) > 0
}

const header = "# Generated by hostconverged. Local changes will be overwritten.\n"

var loopback = []string{"127.0.0.1/8", "::1"}

// Render produces the content of jail.local. The output only depends on the
// set of jails, not on their order.
func Render(d Desired) ([]byte, error) {
	jails := slices.Clone(d.Jails)
	slices.SortFunc(jails, func(a, b Jail) int {
		return strings.Compare(string(a.Protocol), string(b.Protocol))
	})

	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteString("\n[DEFAULT]\n")
	if d.BanTime > 0 {
		fmt.Fprintf(&buf, "bantime = %d\n", int64(d.BanTime/time.Second))
	}
	if d.FindTime > 0 {
		fmt.Fprintf(&buf, "findtime = %d\n", int64(d.FindTime/time.Second))
	}
	if d.MaxRetry > 0 {
		fmt.Fprintf(&buf, "maxretry = %d\n", d.MaxRetry)
	}
	ignore := slices.Clone(d.IgnoreIP)
	slices.Sort(ignore)
	ignore = slices.DeleteFunc(slices.Compact(ignore), func(s string) bool {
		return slices.Contains(loopback, s)
	})
	fmt.Fprintf(&buf, "ignoreip = %s\n", strings.Join(append(slices.Clone(loopback), ignore...), " "))

	for i, j := range jails {
		if i > 0 && jails[i-1].Protocol == j.Protocol {
			return nil, fmt.Errorf("jail %s configured more than once: %w", j.Protocol, cerrdefs.ErrInvalidArgument)
		}
		def, ok := definitions[j.Protocol]
		if !ok {
			return nil, fmt.Errorf("unknown jail protocol %q: %w", j.Protocol, cerrdefs.ErrInvalidArgument)
		}
		ports := def.ports
		if len(j.Ports) > 0 {
			ports = j.Ports
		}
		fmt.Fprintf(&buf, "\n[%s]\nenabled = true\n", def.section)
		fmt.Fprintf(&buf, "port = %s\n", strings.Join(ports, ","))
		fmt.Fprintf(&buf, "filter = %s\n", def.filter)
		if def.logPath != "" {
			fmt.Fprintf(&buf, "logpath = %s\n", def.logPath)
		}
		if def.backend != "" {
			fmt.Fprintf(&buf, "backend = %s\n", def.backend)
		}
	}
	return buf.Bytes(), nil
}
