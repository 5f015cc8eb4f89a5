// Package hostinfo identifies the host operating system release so builders
// can declare which hosts they know how to converge.
package hostinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
)

// OS identifies a distribution and major release, for example "rocky-9".
type OS string

const (
	CentOS5 OS = "centos-5"
	CentOS7 OS = "centos-7"
	Rocky8  OS = "rocky-8"
	Rocky9  OS = "rocky-9"
)

var (
	// operatingSystemReleaseFile is the path to the os-release file; it can be
	// overridden in tests.
	operatingSystemReleaseFile = "/etc/os-release"

	// redhatReleaseFile is consulted on hosts old enough to lack os-release.
	redhatReleaseFile = "/etc/redhat-release"
)

// Detect returns the OS of the running host.
func Detect() (OS, error) {
	b, err := os.ReadFile(operatingSystemReleaseFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		return detectRedhatRelease()
	}
	return parseOSRelease(b)
}

// Parse validates s as an OS identifier of the form "<id>-<major>".
func Parse(s string) (OS, error) {
	id, major, ok := strings.Cut(s, "-")
	if !ok || id == "" || major == "" {
		return "", fmt.Errorf("invalid os %q, expected <id>-<major>: %w", s, cerrdefs.ErrInvalidArgument)
	}
	return OS(strings.ToLower(s)), nil
}

func parseOSRelease(b []byte) (OS, error) {
	var id, versionID string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			id = strings.ToLower(value)
		case "VERSION_ID":
			versionID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if id == "" || versionID == "" {
		return "", fmt.Errorf("%s: missing ID or VERSION_ID: %w", operatingSystemReleaseFile, cerrdefs.ErrInvalidArgument)
	}
	major, _, _ := strings.Cut(versionID, ".")
	return OS(id + "-" + major), nil
}

// detectRedhatRelease handles lines like "CentOS release 5.11 (Final)".
func detectRedhatRelease() (OS, error) {
	b, err := os.ReadFile(redhatReleaseFile)
	if err != nil {
		return "", fmt.Errorf("unable to determine host os: %w", err)
	}
	fields := strings.Fields(strings.ToLower(string(b)))
	for i, f := range fields {
		if f == "release" && i > 0 && i+1 < len(fields) {
			major, _, _ := strings.Cut(fields[i+1], ".")
			return OS(fields[0] + "-" + major), nil
		}
	}
	return "", fmt.Errorf("%s: unrecognized release line: %w", redhatReleaseFile, cerrdefs.ErrInvalidArgument)
}
