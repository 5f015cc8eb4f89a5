package jail

import (
	"fmt"
	"slices"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
)

// Protocol names a protocol set that can be jailed.
type Protocol string

// Protocols with a built-in jail definition.
const (
	SSH      Protocol = "ssh"
	FTP      Protocol = "ftp"
	SMTP     Protocol = "smtp"
	IMAP     Protocol = "imap"
	POP3     Protocol = "pop3"
	HTTP     Protocol = "http"
	Recidive Protocol = "recidive"
)

// definition is everything fail2ban needs to know about one protocol set.
type definition struct {
	section string
	filter  string
	ports   []string
	logPath string
	backend string
}

var definitions = map[Protocol]definition{
	SSH:      {section: "sshd", filter: "sshd", ports: []string{"ssh"}, backend: "systemd"},
	FTP:      {section: "vsftpd", filter: "vsftpd", ports: []string{"ftp", "ftp-data", "ftps", "ftps-data"}, logPath: "/var/log/vsftpd.log"},
	SMTP:     {section: "postfix", filter: "postfix[mode=aggressive]", ports: []string{"smtp", "465", "submission"}, backend: "systemd"},
	IMAP:     {section: "dovecot-imap", filter: "dovecot", ports: []string{"imap", "imaps"}, backend: "systemd"},
	POP3:     {section: "dovecot-pop3", filter: "dovecot", ports: []string{"pop3", "pop3s"}, backend: "systemd"},
	HTTP:     {section: "apache-auth", filter: "apache-auth", ports: []string{"http", "https"}, logPath: "/var/log/httpd/*error_log"},
	Recidive: {section: "recidive", filter: "recidive", ports: []string{"0:65535"}, logPath: "/var/log/fail2ban.log"},
}

// Protocols returns every known protocol, sorted.
func Protocols() []Protocol {
	protos := make([]Protocol, 0, len(definitions))
	for p := range definitions {
		protos = append(protos, p)
	}
	slices.Sort(protos)
	return protos
}

// ParseProtocol returns the Protocol named s.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := definitions[p]; !ok {
		return "", fmt.Errorf("unknown jail protocol %q (known: %v): %w", s, Protocols(), cerrdefs.ErrInvalidArgument)
	}
	return p, nil
}
