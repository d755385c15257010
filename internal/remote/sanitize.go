package remote

import (
	"fmt"
	"net"
	"path"
	"regexp"
	"strings"
)

var (
	sshUserRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9._-]*$`)
	// fqdnRe validates a hostname: starts and ends with alphanumeric, allows
	// dots and hyphens in between. Label lengths are checked in isValidFQDN.
	fqdnRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$`)
)

// ValidateHostTarget validates that the given string is a valid IP address or FQDN.
func ValidateHostTarget(target string) error {
	if target == "" {
		return fmt.Errorf("host target is empty")
	}
	if net.ParseIP(target) != nil {
		return nil
	}
	if isValidFQDN(target) {
		return nil
	}
	return fmt.Errorf("invalid host target (not a valid IP or hostname): %q", target)
}

func isValidFQDN(s string) bool {
	if len(s) > 253 || !fqdnRe.MatchString(s) {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}

// ValidateSSHUser validates that an SSH username contains only safe characters.
func ValidateSSHUser(user string) error {
	if user == "" {
		return fmt.Errorf("SSH user is empty")
	}
	if len(user) > 64 {
		return fmt.Errorf("SSH user too long: %d chars", len(user))
	}
	if !sshUserRe.MatchString(user) {
		return fmt.Errorf("invalid SSH user: %q", user)
	}
	return nil
}

// ValidateDatastorePath accepts clean absolute paths below /vmfs/volumes.
func ValidateDatastorePath(p string) error {
	if !strings.HasPrefix(p, "/vmfs/volumes/") || len(p) == len("/vmfs/volumes/") {
		return fmt.Errorf("not a datastore path: %q", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("datastore path is not clean: %q", p)
	}
	if strings.ContainsAny(p, "\n\r\x00") {
		return fmt.Errorf("datastore path contains control characters: %q", p)
	}
	return nil
}
