package ruledns

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Checks that an upstream address has the form <host>:<port>, with host being
// an IP or a hostname.
func validEndpoint(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port '%s'", port)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	return validHostname(host)
}

// Hostname rules from RFC 1123 and RFC 3696: letters, digits and hyphens,
// labels not starting or ending with a hyphen, top label not all-numeric.
func validHostname(name string) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 {
		return fmt.Errorf("invalid hostname '%s'", name)
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("invalid hostname '%s': bad label '%s'", name, label)
		}
		for _, c := range label {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '-') {
				return fmt.Errorf("invalid hostname '%s': invalid character %q", name, c)
			}
		}
	}
	if _, err := strconv.Atoi(labels[len(labels)-1]); err == nil {
		return fmt.Errorf("invalid hostname '%s': top label is numeric", name)
	}
	return nil
}
