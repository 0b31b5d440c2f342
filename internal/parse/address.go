package parse

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is used when an address carries no explicit port.
const DefaultPort = 22

var (
	userRe    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	displayRe = regexp.MustCompile(`[^A-Za-z0-9 _\-.]`)
)

// Address holds the structured parts of a deployment target address.
type Address struct {
	User string
	Host string
	Port int
}

// String renders the address as host:port, the form ssh dials.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress extracts user, host and port from strings like
// "deploy@build01:2222", "build01", "deploy@[::1]:22".
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	var addr Address
	if at := strings.LastIndex(s, "@"); at >= 0 {
		addr.User = s[:at]
		s = s[at+1:]
		if !userRe.MatchString(addr.User) {
			return Address{}, fmt.Errorf("invalid user in address %q", raw)
		}
	}

	addr.Port = DefaultPort
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port: a bare host, possibly a bracketed IPv6 literal.
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	} else {
		n, convErr := strconv.Atoi(port)
		if convErr != nil || n <= 0 || n > 65535 {
			return Address{}, fmt.Errorf("invalid port %q in address %q", port, raw)
		}
		addr.Port = n
	}

	if host == "" || strings.ContainsAny(host, " /@") {
		return Address{}, fmt.Errorf("invalid host in address %q", raw)
	}
	addr.Host = host
	return addr, nil
}

// SanitizeDisplay removes every character outside [A-Za-z0-9 _-.] so the
// result can be embedded in a double-quoted remote command argument.
func SanitizeDisplay(s string) string {
	return displayRe.ReplaceAllString(s, "")
}
