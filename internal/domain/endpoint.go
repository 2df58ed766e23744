package domain

import (
	"fmt"
	"net"
	"strconv"
)

// FormatEndpoint joins host and port with the standard delimiter,
// bracketing IPv6 hosts so the result always parses back.
func FormatEndpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func ParseEndpoint(s string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: endpoint %q: %w", ErrProtocol, s, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 || n > 65535 {
		return "", 0, fmt.Errorf("%w: endpoint %q: bad port", ErrProtocol, s)
	}
	return h, n, nil
}
