package routingtable

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Remote identifies a transport endpoint. It is comparable and can be used
// directly as a map key.
type Remote struct {
	Host string
	Port uint16
}

// NewRemote creates a remote from a host and port.
func NewRemote(host string, port uint16) Remote {
	return Remote{Host: host, Port: port}
}

// RemoteFromAddr converts a network address into a Remote.
func RemoteFromAddr(addr net.Addr) (Remote, error) {
	if addr == nil {
		return Remote{}, fmt.Errorf("address cannot be nil")
	}
	return ParseRemote(addr.String())
}

// ParseRemote parses "host:port".
func ParseRemote(s string) (Remote, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Remote{}, fmt.Errorf("invalid remote %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Remote{}, fmt.Errorf("invalid port in remote %q: %w", s, err)
	}
	return Remote{Host: host, Port: uint16(port)}, nil
}

// String returns "host:port".
func (r Remote) String() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Compare orders remotes by host then port.
func (r Remote) Compare(o Remote) int {
	if c := strings.Compare(r.Host, o.Host); c != 0 {
		return c
	}
	switch {
	case r.Port < o.Port:
		return -1
	case r.Port > o.Port:
		return 1
	}
	return 0
}
