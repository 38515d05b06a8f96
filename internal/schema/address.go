package schema

import (
	"net"
	"strconv"
	"strings"

	"tradegate/pkg/exception"
)

const unixPrefix = "unix:"

// NetworkAddress is a host/port pair. A host of the form "unix:/path" names a
// unix socket and ignores the port.
type NetworkAddress struct {
	Host string
	Port int
}

// NewNetworkAddress validates port range and returns the address.
func NewNetworkAddress(host string, port int) (NetworkAddress, error) {
	if port < 0 || port > 65535 {
		return NetworkAddress{}, exception.NewValidationError("port", "must be within 0-65535, got "+strconv.Itoa(port))
	}
	return NetworkAddress{Host: host, Port: port}, nil
}

// Network returns "unix" or "tcp".
func (a NetworkAddress) Network() string {
	if a.IsUnix() {
		return "unix"
	}
	return "tcp"
}

// IsUnix reports whether the address names a unix socket.
func (a NetworkAddress) IsUnix() bool {
	return strings.HasPrefix(a.Host, unixPrefix)
}

// Path returns the unix socket path, or "" for tcp addresses.
func (a NetworkAddress) Path() string {
	if !a.IsUnix() {
		return ""
	}
	return strings.TrimPrefix(a.Host, unixPrefix)
}

func (a NetworkAddress) String() string {
	if a.IsUnix() {
		return a.Path()
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
