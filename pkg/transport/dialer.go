package transport

import (
	"context"
	"net"
	"time"
)

// Dialer opens stream connections to one address.
type Dialer struct {
	network string
	address string
	dialer  net.Dialer
}

// NewDialer creates a dialer. timeout bounds connection setup; zero leaves
// it to the context.
func NewDialer(network, address string, timeout time.Duration) (*Dialer, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}
	return &Dialer{network: network, address: address, dialer: net.Dialer{Timeout: timeout}}, nil
}

// Address returns the configured address.
func (d *Dialer) Address() string {
	if d == nil {
		return ""
	}
	return d.address
}

// Dial opens a connection.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if d == nil {
		return nil, ErrNilDialer
	}
	return d.dialer.DialContext(ctx, d.network, d.address)
}
