package transport

import (
	"errors"
	"net"
	"os"
	"sync"

	"tradegate/pkg/exception"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

var (
	// ErrNilListener is returned when a nil listener receiver is used.
	ErrNilListener = errors.New("transport: nil listener")
	// ErrNilDialer is returned when a nil dialer receiver is used.
	ErrNilDialer = errors.New("transport: nil dialer")
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("transport: already listening")
	// ErrNotListening is returned when Accept is called before Listen.
	ErrNotListening = errors.New("transport: not listening")
	// ErrUnsupportedNetwork is returned for networks other than tcp and unix.
	ErrUnsupportedNetwork = errors.New("transport: unsupported network")
)

// Listener accepts stream connections on a tcp address or a unix socket path.
type Listener struct {
	network string
	address string

	mu sync.Mutex
	ln net.Listener
}

// NewListener creates a listener for address on network.
func NewListener(network, address string) (*Listener, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}
	return &Listener{network: network, address: address}, nil
}

// Listen starts listening. For unix sockets a stale socket file is removed
// first and the file is unlinked again on Close.
func (l *Listener) Listen() error {
	if l == nil {
		return ErrNilListener
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return ErrAlreadyListening
	}
	if l.network == NetworkUnix {
		if err := RemoveIfExists(l.address); err != nil {
			return err
		}
		ln, err := net.ListenUnix(NetworkUnix, &net.UnixAddr{Name: l.address, Net: NetworkUnix})
		if err != nil {
			return err
		}
		ln.SetUnlinkOnClose(true)
		l.ln = ln
		return nil
	}
	ln, err := net.Listen(NetworkTCP, l.address)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, which carries the real port when the
// listener was created with port 0.
func (l *Listener) Addr() net.Addr {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Network returns "tcp" or "unix".
func (l *Listener) Network() string {
	if l == nil {
		return ""
	}
	return l.network
}

// Accept waits for the next incoming connection.
func (l *Listener) Accept() (net.Conn, error) {
	if l == nil {
		return nil, ErrNilListener
	}
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil, ErrNotListening
	}
	return ln.Accept()
}

// Close stops the listener.
func (l *Listener) Close() error {
	if l == nil {
		return ErrNilListener
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPath
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return exception.ErrPathNotSocket
	}
	return os.Remove(path)
}

func checkNetwork(network, address string) error {
	switch network {
	case NetworkTCP:
		return nil
	case NetworkUnix:
		if address == "" {
			return exception.ErrEmptyPath
		}
		return nil
	default:
		return ErrUnsupportedNetwork
	}
}
