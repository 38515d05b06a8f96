package transport

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/pkg/exception"
)

func echoOnce(l *Listener) {
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
}

func roundTrip(t *testing.T, network, address string) {
	t.Helper()
	d, err := NewDialer(network, address, time.Second)
	require.NoError(t, err)
	conn, err := d.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTCPListenerPicksFreePort(t *testing.T) {
	l, err := NewListener(NetworkTCP, "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Listen())
	defer l.Close()

	assert.ErrorIs(t, l.Listen(), ErrAlreadyListening)
	addr := l.Addr().(*net.TCPAddr)
	assert.NotZero(t, addr.Port)

	echoOnce(l)
	roundTrip(t, NetworkTCP, addr.String())
}

func TestUnixListenerReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.sock")

	stale, err := net.ListenUnix(NetworkUnix, &net.UnixAddr{Name: path, Net: NetworkUnix})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Lstat(path)
	require.NoError(t, err)

	l, err := NewListener(NetworkUnix, path)
	require.NoError(t, err)
	require.NoError(t, l.Listen())

	echoOnce(l)
	roundTrip(t, NetworkUnix, path)

	require.NoError(t, l.Close())
	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	assert.ErrorIs(t, RemoveIfExists(""), exception.ErrEmptyPath)
	assert.NoError(t, RemoveIfExists(filepath.Join(dir, "missing.sock")))

	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, []byte("x"), 0o600))
	assert.ErrorIs(t, RemoveIfExists(regular), exception.ErrPathNotSocket)
}

func TestUnsupportedNetwork(t *testing.T) {
	_, err := NewListener("udp", "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	_, err = NewDialer(NetworkUnix, "", 0)
	assert.ErrorIs(t, err, exception.ErrEmptyPath)

	var l *Listener
	_, err = l.Accept()
	assert.ErrorIs(t, err, ErrNilListener)
}
