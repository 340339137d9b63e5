//go:build linux

package pidresolve

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeProc(t *testing.T, tcp string, sockets map[string]string) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "tcp"), []byte(tcp), 0o644))
	for pid, link := range sockets {
		fdDir := filepath.Join(root, pid, "fd")
		require.NoError(t, os.MkdirAll(fdDir, 0o755))
		require.NoError(t, os.Symlink("/dev/null", filepath.Join(fdDir, "0")))
		require.NoError(t, os.Symlink(link, filepath.Join(fdDir, "7")))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	return root
}

func TestResolverFakeProc(t *testing.T) {
	t.Parallel()

	lo := net.ParseIP("127.0.0.1")
	proxy := &net.TCPAddr{IP: lo, Port: 8080}
	client := &net.TCPAddr{IP: lo, Port: 41000}
	tcp := strings.Join([]string{
		tableHeader,
		socketLine(0, kernelHex(lo, 8080), kernelHex(lo, 41000), 900),
		socketLine(1, kernelHex(lo, 41000), kernelHex(lo, 8080), 901),
	}, "\n")

	t.Run("owner_found", func(t *testing.T) {
		root := writeFakeProc(t, tcp, map[string]string{
			"10":   "socket:[900]",
			"4242": "socket:[901]",
		})
		pid := NewWithRoot(root).Resolve(client, proxy)
		require.NotNil(t, pid)
		assert.Equal(t, 4242, *pid)
	})

	t.Run("no_owner", func(t *testing.T) {
		root := writeFakeProc(t, tcp, map[string]string{"10": "socket:[900]"})
		assert.Nil(t, NewWithRoot(root).Resolve(client, proxy))
	})

	t.Run("no_entry", func(t *testing.T) {
		root := writeFakeProc(t, tcp, map[string]string{"4242": "socket:[901]"})
		other := &net.TCPAddr{IP: lo, Port: 41001}
		assert.Nil(t, NewWithRoot(root).Resolve(other, proxy))
	})

	t.Run("missing_proc", func(t *testing.T) {
		assert.Nil(t, NewWithRoot(filepath.Join(t.TempDir(), "absent")).Resolve(client, proxy))
	})

	t.Run("non_tcp_addr", func(t *testing.T) {
		root := writeFakeProc(t, tcp, nil)
		assert.Nil(t, NewWithRoot(root).Resolve(&net.UDPAddr{IP: lo, Port: 41000}, proxy))
	})
}

func TestResolverLoopback(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/proc/net/tcp"); err != nil {
		t.Skip("procfs unavailable")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(t.Context(), "tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	var d net.Dialer
	conn, err := d.DialContext(t.Context(), "tcp4", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() { _ = server.Close() })

	pid := New().Resolve(server.RemoteAddr(), server.LocalAddr())
	require.NotNil(t, pid)
	assert.Equal(t, os.Getpid(), *pid)
}
