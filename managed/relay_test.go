package managed

import (
	"bytes"
	"crypto/hmac"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RACECAR-GU/ptcore/common/framing"
	"github.com/RACECAR-GU/ptcore/extorport"
)

func testCookie() extorport.Cookie {
	var c extorport.Cookie
	for i := range c {
		c[i] = byte(0x5a ^ i)
	}
	return c
}

func writeCookieFile(t *testing.T, cookie extorport.Cookie) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extended_orport_auth_cookie")
	data := append([]byte("! Extended ORPort Auth Cookie !\x0a"), cookie[:]...)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// testRelay is a minimal Extended ORPort that accepts every connection and
// remembers the metadata it was sent.
type testRelay struct {
	ln     net.Listener
	cookie extorport.Cookie

	mu sync.Mutex
	md extorport.Metadata
}

func newTestRelay(t *testing.T, cookie extorport.Cookie) *testRelay {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &testRelay{ln: ln, cookie: cookie}
	t.Cleanup(func() { ln.Close() })
	go r.acceptLoop()
	return r
}

func (r *testRelay) addr() string {
	return r.ln.Addr().String()
}

func (r *testRelay) metadata() extorport.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.md
}

func (r *testRelay) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.serve(conn)
	}
}

func (r *testRelay) serve(conn net.Conn) {
	defer conn.Close()

	if _, err := conn.Write([]byte{1, extorport.AuthMethodSafeCookie}); err != nil {
		return
	}
	var hello [1 + extorport.NonceLength]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		return
	}
	clientNonce := hello[1:]
	serverNonce := bytes.Repeat([]byte{0x33}, extorport.NonceLength)
	serverHash := extorport.ServerHash(&r.cookie, clientNonce, serverNonce)
	if _, err := conn.Write(append(serverHash, serverNonce...)); err != nil {
		return
	}
	clientHash := make([]byte, extorport.HashLength)
	if _, err := io.ReadFull(conn, clientHash); err != nil {
		return
	}
	if !hmac.Equal(clientHash, extorport.ClientHash(&r.cookie, clientNonce, serverNonce)) {
		conn.Write([]byte{0})
		return
	}
	if _, err := conn.Write([]byte{1}); err != nil {
		return
	}

	var md extorport.Metadata
	for {
		f, err := framing.Decode(conn)
		if err != nil {
			return
		}
		switch f.Command {
		case extorport.CmdUserAddr:
			md.UserAddr = string(f.Body)
		case extorport.CmdTransport:
			md.Transport = string(f.Body)
		case extorport.CmdDone:
			r.mu.Lock()
			r.md = md
			r.mu.Unlock()
			if err := framing.WriteFrame(conn, extorport.CmdOkay, nil); err != nil {
				return
			}
			io.Copy(io.Discard, conn)
			return
		}
	}
}
