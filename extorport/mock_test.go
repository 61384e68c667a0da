package extorport

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/RACECAR-GU/ptcore/common/framing"
)

// refHash is an independent rendition of the Extended ORPort HMAC
// construction used to check the package's own.
func refHash(cookie []byte, label string, clientNonce, serverNonce []byte) []byte {
	msg := append([]byte(label), clientNonce...)
	msg = append(msg, serverNonce...)
	mac := hmac.New(sha256.New, cookie)
	mac.Write(msg)
	return mac.Sum(nil)
}

// mockORPort plays the relay side of the Extended ORPort.
type mockORPort struct {
	cookie      Cookie
	methods     []byte
	serverNonce [NonceLength]byte

	// flipBit, when non-negative, corrupts that bit of the server hash.
	flipBit int
	// status is the authentication result byte.
	status byte
	// closeAfterHash drops the connection instead of sending a status.
	closeAfterHash bool
	// resetAfterHash aborts a TCP connection instead of sending a status.
	resetAfterHash bool
	// reply and replyBody answer DONE.
	reply     uint16
	replyBody []byte

	// nonceRead is closed once the client nonce has been consumed.
	nonceRead chan struct{}

	mu          sync.Mutex
	clientNonce []byte
	frames      []framing.Frame
	clientHash  bool
}

func newMockORPort(cookie Cookie) *mockORPort {
	m := &mockORPort{
		cookie:    cookie,
		methods:   []byte{AuthMethodSafeCookie},
		flipBit:   -1,
		status:    authStatusSuccess,
		reply:     CmdOkay,
		nonceRead: make(chan struct{}),
	}
	for i := range m.serverNonce {
		m.serverNonce[i] = byte(0xf0 ^ i)
	}
	return m
}

var errClientHashMismatch = errors.New("mock: client hash mismatch")

// serve runs the relay side on conn.  It leaves conn open on success so the
// test can use it as a transparent pipe.
func (m *mockORPort) serve(conn net.Conn) error {
	defer func() {
		select {
		case <-m.nonceRead:
		default:
			close(m.nonceRead)
		}
	}()

	if _, err := conn.Write(append([]byte{byte(len(m.methods))}, m.methods...)); err != nil {
		return err
	}
	var hello [1 + NonceLength]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		return err
	}
	if hello[0] != AuthMethodSafeCookie {
		return errors.New("mock: client picked an unknown method")
	}
	m.mu.Lock()
	m.clientNonce = append([]byte(nil), hello[1:]...)
	m.mu.Unlock()
	close(m.nonceRead)

	serverHash := refHash(m.cookie[:], "ExtORPort authentication server-to-client hash", hello[1:], m.serverNonce[:])
	if m.flipBit >= 0 {
		serverHash[m.flipBit/8] ^= 1 << uint(m.flipBit%8)
	}
	if _, err := conn.Write(append(serverHash, m.serverNonce[:]...)); err != nil {
		return err
	}

	clientHash := make([]byte, HashLength)
	if _, err := io.ReadFull(conn, clientHash); err != nil {
		return err
	}
	m.mu.Lock()
	m.clientHash = true
	m.mu.Unlock()
	expected := refHash(m.cookie[:], "ExtORPort authentication client-to-server hash", hello[1:], m.serverNonce[:])
	if !hmac.Equal(expected, clientHash) {
		conn.Write([]byte{0})
		return errClientHashMismatch
	}
	if m.closeAfterHash {
		return conn.Close()
	}
	if m.resetAfterHash {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		return conn.Close()
	}
	if _, err := conn.Write([]byte{m.status}); err != nil {
		return err
	}
	if m.status != authStatusSuccess {
		return nil
	}

	for {
		f, err := framing.Decode(conn)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.frames = append(m.frames, *f)
		m.mu.Unlock()
		if f.Command == CmdDone {
			return framing.WriteFrame(conn, m.reply, m.replyBody)
		}
	}
}

func (m *mockORPort) receivedFrames() []framing.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]framing.Frame(nil), m.frames...)
}

func (m *mockORPort) sawClientHash() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientHash
}

// countingConn records how many bytes the client wrote.
type countingConn struct {
	net.Conn

	mu      sync.Mutex
	written int
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.mu.Lock()
	c.written += n
	c.mu.Unlock()
	return n, err
}

func (c *countingConn) Written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

func testCookie() Cookie {
	var c Cookie
	for i := range c {
		c[i] = byte(i * 7)
	}
	return c
}
