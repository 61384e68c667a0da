package extorport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/RACECAR-GU/ptcore/common/framing"
	"github.com/RACECAR-GU/ptcore/common/log"
)

const (
	// AuthMethodSafeCookie is the only authentication method supported.
	AuthMethodSafeCookie = 0x01

	// NonceLength is the length of the client and server nonces.
	NonceLength = 32

	// HashLength is the length of the client and server hashes.
	HashLength = sha256.Size

	authStatusSuccess = 0x01
)

var (
	serverHashPrefix = []byte("ExtORPort authentication server-to-client hash")
	clientHashPrefix = []byte("ExtORPort authentication client-to-server hash")
)

var (
	// ErrNoCommonMethod is returned when the server does not offer
	// AuthMethodSafeCookie.
	ErrNoCommonMethod = errors.New("extorport: server does not support cookie authentication")

	// ErrServerAuthFailed is returned when the server hash does not match,
	// the server does not know the cookie.
	ErrServerAuthFailed = errors.New("extorport: server hash mismatch")

	// ErrAuthRejected is returned when the server refuses the client hash.
	ErrAuthRejected = errors.New("extorport: server rejected authentication")
)

// AuthState is the progress of the authentication handshake.  States only
// move forward, and a session that reaches StateFailed is never resumed.
type AuthState int

const (
	StateStart AuthState = iota
	StateSentNonce
	StateAwaitingServerHash
	StateSentClientHash
	StateAwaitingResult
	StateAuthenticated
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateSentNonce:
		return "SentNonce"
	case StateAwaitingServerHash:
		return "AwaitingServerHash"
	case StateSentClientHash:
		return "SentClientHash"
	case StateAwaitingResult:
		return "AwaitingResult"
	case StateAuthenticated:
		return "Authenticated"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("AuthState(%d)", int(s))
}

// ServerHash computes the hash the server must present to prove it knows the
// cookie.
func ServerHash(cookie *Cookie, clientNonce, serverNonce []byte) []byte {
	return authHash(cookie, serverHashPrefix, clientNonce, serverNonce)
}

// ClientHash computes the hash the client presents to prove it knows the
// cookie.
func ClientHash(cookie *Cookie, clientNonce, serverNonce []byte) []byte {
	return authHash(cookie, clientHashPrefix, clientNonce, serverNonce)
}

func authHash(cookie *Cookie, prefix, clientNonce, serverNonce []byte) []byte {
	h := hmac.New(sha256.New, cookie[:])
	h.Write(prefix)
	h.Write(clientNonce)
	h.Write(serverNonce)
	return h.Sum(nil)
}

// Authenticate runs the SAFE_COOKIE handshake.  It may be called once per
// session.  Any failure, including cancellation of ctx, closes the connection
// and leaves the session in StateFailed.
func (s *Session) Authenticate(ctx context.Context) (err error) {
	if s.state != StateStart {
		return fmt.Errorf("%w: authenticate in state %s", ErrProtocolMisuse, s.state)
	}
	if s.cookie == nil {
		return fmt.Errorf("%w: no cookie", ErrProtocolMisuse)
	}

	disarm, err := s.arm(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	err = s.handshake(ctx)
	if derr := disarm(); err == nil && derr != nil {
		err = derr
	}
	if err != nil {
		return s.fail(ctx, err)
	}

	log.Debugf("extorport: session %s authenticated", s.ID)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	// Auth methods: a count followed by that many method identifiers.
	var count [1]byte
	if err := s.readFull("auth method count", count[:]); err != nil {
		return err
	}
	methods := make([]byte, count[0])
	if err := s.readFull("auth methods", methods); err != nil {
		return err
	}
	found := false
	for _, m := range methods {
		if m == AuthMethodSafeCookie {
			found = true
			break
		}
	}
	if !found {
		return ErrNoCommonMethod
	}

	var clientNonce, serverNonce [NonceLength]byte
	defer clear(clientNonce[:])
	defer clear(serverNonce[:])
	if _, err := io.ReadFull(s.Rand, clientNonce[:]); err != nil {
		return fmt.Errorf("extorport: generating nonce: %w", err)
	}

	// Select the method and send the client nonce.
	var msg [1 + NonceLength]byte
	msg[0] = AuthMethodSafeCookie
	copy(msg[1:], clientNonce[:])
	if err := s.write(ctx, msg[:]); err != nil {
		return err
	}
	s.setState(StateSentNonce)

	s.setState(StateAwaitingServerHash)
	var reply [HashLength + NonceLength]byte
	if err := s.readFull("server hash", reply[:]); err != nil {
		return err
	}
	serverHash := reply[:HashLength]
	copy(serverNonce[:], reply[HashLength:])

	expected := ServerHash(s.cookie, clientNonce[:], serverNonce[:])
	if !hmac.Equal(expected, serverHash) {
		return ErrServerAuthFailed
	}

	clientHash := ClientHash(s.cookie, clientNonce[:], serverNonce[:])
	if err := s.write(ctx, clientHash); err != nil {
		return err
	}
	s.setState(StateSentClientHash)

	s.setState(StateAwaitingResult)
	var status [1]byte
	if _, err := io.ReadFull(s.conn, status[:]); err != nil {
		// A relay that refuses the client hash may just drop the connection.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
			return ErrAuthRejected
		}
		return err
	}
	if status[0] != authStatusSuccess {
		return ErrAuthRejected
	}
	s.setState(StateAuthenticated)
	return nil
}

// arm applies ctx to the connection: its deadline becomes the connection
// deadline and cancellation closes the connection.  The returned function
// undoes this and reports whether ctx fired in the meantime.
func (s *Session) arm(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})

	return func() error {
		if !stop() {
			return ctx.Err()
		}
		if hasDeadline {
			return s.conn.SetDeadline(time.Time{})
		}
		return nil
	}, nil
}

func (s *Session) write(ctx context.Context, b []byte) error {
	// Nothing goes out once the caller has given up on the session.
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := s.conn.Write(b)
	if err != nil {
		return err
	} else if n < len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (s *Session) readFull(what string, b []byte) error {
	if _, err := io.ReadFull(s.conn, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("extorport: reading %s: %w", what, framing.ErrTruncated)
		}
		return fmt.Errorf("extorport: reading %s: %w", what, err)
	}
	return nil
}
