// Package extorport implements the client side of tor's Extended ORPort: the
// SAFE_COOKIE authentication handshake followed by the metadata commands that
// tell the relay who connected and over which transport.
package extorport // import "github.com/RACECAR-GU/ptcore/extorport"

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/RACECAR-GU/ptcore/common/framing"
	"github.com/RACECAR-GU/ptcore/common/log"
)

// Extended ORPort command codes.
const (
	CmdDone      uint16 = 0x0000
	CmdUserAddr  uint16 = 0x0001
	CmdTransport uint16 = 0x0002
	CmdOkay      uint16 = 0x1000
	CmdDeny      uint16 = 0x1001
)

// DefaultSetupTimeout bounds Dial when the context carries no deadline.
const DefaultSetupTimeout = 5 * time.Second

var (
	// ErrProtocolMisuse is returned when commands are issued out of order.
	// It indicates a bug in the caller, nothing is written to the peer.
	ErrProtocolMisuse = errors.New("extorport: protocol misuse")

	// ErrDenied is returned when the relay answers DONE with DENY.
	ErrDenied = errors.New("extorport: relay denied the connection")

	// ErrUnexpectedReply matches any UnexpectedReplyError.
	ErrUnexpectedReply = errors.New("extorport: unexpected reply")
)

// UnexpectedReplyError is the error returned when the relay answers DONE with
// something other than OKAY or DENY.
type UnexpectedReplyError uint16

func (e UnexpectedReplyError) Error() string {
	return fmt.Sprintf("extorport: unexpected reply command 0x%04x", uint16(e))
}

// Is makes errors.Is(err, ErrUnexpectedReply) hold.
func (e UnexpectedReplyError) Is(target error) bool {
	return target == ErrUnexpectedReply
}

// Metadata is what a transport reports about one incoming connection.  Empty
// fields are not sent.
type Metadata struct {
	// UserAddr is the "ip:port" of the remote client.
	UserAddr string
	// Transport is the name of the transport the client used.
	Transport string
}

// Session owns one connection to the Extended ORPort for the duration of
// authentication and the metadata phase.  A Session is not safe for
// concurrent use.
type Session struct {
	// ID identifies the session in logs.
	ID uuid.UUID

	// Rand is the source of the client nonce.  It defaults to crypto/rand.
	Rand io.Reader

	conn   net.Conn
	cookie *Cookie

	state   AuthState
	history []AuthState

	sentUserAddr  bool
	sentTransport bool
	sentDone      bool
}

// NewSession creates a session over an established connection.  The cookie is
// only read.
func NewSession(conn net.Conn, cookie *Cookie) *Session {
	return &Session{
		ID:      uuid.New(),
		Rand:    rand.Reader,
		conn:    conn,
		cookie:  cookie,
		state:   StateStart,
		history: []AuthState{StateStart},
	}
}

// State returns the current handshake state.
func (s *Session) State() AuthState {
	return s.state
}

// History returns every state the session went through, oldest first.
func (s *Session) History() []AuthState {
	return append([]AuthState(nil), s.history...)
}

// Conn returns the underlying connection.
func (s *Session) Conn() net.Conn {
	return s.conn
}

func (s *Session) setState(state AuthState) {
	s.state = state
	s.history = append(s.history, state)
}

// fail tears the session down.  If ctx ended, the returned error reports that
// rather than the I/O error the closed connection produced.
func (s *Session) fail(ctx context.Context, err error) error {
	if s.state != StateFailed {
		s.setState(StateFailed)
	}
	s.conn.Close()

	ctxErr := ctx.Err()
	if ctxErr == nil && errors.Is(err, os.ErrDeadlineExceeded) {
		// The connection deadline can fire just ahead of the context timer.
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil {
		err = fmt.Errorf("extorport: session aborted: %w", ctxErr)
	}
	log.Debugf("extorport: session %s failed: %s", s.ID, log.ElideError(err))
	return err
}

func (s *Session) checkMetadata(command string, sent bool) error {
	switch {
	case s.state != StateAuthenticated:
		return fmt.Errorf("%w: %s in state %s", ErrProtocolMisuse, command, s.state)
	case s.sentDone:
		return fmt.Errorf("%w: %s after DONE", ErrProtocolMisuse, command)
	case sent:
		return fmt.Errorf("%w: %s sent twice", ErrProtocolMisuse, command)
	}
	return nil
}

func (s *Session) sendCommand(ctx context.Context, command uint16, body []byte) error {
	// Encode first, a body that can not be framed must not leave partial
	// state on the wire.
	frame, err := framing.Encode(command, body)
	if err != nil {
		return err
	}

	disarm, err := s.arm(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	err = s.write(ctx, frame)
	if derr := disarm(); err == nil && derr != nil {
		err = derr
	}
	if err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// SendUserAddr sends USERADDR with the remote client's "ip:port".
func (s *Session) SendUserAddr(ctx context.Context, addr string) error {
	if err := s.checkMetadata("USERADDR", s.sentUserAddr); err != nil {
		return err
	}
	if err := s.sendCommand(ctx, CmdUserAddr, []byte(addr)); err != nil {
		return err
	}
	s.sentUserAddr = true
	return nil
}

// SendTransport sends TRANSPORT with the transport name.
func (s *Session) SendTransport(ctx context.Context, name string) error {
	if err := s.checkMetadata("TRANSPORT", s.sentTransport); err != nil {
		return err
	}
	if err := s.sendCommand(ctx, CmdTransport, []byte(name)); err != nil {
		return err
	}
	s.sentTransport = true
	return nil
}

// Done ends the metadata phase and waits for the relay's verdict.  On OKAY
// the returned connection is a plain pipe to the relay.  On DENY, ErrDenied is
// returned and the caller must close the connection.  Any other reply,
// including an OKAY or DENY with a body, fails the session with
// ErrUnexpectedReply.
func (s *Session) Done(ctx context.Context) (net.Conn, error) {
	if s.state != StateAuthenticated {
		return nil, fmt.Errorf("%w: DONE in state %s", ErrProtocolMisuse, s.state)
	}
	if s.sentDone {
		return nil, fmt.Errorf("%w: DONE sent twice", ErrProtocolMisuse)
	}
	if err := s.sendCommand(ctx, CmdDone, nil); err != nil {
		return nil, err
	}
	s.sentDone = true

	disarm, err := s.arm(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	reply, err := framing.Decode(s.conn)
	if derr := disarm(); err == nil && derr != nil {
		err = derr
	}
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	// OKAY and DENY carry no body.
	if (reply.Command == CmdOkay || reply.Command == CmdDeny) && len(reply.Body) > 0 {
		return nil, s.fail(ctx, fmt.Errorf("%w: 0x%04x with a %d byte body", ErrUnexpectedReply, reply.Command, len(reply.Body)))
	}
	switch reply.Command {
	case CmdOkay:
		log.Debugf("extorport: session %s accepted", s.ID)
		return s.conn, nil
	case CmdDeny:
		log.Infof("extorport: session %s denied by relay", s.ID)
		return nil, ErrDenied
	}
	return nil, s.fail(ctx, UnexpectedReplyError(reply.Command))
}

// Setup authenticates over conn, reports md and returns the connection once
// the relay accepted it.  On any failure conn is closed.
func Setup(ctx context.Context, conn net.Conn, cookie *Cookie, md Metadata) (net.Conn, error) {
	s := NewSession(conn, cookie)
	return s.run(ctx, md)
}

func (s *Session) run(ctx context.Context, md Metadata) (net.Conn, error) {
	if err := s.Authenticate(ctx); err != nil {
		s.conn.Close()
		return nil, err
	}
	if md.UserAddr != "" {
		if err := s.SendUserAddr(ctx, md.UserAddr); err != nil {
			s.conn.Close()
			return nil, err
		}
	}
	if md.Transport != "" {
		if err := s.SendTransport(ctx, md.Transport); err != nil {
			s.conn.Close()
			return nil, err
		}
	}
	conn, err := s.Done(ctx)
	if err != nil {
		s.conn.Close()
		return nil, err
	}
	return conn, nil
}

// Dial connects to the Extended ORPort at addr and runs Setup.  If ctx has no
// deadline, DefaultSetupTimeout applies to dialing and setup.
func Dial(ctx context.Context, addr string, cookie *Cookie, md Metadata) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSetupTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Debugf("extorport: connected to %s", log.ElideAddr(addr))
	return Setup(ctx, conn, cookie, md)
}
