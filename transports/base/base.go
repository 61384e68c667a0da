// Package base provides the common interface that each supported transport
// protocol must implement.
package base // import "github.com/RACECAR-GU/ptcore/transports/base"

import (
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
)

// Transform is the per-connection obfuscation of a transport.  Seal is
// applied to everything written and Reveal to everything read.  Seal and
// Reveal are called from different goroutines, so the state of each
// direction must be kept apart.  Reveal may buffer an incomplete unit and
// return no bytes.  Any error is fatal to the connection.
type Transform interface {
	Seal(p []byte) ([]byte, error)
	Reveal(b []byte) ([]byte, error)
}

// ClientFactory is the interface that defines the factory for creating
// client side connections.
type ClientFactory interface {
	// Transport returns the Transport instance that this ClientFactory
	// belongs to.
	Transport() Transport

	// ParseArgs parses the supplied arguments into an internal
	// representation for use with WrapConn.  This routine is called before
	// the outgoing TCP/IP connection is created to allow doing things (like
	// keypair generation) to be hidden from third parties.
	ParseArgs(args *pt.Args) (interface{}, error)

	// WrapConn wraps the provided net.Conn with a transport protocol
	// implementation, using the args previously returned by ParseArgs.
	WrapConn(conn net.Conn, args interface{}) (net.Conn, error)
}

// ServerFactory is the interface that defines the factory for creating
// server side connections.
type ServerFactory interface {
	// Transport returns the Transport instance that this ServerFactory
	// belongs to.
	Transport() Transport

	// Args returns the Args required on the client side to handshake with
	// server connections created by this factory.
	Args() *pt.Args

	// WrapConn wraps the provided net.Conn with a transport protocol
	// implementation.
	WrapConn(conn net.Conn) (net.Conn, error)
}

// Transport is an interface that defines a pluggable transport protocol.
type Transport interface {
	// Name returns the name of the transport protocol.  It MUST be a valid C
	// identifier.
	Name() string

	// ClientFactory returns a ClientFactory instance for this transport
	// protocol.
	ClientFactory(stateDir string) (ClientFactory, error)

	// ServerFactory returns a ServerFactory instance for this transport
	// protocol.  This can fail if the provided arguments are invalid.
	ServerFactory(stateDir string, args *pt.Args) (ServerFactory, error)
}
