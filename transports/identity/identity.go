// Package identity provides a transport that passes payload through
// unchanged.  It is useful for testing the rest of the stack.
package identity // import "github.com/RACECAR-GU/ptcore/transports/identity"

import (
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"

	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/pipe"
)

const transportName = "identity"

// Transform is the pass-through base.Transform.
type Transform struct{}

func (Transform) Seal(p []byte) ([]byte, error) {
	return p, nil
}

func (Transform) Reveal(b []byte) ([]byte, error) {
	return b, nil
}

// Transport is the identity implementation of the base.Transport interface.
type Transport struct{}

// Name returns the name of the identity transport protocol.
func (t *Transport) Name() string {
	return transportName
}

// ClientFactory returns a new identityClientFactory instance.
func (t *Transport) ClientFactory(stateDir string) (base.ClientFactory, error) {
	return &identityClientFactory{transport: t}, nil
}

// ServerFactory returns a new identityServerFactory instance.
func (t *Transport) ServerFactory(stateDir string, args *pt.Args) (base.ServerFactory, error) {
	return &identityServerFactory{transport: t}, nil
}

type identityClientFactory struct {
	transport base.Transport
}

func (cf *identityClientFactory) Transport() base.Transport {
	return cf.transport
}

func (cf *identityClientFactory) ParseArgs(args *pt.Args) (interface{}, error) {
	return nil, nil
}

func (cf *identityClientFactory) WrapConn(conn net.Conn, args interface{}) (net.Conn, error) {
	return pipe.Wrap(conn, Transform{}), nil
}

type identityServerFactory struct {
	transport base.Transport
}

func (sf *identityServerFactory) Transport() base.Transport {
	return sf.transport
}

func (sf *identityServerFactory) Args() *pt.Args {
	return nil
}

func (sf *identityServerFactory) WrapConn(conn net.Conn) (net.Conn, error) {
	return pipe.Wrap(conn, Transform{}), nil
}

var _ base.ClientFactory = (*identityClientFactory)(nil)
var _ base.ServerFactory = (*identityServerFactory)(nil)
var _ base.Transport = (*Transport)(nil)
