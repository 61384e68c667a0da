// Package hex provides a transport that sends payload as hexadecimal text.
package hex // import "github.com/RACECAR-GU/ptcore/transports/hex"

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"

	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/pipe"
)

const (
	transportName = "hex"

	caseArg   = "case"
	caseLower = "lower"
	caseUpper = "upper"
)

// Transform hex encodes written payload and decodes read payload.  Either
// letter case is accepted when decoding.
type Transform struct {
	upper bool

	// odd holds a nibble left over from the previous Reveal.
	odd    byte
	hasOdd bool
}

// NewTransform returns a Transform that emits upper case digits if upper is
// set.
func NewTransform(upper bool) *Transform {
	return &Transform{upper: upper}
}

func (t *Transform) Seal(p []byte) ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(p)))
	hex.Encode(out, p)
	if t.upper {
		out = bytes.ToUpper(out)
	}
	return out, nil
}

func (t *Transform) Reveal(b []byte) ([]byte, error) {
	in := b
	if t.hasOdd {
		in = make([]byte, 0, len(b)+1)
		in = append(in, t.odd)
		in = append(in, b...)
	}
	t.hasOdd = len(in)%2 == 1
	if t.hasOdd {
		t.odd = in[len(in)-1]
		in = in[:len(in)-1]
	}

	out := make([]byte, hex.DecodedLen(len(in)))
	if _, err := hex.Decode(out, in); err != nil {
		return nil, err
	}
	return out, nil
}

// parseCase reads the case argument.  It defaults to lower case.
func parseCase(args *pt.Args) (bool, error) {
	if args == nil {
		return false, nil
	}
	v, ok := args.Get(caseArg)
	if !ok {
		return false, nil
	}
	switch v {
	case caseLower:
		return false, nil
	case caseUpper:
		return true, nil
	}
	return false, fmt.Errorf("invalid %s: %q", caseArg, v)
}

// Transport is the hex implementation of the base.Transport interface.
type Transport struct{}

// Name returns the name of the hex transport protocol.
func (t *Transport) Name() string {
	return transportName
}

// ClientFactory returns a new hexClientFactory instance.
func (t *Transport) ClientFactory(stateDir string) (base.ClientFactory, error) {
	return &hexClientFactory{transport: t}, nil
}

// ServerFactory returns a new hexServerFactory instance.
func (t *Transport) ServerFactory(stateDir string, args *pt.Args) (base.ServerFactory, error) {
	upper, err := parseCase(args)
	if err != nil {
		return nil, err
	}
	return &hexServerFactory{transport: t, upper: upper}, nil
}

type hexClientFactory struct {
	transport base.Transport
}

func (cf *hexClientFactory) Transport() base.Transport {
	return cf.transport
}

func (cf *hexClientFactory) ParseArgs(args *pt.Args) (interface{}, error) {
	return parseCase(args)
}

func (cf *hexClientFactory) WrapConn(conn net.Conn, args interface{}) (net.Conn, error) {
	upper, ok := args.(bool)
	if !ok {
		return nil, fmt.Errorf("invalid argument type for args")
	}
	return pipe.Wrap(conn, NewTransform(upper)), nil
}

type hexServerFactory struct {
	transport base.Transport
	upper     bool
}

func (sf *hexServerFactory) Transport() base.Transport {
	return sf.transport
}

func (sf *hexServerFactory) Args() *pt.Args {
	args := pt.Args{}
	if sf.upper {
		args.Add(caseArg, caseUpper)
	}
	return &args
}

func (sf *hexServerFactory) WrapConn(conn net.Conn) (net.Conn, error) {
	return pipe.Wrap(conn, NewTransform(sf.upper)), nil
}

var _ base.ClientFactory = (*hexClientFactory)(nil)
var _ base.ServerFactory = (*hexServerFactory)(nil)
var _ base.Transport = (*Transport)(nil)
