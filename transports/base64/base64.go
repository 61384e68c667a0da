// Package base64 provides a transport that sends payload as padded base64
// text.  Every write is encoded on its own, so padding may appear in the middle
// of the stream and is decoded one quantum at a time.
package base64 // import "github.com/RACECAR-GU/ptcore/transports/base64"

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"

	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/pipe"
)

const (
	transportName = "base64"

	alphabetArg = "alphabet"
	alphabetStd = "std"
	alphabetURL = "url"

	quantumLength = 4
)

// Transform base64 encodes written payload and decodes read payload.
type Transform struct {
	enc *base64.Encoding

	pending []byte
}

// NewTransform returns a Transform using the URL safe alphabet if url is set,
// the standard one otherwise.
func NewTransform(url bool) *Transform {
	if url {
		return &Transform{enc: base64.URLEncoding}
	}
	return &Transform{enc: base64.StdEncoding}
}

func (t *Transform) Seal(p []byte) ([]byte, error) {
	out := make([]byte, t.enc.EncodedLen(len(p)))
	t.enc.Encode(out, p)
	return out, nil
}

// Reveal decodes every complete quantum received so far and keeps the
// remainder for the next call.
func (t *Transform) Reveal(b []byte) ([]byte, error) {
	t.pending = append(t.pending, b...)
	n := len(t.pending) / quantumLength * quantumLength

	var out []byte
	in := t.pending[:n]
	for len(in) > 0 {
		// Decode up to and including the first padded quantum.
		end := len(in)
		if i := bytes.IndexByte(in, '='); i >= 0 {
			end = (i/quantumLength + 1) * quantumLength
		}
		buf := make([]byte, t.enc.DecodedLen(end))
		m, err := t.enc.Decode(buf, in[:end])
		if err != nil {
			return nil, err
		}
		out = append(out, buf[:m]...)
		in = in[end:]
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
	return out, nil
}

// parseAlphabet reads the alphabet argument.  It defaults to the standard
// alphabet.
func parseAlphabet(args *pt.Args) (bool, error) {
	if args == nil {
		return false, nil
	}
	v, ok := args.Get(alphabetArg)
	if !ok {
		return false, nil
	}
	switch v {
	case alphabetStd:
		return false, nil
	case alphabetURL:
		return true, nil
	}
	return false, fmt.Errorf("invalid %s: %q", alphabetArg, v)
}

// Transport is the base64 implementation of the base.Transport interface.
type Transport struct{}

// Name returns the name of the base64 transport protocol.
func (t *Transport) Name() string {
	return transportName
}

// ClientFactory returns a new base64ClientFactory instance.
func (t *Transport) ClientFactory(stateDir string) (base.ClientFactory, error) {
	return &base64ClientFactory{transport: t}, nil
}

// ServerFactory returns a new base64ServerFactory instance.
func (t *Transport) ServerFactory(stateDir string, args *pt.Args) (base.ServerFactory, error) {
	url, err := parseAlphabet(args)
	if err != nil {
		return nil, err
	}
	return &base64ServerFactory{transport: t, url: url}, nil
}

type base64ClientFactory struct {
	transport base.Transport
}

func (cf *base64ClientFactory) Transport() base.Transport {
	return cf.transport
}

func (cf *base64ClientFactory) ParseArgs(args *pt.Args) (interface{}, error) {
	return parseAlphabet(args)
}

func (cf *base64ClientFactory) WrapConn(conn net.Conn, args interface{}) (net.Conn, error) {
	url, ok := args.(bool)
	if !ok {
		return nil, fmt.Errorf("invalid argument type for args")
	}
	return pipe.Wrap(conn, NewTransform(url)), nil
}

type base64ServerFactory struct {
	transport base.Transport
	url       bool
}

func (sf *base64ServerFactory) Transport() base.Transport {
	return sf.transport
}

func (sf *base64ServerFactory) Args() *pt.Args {
	args := pt.Args{}
	if sf.url {
		args.Add(alphabetArg, alphabetURL)
	}
	return &args
}

func (sf *base64ServerFactory) WrapConn(conn net.Conn) (net.Conn, error) {
	return pipe.Wrap(conn, NewTransform(sf.url)), nil
}

var _ base.ClientFactory = (*base64ClientFactory)(nil)
var _ base.ServerFactory = (*base64ServerFactory)(nil)
var _ base.Transport = (*Transport)(nil)
