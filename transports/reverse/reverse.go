// Package reverse provides a transport that sends payload with the byte order
// of every chunk reversed.
//
// Each write becomes one or more chunks:
//
//	uint16_t length (big endian)
//	uint8_t[] payload, last byte first
//
// The length prefix keeps the reversal independent of how the wire bytes are
// split by reads.
package reverse // import "github.com/RACECAR-GU/ptcore/transports/reverse"

import (
	"encoding/binary"
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"

	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/pipe"
)

const (
	transportName = "reverse"

	lengthLength = 2

	// MaximumChunkLength is the largest payload a single chunk carries.
	MaximumChunkLength = 65535
)

// Transform reverses written payload per chunk and restores read payload.
type Transform struct {
	pending []byte
}

// NewTransform returns a reverse Transform.
func NewTransform() *Transform {
	return new(Transform)
}

func reverseInto(dst, src []byte) {
	for i, j := 0, len(src)-1; j >= 0; i, j = i+1, j-1 {
		dst[i] = src[j]
	}
}

func (t *Transform) Seal(p []byte) ([]byte, error) {
	nChunks := (len(p) + MaximumChunkLength - 1) / MaximumChunkLength
	out := make([]byte, 0, len(p)+nChunks*lengthLength)
	for len(p) > 0 {
		n := len(p)
		if n > MaximumChunkLength {
			n = MaximumChunkLength
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
		start := len(out)
		out = out[:start+n]
		reverseInto(out[start:], p[:n])
		p = p[n:]
	}
	return out, nil
}

// Reveal restores every complete chunk received so far and keeps the
// remainder for the next call.
func (t *Transform) Reveal(b []byte) ([]byte, error) {
	t.pending = append(t.pending, b...)

	var out []byte
	off := 0
	for len(t.pending)-off >= lengthLength {
		n := int(binary.BigEndian.Uint16(t.pending[off:]))
		if len(t.pending)-off-lengthLength < n {
			break
		}
		chunk := t.pending[off+lengthLength : off+lengthLength+n]
		start := len(out)
		out = append(out, make([]byte, n)...)
		reverseInto(out[start:], chunk)
		off += lengthLength + n
	}
	t.pending = append(t.pending[:0], t.pending[off:]...)
	return out, nil
}

// Transport is the reverse implementation of the base.Transport interface.
type Transport struct{}

// Name returns the name of the reverse transport protocol.
func (t *Transport) Name() string {
	return transportName
}

// ClientFactory returns a new reverseClientFactory instance.
func (t *Transport) ClientFactory(stateDir string) (base.ClientFactory, error) {
	return &reverseClientFactory{transport: t}, nil
}

// ServerFactory returns a new reverseServerFactory instance.
func (t *Transport) ServerFactory(stateDir string, args *pt.Args) (base.ServerFactory, error) {
	return &reverseServerFactory{transport: t}, nil
}

type reverseClientFactory struct {
	transport base.Transport
}

func (cf *reverseClientFactory) Transport() base.Transport {
	return cf.transport
}

func (cf *reverseClientFactory) ParseArgs(args *pt.Args) (interface{}, error) {
	return nil, nil
}

func (cf *reverseClientFactory) WrapConn(conn net.Conn, args interface{}) (net.Conn, error) {
	return pipe.Wrap(conn, NewTransform()), nil
}

type reverseServerFactory struct {
	transport base.Transport
}

func (sf *reverseServerFactory) Transport() base.Transport {
	return sf.transport
}

func (sf *reverseServerFactory) Args() *pt.Args {
	return nil
}

func (sf *reverseServerFactory) WrapConn(conn net.Conn) (net.Conn, error) {
	return pipe.Wrap(conn, NewTransform()), nil
}

var _ base.ClientFactory = (*reverseClientFactory)(nil)
var _ base.ServerFactory = (*reverseServerFactory)(nil)
var _ base.Transport = (*Transport)(nil)
