// Package stretch provides a transport that stretches every payload byte into
// a wider block of biased bits, lowering the entropy of the wire bytes.  The
// stretching tables and bit shuffles are keyed by a secret shared out of band
// through the bridge line.
//
// Each direction derives an AES-256-CTR stream with HKDF-SHA256 from the
// secret.  The stream first draws the direction's table of 256 distinct
// biased strings, then drives the bit shuffle of every block in order.
package stretch // import "github.com/RACECAR-GU/ptcore/transports/stretch"

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"golang.org/x/crypto/hkdf"

	"github.com/RACECAR-GU/ptcore/common/ctstretch"
	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/pipe"
)

const (
	transportName = "stretch"

	secretArg = "secret"

	kdfInfo = "ptcore stretch key expansion"

	// Payload is stretched one byte at a time.
	inputBlockBits = 8

	// OutputBlockBits is the width of a stretched byte on the wire.
	OutputBlockBits = 32

	// Bias is the probability of a zero bit in a table entry.
	Bias = 0.8

	keyLength       = 32
	directionLength = keyLength + aes.BlockSize
)

var errNoSecret = errors.New("stretch: missing argument '" + secretArg + "'")

type direction struct {
	table     []uint64
	inversion map[uint64]uint64
	stream    cipher.Stream
}

func newDirection(material []byte) (*direction, error) {
	block, err := aes.NewCipher(material[:keyLength])
	if err != nil {
		return nil, err
	}
	d := &direction{stream: cipher.NewCTR(block, material[keyLength:])}
	d.table = ctstretch.SampleBiasedStrings(OutputBlockBits, 256, Bias, d.stream)
	d.inversion = ctstretch.InvertTable(d.table)
	return d, nil
}

// Transform is the stretch base.Transform.
type Transform struct {
	encoder *direction
	decoder *direction

	pending []byte
}

// NewTransform derives the tables and streams for one end of a connection
// from secret.
func NewTransform(secret []byte, isServer bool) (*Transform, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}

	okm := make([]byte, 2*directionLength)
	defer clear(okm)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, okm); err != nil {
		return nil, err
	}

	clientToServer, err := newDirection(okm[:directionLength])
	if err != nil {
		return nil, err
	}
	serverToClient, err := newDirection(okm[directionLength:])
	if err != nil {
		return nil, err
	}

	if isServer {
		return &Transform{encoder: serverToClient, decoder: clientToServer}, nil
	}
	return &Transform{encoder: clientToServer, decoder: serverToClient}, nil
}

func (t *Transform) Seal(p []byte) ([]byte, error) {
	out := make([]byte, ctstretch.ExpandedNBytes(uint64(len(p)), inputBlockBits, OutputBlockBits))
	if err := ctstretch.ExpandBytes(p, out, inputBlockBits, OutputBlockBits, nil, t.encoder.table, t.encoder.stream); err != nil {
		return nil, err
	}
	return out, nil
}

// Reveal compresses every complete block received so far and keeps the
// remainder for the next call.
func (t *Transform) Reveal(b []byte) ([]byte, error) {
	t.pending = append(t.pending, b...)

	const blockBytes = OutputBlockBits / 8
	n := len(t.pending) / blockBytes * blockBytes
	if n == 0 {
		return nil, nil
	}

	out := make([]byte, ctstretch.CompressedNBytes(uint64(n), OutputBlockBits, inputBlockBits))
	if err := ctstretch.CompressBytes(t.pending[:n], out, OutputBlockBits, inputBlockBits, nil, t.decoder.inversion, t.decoder.stream); err != nil {
		return nil, err
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
	return out, nil
}

func secretFromArgs(args *pt.Args) ([]byte, error) {
	if args == nil {
		return nil, errNoSecret
	}
	secret, ok := args.Get(secretArg)
	if !ok || secret == "" {
		return nil, errNoSecret
	}
	return []byte(secret), nil
}

// Transport is the stretch implementation of the base.Transport interface.
type Transport struct{}

// Name returns the name of the stretch transport protocol.
func (t *Transport) Name() string {
	return transportName
}

// ClientFactory returns a new stretchClientFactory instance.
func (t *Transport) ClientFactory(stateDir string) (base.ClientFactory, error) {
	return &stretchClientFactory{transport: t}, nil
}

// ServerFactory returns a new stretchServerFactory instance.
func (t *Transport) ServerFactory(stateDir string, args *pt.Args) (base.ServerFactory, error) {
	secret, err := secretFromArgs(args)
	if err != nil {
		return nil, err
	}
	return &stretchServerFactory{transport: t, secret: secret}, nil
}

type stretchClientFactory struct {
	transport base.Transport
}

func (cf *stretchClientFactory) Transport() base.Transport {
	return cf.transport
}

func (cf *stretchClientFactory) ParseArgs(args *pt.Args) (interface{}, error) {
	return secretFromArgs(args)
}

func (cf *stretchClientFactory) WrapConn(conn net.Conn, args interface{}) (net.Conn, error) {
	secret, ok := args.([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid argument type for args")
	}
	t, err := NewTransform(secret, false)
	if err != nil {
		return nil, err
	}
	return pipe.Wrap(conn, t), nil
}

type stretchServerFactory struct {
	transport base.Transport
	secret    []byte
}

func (sf *stretchServerFactory) Transport() base.Transport {
	return sf.transport
}

func (sf *stretchServerFactory) Args() *pt.Args {
	args := pt.Args{}
	args.Add(secretArg, string(sf.secret))
	return &args
}

func (sf *stretchServerFactory) WrapConn(conn net.Conn) (net.Conn, error) {
	t, err := NewTransform(sf.secret, true)
	if err != nil {
		return nil, err
	}
	return pipe.Wrap(conn, t), nil
}

var _ base.ClientFactory = (*stretchClientFactory)(nil)
var _ base.ServerFactory = (*stretchServerFactory)(nil)
var _ base.Transport = (*Transport)(nil)
