// Package secretbox provides a transport that carries payload in NaCl
// secretbox frames with obfuscated lengths, keyed by a secret shared out of
// band through the bridge line.
//
// Each direction has its own key, nonce prefix and length DRBG seed, derived
// with HKDF-SHA256 from the shared secret.  The frame format is:
//
//	uint16_t length (obfuscated, big endian)
//	NaCl secretbox (Poly1305/XSalsa20) containing:
//	  uint8_t[16] tag
//	  uint8_t[]   payload
//
// The length is that of the secretbox, XORed with the first two bytes of the
// next SipHash-2-4 DRBG block.  The secretbox nonce is the fixed prefix
// followed by a big endian frame counter starting at 1, and is never sent.
package secretbox // import "github.com/RACECAR-GU/ptcore/transports/secretbox"

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"golang.org/x/crypto/hkdf"

	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/pipe"
)

const (
	transportName = "secretbox"

	secretArg = "secret"

	kdfInfo = "ptcore secretbox key expansion"
)

var errNoSecret = errors.New("secretbox: missing argument '" + secretArg + "'")

// Transform is the secretbox base.Transform.
type Transform struct {
	encoder *Encoder
	decoder *Decoder
}

// NewTransform derives the keys for one end of a connection from secret.
func NewTransform(secret []byte, isServer bool) (*Transform, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}

	okm := make([]byte, 2*KeyLength)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, okm); err != nil {
		return nil, err
	}
	clientToServer, serverToClient := okm[:KeyLength], okm[KeyLength:]

	t := new(Transform)
	if isServer {
		t.encoder = NewEncoder(serverToClient)
		t.decoder = NewDecoder(clientToServer)
	} else {
		t.encoder = NewEncoder(clientToServer)
		t.decoder = NewDecoder(serverToClient)
	}
	clear(okm)
	return t, nil
}

func (t *Transform) Seal(p []byte) ([]byte, error) {
	var frames []byte
	for len(p) > 0 {
		n := len(p)
		if n > MaximumFramePayloadLength {
			n = MaximumFramePayloadLength
		}
		var err error
		if frames, err = t.encoder.Encode(frames, p[:n]); err != nil {
			return nil, err
		}
		p = p[n:]
	}
	return frames, nil
}

func (t *Transform) Reveal(b []byte) ([]byte, error) {
	return t.decoder.Decode(b)
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

// Transport is the secretbox implementation of the base.Transport interface.
type Transport struct{}

// Name returns the name of the secretbox transport protocol.
func (t *Transport) Name() string {
	return transportName
}

// ClientFactory returns a new secretboxClientFactory instance.
func (t *Transport) ClientFactory(stateDir string) (base.ClientFactory, error) {
	return &secretboxClientFactory{transport: t}, nil
}

// ServerFactory returns a new secretboxServerFactory instance.
func (t *Transport) ServerFactory(stateDir string, args *pt.Args) (base.ServerFactory, error) {
	secret, err := secretFromArgs(args)
	if err != nil {
		return nil, err
	}
	return &secretboxServerFactory{transport: t, secret: secret}, nil
}

type secretboxClientFactory struct {
	transport base.Transport
}

func (cf *secretboxClientFactory) Transport() base.Transport {
	return cf.transport
}

func (cf *secretboxClientFactory) ParseArgs(args *pt.Args) (interface{}, error) {
	return secretFromArgs(args)
}

func (cf *secretboxClientFactory) WrapConn(conn net.Conn, args interface{}) (net.Conn, error) {
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

type secretboxServerFactory struct {
	transport base.Transport
	secret    []byte
}

func (sf *secretboxServerFactory) Transport() base.Transport {
	return sf.transport
}

func (sf *secretboxServerFactory) Args() *pt.Args {
	args := pt.Args{}
	args.Add(secretArg, string(sf.secret))
	return &args
}

func (sf *secretboxServerFactory) WrapConn(conn net.Conn) (net.Conn, error) {
	t, err := NewTransform(sf.secret, true)
	if err != nil {
		return nil, err
	}
	return pipe.Wrap(conn, t), nil
}

var _ base.ClientFactory = (*secretboxClientFactory)(nil)
var _ base.ServerFactory = (*secretboxServerFactory)(nil)
var _ base.Transport = (*Transport)(nil)
