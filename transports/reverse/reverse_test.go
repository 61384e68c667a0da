package reverse

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal(t *testing.T) {
	out, err := NewTransform().Seal([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 11}, "dlrow olleh"...), out)

	out, err = NewTransform().Seal(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRevealAcrossReads(t *testing.T) {
	sealer, revealer := NewTransform(), NewTransform()

	msg := make([]byte, 2*MaximumChunkLength+10)
	_, err := rand.Read(msg)
	require.NoError(t, err)
	wire, err := sealer.Seal(msg)
	require.NoError(t, err)
	assert.Len(t, wire, len(msg)+3*lengthLength)

	more, err := sealer.Seal([]byte("tail"))
	require.NoError(t, err)
	wire = append(wire, more...)

	var got []byte
	for len(wire) > 0 {
		n := 1000
		if n > len(wire) {
			n = len(wire)
		}
		out, err := revealer.Reveal(wire[:n])
		require.NoError(t, err)
		got = append(got, out...)
		wire = wire[n:]
	}
	assert.True(t, bytes.Equal(append(msg, "tail"...), got))
	assert.Empty(t, revealer.pending)
}

func TestFactories(t *testing.T) {
	tr := new(Transport)
	sf, err := tr.ServerFactory("", nil)
	require.NoError(t, err)
	assert.Nil(t, sf.Args())
	cf, err := tr.ClientFactory("")
	require.NoError(t, err)
	args, err := cf.ParseArgs(nil)
	require.NoError(t, err)

	a, b := net.Pipe()
	client, err := cf.WrapConn(a, args)
	require.NoError(t, err)
	server, err := sf.WrapConn(b)
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()

	go client.Write([]byte("hello"))
	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
