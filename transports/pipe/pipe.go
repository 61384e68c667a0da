// Package pipe composes a connection with a transport's Transform, producing a
// connection whose reads and writes pass through it.
package pipe // import "github.com/RACECAR-GU/ptcore/transports/pipe"

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/RACECAR-GU/ptcore/common/log"
	"github.com/RACECAR-GU/ptcore/transports/base"
)

const readBufferSize = 32 * 1024

// TransformFailedError is returned by every call on a Conn once its
// transform failed.
type TransformFailedError struct {
	Err error
}

func (e *TransformFailedError) Error() string {
	return "pipe: transform failed: " + e.Err.Error()
}

func (e *TransformFailedError) Unwrap() error {
	return e.Err
}

// Conn is a net.Conn whose payload passes through a base.Transform.  Reads
// are serialized with each other, as are writes, but a read and a write may
// run concurrently.
type Conn struct {
	net.Conn

	transform base.Transform

	readLock sync.Mutex
	readBuf  []byte
	revealed []byte
	readEOF  bool

	writeLock sync.Mutex

	failLock sync.Mutex
	failed   error
}

// Wrap returns conn with t applied.  The returned Conn owns conn.
func Wrap(conn net.Conn, t base.Transform) *Conn {
	return &Conn{
		Conn:      conn,
		transform: t,
		readBuf:   make([]byte, readBufferSize),
	}
}

func (c *Conn) failure() error {
	c.failLock.Lock()
	defer c.failLock.Unlock()
	return c.failed
}

// fail records the first transform error and tears down the inner
// connection.
func (c *Conn) fail(err error) error {
	c.failLock.Lock()
	defer c.failLock.Unlock()
	if c.failed == nil {
		c.failed = &TransformFailedError{Err: err}
		c.Conn.Close()
		log.Debugf("pipe: %s: transform failed: %s", log.ElideAddr(c.RemoteAddr().String()), log.ElideError(err))
	}
	return c.failed
}

// Read reads revealed payload into p.
func (c *Conn) Read(p []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	if err := c.failure(); err != nil {
		return 0, err
	}
	for len(c.revealed) == 0 {
		if c.readEOF {
			return 0, io.EOF
		}
		n, err := c.Conn.Read(c.readBuf)
		if n > 0 {
			out, terr := c.transform.Reveal(c.readBuf[:n])
			if terr != nil {
				return 0, c.fail(terr)
			}
			c.revealed = append(c.revealed, out...)
		}
		if err != nil {
			if len(c.revealed) == 0 {
				return 0, c.readError(err)
			}
			c.readEOF = errors.Is(err, io.EOF)
			break
		}
	}

	n := copy(p, c.revealed)
	c.revealed = c.revealed[n:]
	if len(c.revealed) == 0 {
		c.revealed = nil
	}
	return n, nil
}

// readError prefers the transform failure over the error the inner
// connection reports after fail closed it.
func (c *Conn) readError(err error) error {
	if ferr := c.failure(); ferr != nil {
		return ferr
	}
	return err
}

// Write seals p and writes it to the inner connection.  On success the
// number of plaintext bytes consumed, len(p), is returned.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.failure(); err != nil {
		return 0, err
	}
	sealed, err := c.transform.Seal(p)
	if err != nil {
		return 0, c.fail(err)
	}
	if len(sealed) > 0 {
		if _, err := c.Conn.Write(sealed); err != nil {
			if ferr := c.failure(); ferr != nil {
				return 0, ferr
			}
			return 0, err
		}
	}
	return len(p), nil
}

// Close closes the inner connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}
