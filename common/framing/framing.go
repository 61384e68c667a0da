// Package framing implements the length-prefixed command frames spoken on the
// Extended ORPort once authentication has completed.
//
// The frame format is:
//
//	uint16_t command (big endian)
//	uint16_t length  (big endian)
//	uint8_t[length] body
//
// A frame is never handed to the caller before its whole body has been read.
package framing // import "github.com/RACECAR-GU/ptcore/common/framing"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// CommandLength is the number of bytes used to represent the command.
	CommandLength = 2

	// LengthLength is the number of bytes used to represent length.
	LengthLength = 2

	// HeaderLength is the fixed size of a frame header.
	HeaderLength = CommandLength + LengthLength

	// MaximumBodyLength is the largest body a frame can carry.
	MaximumBodyLength = 65535
)

// ErrTruncated is the error returned when the stream ends before a full frame
// could be read.
var ErrTruncated = errors.New("framing: truncated frame")

// ErrMalformedHeader is part of the error taxonomy for completeness.  The
// header is fixed width, so Decode never returns it.
var ErrMalformedHeader = errors.New("framing: malformed header")

// InvalidLengthError is the error returned when Encode rejects the body
// length.
type InvalidLengthError int

func (e InvalidLengthError) Error() string {
	return fmt.Sprintf("framing: Invalid body length: %d", int(e))
}

// Frame is a single decoded command.
type Frame struct {
	Command uint16
	Body    []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("{command=0x%04x,len=%d}", f.Command, len(f.Body))
}

// Encode serializes a command and its body into a single frame.
func Encode(command uint16, body []byte) ([]byte, error) {
	if len(body) > MaximumBodyLength {
		return nil, InvalidLengthError(len(body))
	}

	frame := make([]byte, HeaderLength+len(body))
	binary.BigEndian.PutUint16(frame[0:], command)
	binary.BigEndian.PutUint16(frame[CommandLength:], uint16(len(body)))
	copy(frame[HeaderLength:], body)
	return frame, nil
}

// WriteFrame encodes a frame and writes it to w with a single Write call.
func WriteFrame(w io.Writer, command uint16, body []byte) error {
	frame, err := Encode(command, body)
	if err != nil {
		return err
	}

	wrLen, err := w.Write(frame)
	if err != nil {
		return err
	} else if wrLen < len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// Decode reads exactly one frame from r.  If the stream ends before the
// frame is complete the returned error wraps ErrTruncated; all other read
// errors are returned unchanged.
func Decode(r io.Reader) (*Frame, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncated(err)
	}

	f := &Frame{Command: binary.BigEndian.Uint16(hdr[0:])}
	length := binary.BigEndian.Uint16(hdr[CommandLength:])
	f.Body = make([]byte, length)
	if _, err := io.ReadFull(r, f.Body); err != nil {
		return nil, truncated(err)
	}
	return f, nil
}

type truncatedError struct {
	cause error
}

func (e *truncatedError) Error() string {
	return ErrTruncated.Error() + ": " + e.cause.Error()
}

func (e *truncatedError) Is(target error) bool {
	return target == ErrTruncated
}

func (e *truncatedError) Unwrap() error {
	return e.cause
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &truncatedError{err}
	}
	return err
}
