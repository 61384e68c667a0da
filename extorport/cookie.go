package extorport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// CookieLength is the length of the shared Extended ORPort secret.
const CookieLength = 32

const cookieFileHeader = "! Extended ORPort Auth Cookie !\x0a"

// ErrInvalidCookieFile is the error returned when a cookie file does not
// have the format written by tor.
var ErrInvalidCookieFile = errors.New("extorport: invalid auth cookie file")

// Cookie is the secret shared between tor and the transport out of band.  It
// is read-only once loaded and may be used by many sessions concurrently.  It
// never renders its contents when formatted.
type Cookie [CookieLength]byte

func (Cookie) String() string {
	return "[scrubbed]"
}

func (Cookie) GoString() string {
	return "extorport.Cookie{[scrubbed]}"
}

// Zero overwrites the cookie.  Call it once no session needs the cookie
// anymore.
func (c *Cookie) Zero() {
	clear(c[:])
}

// ReadCookie parses tor's auth cookie file format: a fixed 32 byte header
// followed by the 32 byte cookie, with nothing after it.
func ReadCookie(r io.Reader) (*Cookie, error) {
	// Read one byte past the expected size to detect trailing garbage.
	buf, err := io.ReadAll(io.LimitReader(r, int64(len(cookieFileHeader)+CookieLength+1)))
	if err != nil {
		return nil, err
	}
	if len(buf) != len(cookieFileHeader)+CookieLength {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrInvalidCookieFile, len(buf), len(cookieFileHeader)+CookieLength)
	}
	if !bytes.Equal(buf[:len(cookieFileHeader)], []byte(cookieFileHeader)) {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidCookieFile)
	}

	cookie := new(Cookie)
	copy(cookie[:], buf[len(cookieFileHeader):])
	clear(buf)
	return cookie, nil
}

// LoadCookieFile reads the cookie at path, as named by
// TOR_PT_AUTH_COOKIE_FILE.
func LoadCookieFile(path string) (*Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCookie(f)
}
