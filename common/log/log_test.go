package log

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	defer SetLogLevel("INFO")

	for _, tc := range []struct {
		in   string
		want int
	}{
		{"error", LevelError},
		{"WARN", LevelWarn},
		{"Info", LevelInfo},
		{"debug", LevelDebug},
	} {
		require.NoError(t, SetLogLevel(tc.in))
		assert.Equal(t, tc.want, Level(), tc.in)
	}
	assert.Error(t, SetLogLevel("verbose"))
}

func TestElideAddr(t *testing.T) {
	unsafeLogging = false
	assert.Equal(t, "[scrubbed]:9001", ElideAddr("198.51.100.5:9001"))
	assert.Equal(t, "[scrubbed]", ElideAddr("198.51.100.5"))

	unsafeLogging = true
	defer func() { unsafeLogging = false }()
	assert.Equal(t, "198.51.100.5:9001", ElideAddr("198.51.100.5:9001"))
}

func TestElideError(t *testing.T) {
	unsafeLogging = false
	err := &net.OpError{
		Op:   "dial",
		Net:  "tcp",
		Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.5"), Port: 9001},
		Err:  errors.New("connection refused"),
	}
	assert.Equal(t, "dial tcp: connection refused", ElideError(err))
	assert.NotContains(t, ElideError(err), "198.51.100.5")
	assert.Equal(t, "<nil>", ElideError(nil))
}

func TestInitScrubsAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pt.log")
	require.NoError(t, Init(true, path, false))
	defer Init(false, "", false)

	Infof("accepted connection from %s", "198.51.100.5:9001")
	Debugf("not logged at INFO")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "accepted connection from")
	assert.NotContains(t, out, "198.51.100.5")
	assert.NotContains(t, out, "not logged at INFO")
}
