package managed

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RACECAR-GU/ptcore/extorport"
)

var testSupported = []string{"valid_y", "hex", "identity"}

func negotiate(t *testing.T, env Environment) (*Report, error) {
	t.Helper()
	report, err := NewNegotiator(env, testSupported).Negotiate(context.Background())
	if report != nil {
		t.Cleanup(func() { report.Close() })
	}
	return report, err
}

func outcomes(report *Report) map[string]Outcome {
	m := make(map[string]Outcome)
	for _, res := range report.Results {
		m[res.Spec.Name] = res.Outcome
	}
	return m
}

func TestUnsupportedDoesNotAbortOthers(t *testing.T) {
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "unsupported_x,valid_y",
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	var unsupported, ready int
	for _, res := range report.Results {
		switch res.Outcome {
		case OutcomeUnsupported:
			unsupported++
			assert.Equal(t, "unsupported_x", res.Spec.Name)
			assert.ErrorIs(t, res.Err, ErrUnsupported)
			assert.Nil(t, res.Client)
		case OutcomeReady:
			ready++
			assert.Equal(t, "valid_y", res.Spec.Name)
			require.NotNil(t, res.Client)
			assert.Nil(t, res.Server)
		}
	}
	assert.Equal(t, 1, unsupported)
	assert.Equal(t, 1, ready)
	assert.Len(t, report.Ready(), 1)
}

func TestNegotiatorStates(t *testing.T) {
	n := NewNegotiator(Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "hex",
	}, testSupported)
	assert.Equal(t, StateInit, n.State())

	_, err := n.Negotiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTerminal, n.State())
	assert.Equal(t, []State{StateInit, StateValidate, StateBind, StateReport, StateTerminal}, n.History())

	_, err = n.Negotiate(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyNegotiated)
}

func TestClientResultsInRequestOrder(t *testing.T) {
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "hex,bad-name,unsupported_x,identity,hex",
	})
	require.NoError(t, err)

	var names []string
	var got []Outcome
	for _, res := range report.Results {
		names = append(names, res.Spec.Name)
		got = append(got, res.Outcome)
	}
	assert.Equal(t, []string{"hex", "bad-name", "unsupported_x", "identity", "hex"}, names)
	assert.Equal(t, []Outcome{
		OutcomeReady,
		OutcomeConfigError,
		OutcomeUnsupported,
		OutcomeReady,
		OutcomeConfigError,
	}, got)

	var cfgErr *ConfigError
	require.ErrorAs(t, report.Results[1].Err, &cfgErr)
	assert.Equal(t, "bad-name", cfgErr.Transport)
}

func TestClientWildcard(t *testing.T) {
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "*",
	})
	require.NoError(t, err)
	assert.Len(t, report.Ready(), len(testSupported))
}

func TestFatalConfiguration(t *testing.T) {
	cookiePath := writeCookieFile(t, testCookie())

	for name, tc := range map[string]struct {
		env  Environment
		want interface{}
	}{
		"no version": {
			env:  Environment{KeyClientTransports: "hex"},
			want: EnvError(""),
		},
		"unsupported version": {
			env:  Environment{KeyManagedTransportVer: "2", KeyClientTransports: "hex"},
			want: VersionError(""),
		},
		"no transports": {
			env:  Environment{KeyManagedTransportVer: "1"},
			want: EnvError(""),
		},
		"bad proxy": {
			env:  Environment{KeyManagedTransportVer: "1", KeyClientTransports: "hex", KeyProxy: "http://127.0.0.1:8080"},
			want: ProxyError(""),
		},
		"no orport": {
			env:  Environment{KeyManagedTransportVer: "1", KeyServerTransports: "hex"},
			want: EnvError(""),
		},
		"bad orport": {
			env:  Environment{KeyManagedTransportVer: "1", KeyServerTransports: "hex", KeyORPort: "localhost:9001"},
			want: EnvError(""),
		},
		"extorport without cookie": {
			env:  Environment{KeyManagedTransportVer: "1", KeyServerTransports: "hex", KeyExtendedServerPort: "127.0.0.1:9001"},
			want: EnvError(""),
		},
		"missing cookie file": {
			env: Environment{
				KeyManagedTransportVer: "1",
				KeyServerTransports:    "hex",
				KeyExtendedServerPort:  "127.0.0.1:9001",
				KeyAuthCookieFile:      filepath.Join(t.TempDir(), "missing"),
			},
			want: EnvError(""),
		},
		"bad bindaddr": {
			env: Environment{
				KeyManagedTransportVer: "1",
				KeyServerTransports:    "hex",
				KeyORPort:              "127.0.0.1:9001",
				KeyServerBindAddr:      "hex127.0.0.1:0",
			},
			want: EnvError(""),
		},
		"bad options": {
			env: Environment{
				KeyManagedTransportVer: "1",
				KeyServerTransports:    "hex",
				KeyExtendedServerPort:  "127.0.0.1:9001",
				KeyAuthCookieFile:      cookiePath,
				KeyServerTransportOpts: "hex",
			},
			want: EnvError(""),
		},
	} {
		n := NewNegotiator(tc.env, testSupported)
		report, err := n.Negotiate(context.Background())
		assert.Nil(t, report, name)
		assert.IsType(t, tc.want, err, name)
		assert.Equal(t, StateTerminal, n.State(), name)
	}
}

func TestProxyOnlyForClients(t *testing.T) {
	// A proxy tor can not have meant for a server transport is ignored.
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex",
		KeyORPort:              "127.0.0.1:9001",
		KeyServerBindAddr:      "hex-127.0.0.1:0",
		KeyProxy:               "http://127.0.0.1:8080",
	})
	require.NoError(t, err)
	assert.Nil(t, report.Proxy)

	report, err = negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "hex",
		KeyProxy:               "socks5://127.0.0.1:1080",
	})
	require.NoError(t, err)
	require.NotNil(t, report.Proxy)
	assert.Equal(t, "127.0.0.1:1080", report.Proxy.Host)
	assert.Equal(t, report.Proxy, report.Results[0].Client.Proxy)
}

func TestServerBind(t *testing.T) {
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex,identity,unsupported_x",
		KeyServerBindAddr:      "hex-127.0.0.1:0,unsupported_x-127.0.0.1:0",
		KeyServerTransportOpts: "hex:case=upper",
		KeyORPort:              "127.0.0.1:9001",
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, map[string]Outcome{
		"hex":           OutcomeReady,
		"identity":      OutcomeReady,
		"unsupported_x": OutcomeUnsupported,
	}, outcomes(report))

	hex := report.Results[0].Server
	require.NotNil(t, hex)
	assert.Equal(t, "127.0.0.1:0", report.Results[0].Spec.BindAddr)
	assert.Equal(t, pt.Args{"case": {"upper"}}, hex.Options)
	addr := hex.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.IsLoopback())
	assert.NotZero(t, addr.Port)
	assert.False(t, hex.UsesExtORPort())

	// No bind address means an ephemeral port.
	identity := report.Results[1].Server
	require.NotNil(t, identity)
	assert.Empty(t, report.Results[1].Spec.BindAddr)
	assert.NotZero(t, identity.Addr().(*net.TCPAddr).Port)

	require.NoError(t, report.Close())
	_, err = net.Dial("tcp", hex.Addr().String())
	assert.Error(t, err)
}

func TestServerBindFailureIsPerTransport(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex,identity",
		KeyServerBindAddr:      "hex-" + busy.Addr().String() + ",identity-127.0.0.1:0",
		KeyORPort:              "127.0.0.1:9001",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{
		"hex":      OutcomeBindFailed,
		"identity": OutcomeReady,
	}, outcomes(report))

	var bindErr *BindFailedError
	require.ErrorAs(t, report.Results[0].Err, &bindErr)
	assert.Equal(t, "hex", bindErr.Transport)
	assert.Equal(t, busy.Addr().String(), bindErr.Addr)
	assert.Error(t, bindErr.Unwrap())
}

func TestServerBadBindAddrIsPerTransport(t *testing.T) {
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex,identity,valid_y",
		KeyServerBindAddr:      "hex-localhost:0,identity-127.0.0.1:0,identity-127.0.0.1:0,valid_y-127.0.0.1:0",
		KeyORPort:              "127.0.0.1:9001",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{
		"hex":      OutcomeConfigError,
		"identity": OutcomeConfigError,
		"valid_y":  OutcomeReady,
	}, outcomes(report))
}

func TestStateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pt_state", "nested")
	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "hex",
		KeyStateLocation:       dir,
	})
	require.NoError(t, err)
	assert.Equal(t, dir, report.StateDir)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0700), fi.Mode().Perm())
}

func TestCancelledBeforeBind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewNegotiator(Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex",
		KeyServerBindAddr:      "hex-127.0.0.1:0",
		KeyORPort:              "127.0.0.1:9001",
	}, testSupported)
	report, err := n.Negotiate(ctx)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateTerminal, n.State())
}

func TestClientsResolvedInBindPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewNegotiator(Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "hex,identity",
	}, testSupported)
	report, err := n.Negotiate(ctx)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []State{StateInit, StateValidate, StateBind, StateTerminal}, n.History())
}

func TestConnectORPlain(t *testing.T) {
	orport, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer orport.Close()

	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex",
		KeyServerBindAddr:      "hex-127.0.0.1:0",
		KeyORPort:              orport.Addr().String(),
	})
	require.NoError(t, err)
	d := report.Results[0].Server
	require.NotNil(t, d)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := orport.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	conn, err := d.ConnectOR(context.Background(), nil)
	require.NoError(t, err)
	defer conn.Close()
	relay := <-accepted
	require.NotNil(t, relay)
	defer relay.Close()

	_, err = conn.Write([]byte("cell"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(relay, buf)
	require.NoError(t, err)
	assert.Equal(t, "cell", string(buf))
}

func TestConnectORExtended(t *testing.T) {
	cookie := testCookie()
	relay := newTestRelay(t, cookie)

	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyServerTransports:    "hex",
		KeyServerBindAddr:      "hex-127.0.0.1:0",
		KeyORPort:              "127.0.0.1:9001",
		KeyExtendedServerPort:  relay.addr(),
		KeyAuthCookieFile:      writeCookieFile(t, cookie),
	})
	require.NoError(t, err)
	d := report.Results[0].Server
	require.NotNil(t, d)
	assert.True(t, d.UsesExtORPort())

	remote := &net.TCPAddr{IP: net.ParseIP("198.51.100.5"), Port: 9001}
	conn, err := d.ConnectOR(context.Background(), remote)
	require.NoError(t, err)
	defer conn.Close()

	md := relay.metadata()
	assert.Equal(t, extorport.Metadata{UserAddr: "198.51.100.5:9001", Transport: "hex"}, md)
}

func TestClientDial(t *testing.T) {
	server, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	go func() {
		conn, err := server.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("hi"))
		conn.Close()
	}()

	report, err := negotiate(t, Environment{
		KeyManagedTransportVer: "1",
		KeyClientTransports:    "hex",
	})
	require.NoError(t, err)
	d := report.Results[0].Client
	require.NotNil(t, d)
	assert.Nil(t, d.Proxy)

	conn, err := d.Dial(context.Background(), server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}
