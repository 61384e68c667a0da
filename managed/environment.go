// Package managed implements the negotiation half of the managed pluggable
// transport protocol: it validates the configuration tor hands a transport
// process, binds server listeners and produces a per-transport report that
// the caller serializes as CMETHOD/SMETHOD status lines.
//
// The package never reads the process environment itself.  Configuration is
// passed in as an Environment, which EnvironmentFrom builds from os.Environ.
package managed // import "github.com/RACECAR-GU/ptcore/managed"

import (
	"errors"
	"fmt"
	"strings"
)

// Environment keys understood by the negotiator.
const (
	KeyManagedTransportVer = "TOR_PT_MANAGED_TRANSPORT_VER"
	KeyClientTransports    = "TOR_PT_CLIENT_TRANSPORTS"
	KeyServerTransports    = "TOR_PT_SERVER_TRANSPORTS"
	KeyServerBindAddr      = "TOR_PT_SERVER_BINDADDR"
	KeyServerTransportOpts = "TOR_PT_SERVER_TRANSPORT_OPTIONS"
	KeyStateLocation       = "TOR_PT_STATE_LOCATION"
	KeyORPort              = "TOR_PT_ORPORT"
	KeyExtendedServerPort  = "TOR_PT_EXTENDED_SERVER_PORT"
	KeyAuthCookieFile      = "TOR_PT_AUTH_COOKIE_FILE"
	KeyProxy               = "TOR_PT_PROXY"
	KeyExitOnStdinClose    = "TOR_PT_EXIT_ON_STDIN_CLOSE"
)

const (
	environmentKeyPrefix = "TOR_PT_"

	// ProtocolVersion is the managed transport protocol version spoken.
	ProtocolVersion = "1"
)

// Environment is the managed transport configuration, keyed by the variable
// names tor uses.  A missing key and an empty value are treated alike.
type Environment map[string]string

// EnvironmentFrom extracts the TOR_PT_ variables from a list of "key=value"
// strings such as os.Environ returns.
func EnvironmentFrom(environ []string) Environment {
	env := make(Environment)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, environmentKeyPrefix) {
			continue
		}
		env[k] = v
	}
	return env
}

// Get returns the value of key, or "" if it is not set.
func (env Environment) Get(key string) string {
	return env[key]
}

// ExitOnStdinClose reports whether tor asked the transport to exit once its
// standard input is closed.
func (env Environment) ExitOnStdinClose() bool {
	return env[KeyExitOnStdinClose] == "1"
}

func (env Environment) require(key string) (string, error) {
	v := env[key]
	if v == "" {
		return "", EnvError(fmt.Sprintf("no %s environment variable", key))
	}
	return v, nil
}

// ErrAlreadyNegotiated is returned by Negotiate when called more than once.
var ErrAlreadyNegotiated = errors.New("managed: negotiation already ran")

// ErrUnsupported is the cause attached to OutcomeUnsupported results.
var ErrUnsupported = errors.New("no such transport is supported")

// EnvError is a fatal configuration error.  The caller reports it with an
// ENV-ERROR line and exits.
type EnvError string

func (e EnvError) Error() string {
	return "managed: " + string(e)
}

// VersionError is returned when tor offers no protocol version this package
// speaks.  The caller reports it with a VERSION-ERROR line and exits.
type VersionError string

func (e VersionError) Error() string {
	return "managed: unsupported protocol versions: " + string(e)
}

// ProxyError is returned when the upstream proxy tor asked for can not be
// used.  The caller reports it with a PROXY-ERROR line and exits.
type ProxyError string

func (e ProxyError) Error() string {
	return "managed: " + string(e)
}

// ConfigError is a per-transport configuration problem.  Only the affected
// transport is skipped.
type ConfigError struct {
	Transport string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("managed: transport %q: %s", e.Transport, e.Reason)
}

// BindFailedError is returned when a server transport's listener could not
// be created.
type BindFailedError struct {
	Transport string
	Addr      string
	Err       error
}

func (e *BindFailedError) Error() string {
	return fmt.Sprintf("managed: transport %q: bind %s: %v", e.Transport, e.Addr, e.Err)
}

func (e *BindFailedError) Unwrap() error {
	return e.Err
}
