package managed

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
)

var transportNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validTransportName reports whether name is a syntactically valid transport
// name: a C identifier.
func validTransportName(name string) bool {
	return transportNameRe.MatchString(name)
}

// parseVersions checks that ProtocolVersion is among the comma separated
// versions tor offers.
func parseVersions(s string) error {
	for _, v := range strings.Split(s, ",") {
		if v == ProtocolVersion {
			return nil
		}
	}
	return VersionError(s)
}

// parseTransportList splits a comma separated list of transport names.  "*"
// expands to every supported transport.
func parseTransportList(s string, supported []string) []string {
	if s == "*" {
		return append([]string(nil), supported...)
	}
	return strings.Split(s, ",")
}

// resolveAddr parses a numeric "host:port" address.  IPv6 hosts may be given
// in brackets or bare, in which case the last colon separates the port.
func resolveAddr(s string) (*net.TCPAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		i := strings.LastIndexByte(s, ':')
		if i < 0 {
			return nil, err
		}
		host, port = s[:i], s[i+1:]
	}
	if host == "" {
		return nil, fmt.Errorf("address %q has no host", s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("address %q does not have a numeric host", s)
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("address %q has an invalid port", s)
	}
	return &net.TCPAddr{IP: ip, Port: int(portNum)}, nil
}

// bindEntry is one "transport-addr" element of TOR_PT_SERVER_BINDADDR.  The
// address is kept as text so a bad address only affects its transport.
type bindEntry struct {
	transport string
	addr      string
}

// parseBindAddrs splits TOR_PT_SERVER_BINDADDR.  Entries lacking the
// transport separator make the whole variable unusable.
func parseBindAddrs(s string) ([]bindEntry, error) {
	if s == "" {
		return nil, nil
	}
	var entries []bindEntry
	for _, spec := range strings.Split(s, ",") {
		name, addr, ok := strings.Cut(spec, "-")
		if !ok || name == "" {
			return nil, EnvError(fmt.Sprintf("%s: cannot parse %q", KeyServerBindAddr, spec))
		}
		entries = append(entries, bindEntry{transport: name, addr: addr})
	}
	return entries, nil
}

// indexUnescaped returns the index of the first c in s that is not preceded
// by a backslash escape, or -1.
func indexUnescaped(s string, c byte) (int, error) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i >= len(s) {
				return -1, fmt.Errorf("trailing backslash in %q", s)
			}
		case c:
			return i, nil
		}
	}
	return -1, nil
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// parseServerTransportOptions parses TOR_PT_SERVER_TRANSPORT_OPTIONS,
// "name:key=value;name:key=value", where a backslash escapes the following
// character.
func parseServerTransportOptions(s string) (map[string]pt.Args, error) {
	opts := make(map[string]pt.Args)
	if s == "" {
		return opts, nil
	}

	malformed := func(format string, args ...interface{}) error {
		return EnvError(fmt.Sprintf("%s: %s", KeyServerTransportOpts, fmt.Sprintf(format, args...)))
	}

	for rest := s; ; {
		end, err := indexUnescaped(rest, ';')
		if err != nil {
			return nil, malformed("%v", err)
		}
		option := rest
		if end >= 0 {
			option = rest[:end]
		}

		colon, err := indexUnescaped(option, ':')
		if err != nil {
			return nil, malformed("%v", err)
		}
		if colon < 0 {
			return nil, malformed("missing transport name in %q", option)
		}
		name := unescape(option[:colon])
		if name == "" {
			return nil, malformed("empty transport name in %q", option)
		}
		kv := option[colon+1:]
		eq, err := indexUnescaped(kv, '=')
		if err != nil {
			return nil, malformed("%v", err)
		}
		if eq < 0 {
			return nil, malformed("missing '=' in %q", option)
		}
		key := unescape(kv[:eq])
		if key == "" {
			return nil, malformed("empty key in %q", option)
		}

		if opts[name] == nil {
			opts[name] = make(pt.Args)
		}
		opts[name].Add(key, unescape(kv[eq+1:]))

		if end < 0 {
			break
		}
		rest = rest[end+1:]
	}
	return opts, nil
}

// parseProxyURL validates TOR_PT_PROXY.  Only socks5 proxies with a numeric
// address are usable.
func parseProxyURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, ProxyError(fmt.Sprintf("cannot parse URL: %v", err))
	}
	switch u.Scheme {
	case "socks5":
	case "socks4a", "http":
		return nil, ProxyError(fmt.Sprintf("proxy scheme %q is not supported", u.Scheme))
	default:
		return nil, ProxyError(fmt.Sprintf("unknown proxy scheme %q", u.Scheme))
	}
	if u.Path != "" && u.Path != "/" {
		return nil, ProxyError("proxy URL may not have a path")
	}
	if _, err := resolveAddr(u.Host); err != nil {
		return nil, ProxyError(err.Error())
	}
	return u, nil
}
