package managed

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"

	pt "git.torproject.org/pluggable-transports/goptlib.git"

	"github.com/RACECAR-GU/ptcore/common/log"
	"github.com/RACECAR-GU/ptcore/extorport"
)

// State is the progress of a negotiation.
type State int

const (
	StateInit State = iota
	StateValidate
	StateBind
	StateReport
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateValidate:
		return "Validate"
	case StateBind:
		return "Bind"
	case StateReport:
		return "Report"
	case StateTerminal:
		return "Terminal"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Role says which side of a transport a request is for.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Outcome is the result of negotiating one transport.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeUnsupported
	OutcomeConfigError
	OutcomeBindFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "Ready"
	case OutcomeUnsupported:
		return "Unsupported"
	case OutcomeConfigError:
		return "ConfigError"
	case OutcomeBindFailed:
		return "BindFailed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// TransportSpec is one transport tor asked for.
type TransportSpec struct {
	Name string
	Role Role
	// BindAddr is the requested listen address of a server transport, empty
	// for an ephemeral port.
	BindAddr string
	// Options are the server transport options.
	Options pt.Args
}

// Result is the negotiated state of one transport.  Exactly one of Server and
// Client is set when Outcome is OutcomeReady, Err is set otherwise.
type Result struct {
	Spec    TransportSpec
	Outcome Outcome
	Err     error

	Server *ServerDescriptor
	Client *ClientDescriptor
}

// Report is the outcome of a negotiation.
type Report struct {
	// Results holds client results then server results, each in the order
	// tor listed the transports.
	Results []*Result
	// Proxy is the upstream proxy client transports use, nil for none.
	Proxy *url.URL
	// StateDir is the transport state directory, empty if unset.
	StateDir string
}

// Ready returns the results with OutcomeReady.
func (r *Report) Ready() []*Result {
	var ready []*Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeReady {
			ready = append(ready, res)
		}
	}
	return ready
}

// Clients returns the client results.
func (r *Report) Clients() []*Result {
	return r.byRole(RoleClient)
}

// Servers returns the server results.
func (r *Report) Servers() []*Result {
	return r.byRole(RoleServer)
}

func (r *Report) byRole(role Role) []*Result {
	var out []*Result
	for _, res := range r.Results {
		if res.Spec.Role == role {
			out = append(out, res)
		}
	}
	return out
}

// Close closes every listener the negotiation bound.
func (r *Report) Close() error {
	var first error
	for _, res := range r.Results {
		if res.Server != nil {
			if err := res.Server.Listener.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Negotiator runs the managed transport negotiation once.  A Negotiator is
// not safe for concurrent use, the Report it produces is.
type Negotiator struct {
	env       Environment
	supported map[string]bool
	order     []string

	state   State
	history []State
}

// NewNegotiator creates a negotiator for env.  supported is the set of
// transport names the process implements.
func NewNegotiator(env Environment, supported []string) *Negotiator {
	n := &Negotiator{
		env:       env,
		supported: make(map[string]bool),
		order:     append([]string(nil), supported...),
		state:     StateInit,
		history:   []State{StateInit},
	}
	for _, name := range supported {
		n.supported[name] = true
	}
	return n
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	return n.state
}

// History returns every state the negotiator went through, oldest first.
func (n *Negotiator) History() []State {
	return append([]State(nil), n.history...)
}

func (n *Negotiator) setState(s State) {
	n.state = s
	n.history = append(n.history, s)
}

// globals is the process-wide part of the configuration.
type globals struct {
	clients  []string
	servers  []string
	binds    []bindEntry
	options  map[string]pt.Args
	proxy    *url.URL
	stateDir string

	orPort    *net.TCPAddr
	extORPort *net.TCPAddr
	cookie    *extorport.Cookie
}

// Negotiate validates the configuration, binds server transports and returns
// the per-transport report.  A non-nil error is fatal to the process and is
// one of EnvError, VersionError or ProxyError; per-transport problems are
// reported in the Results instead.
func (n *Negotiator) Negotiate(ctx context.Context) (*Report, error) {
	if n.state != StateInit {
		return nil, ErrAlreadyNegotiated
	}

	n.setState(StateValidate)
	g, err := n.readGlobals()
	if err != nil {
		n.setState(StateTerminal)
		return nil, err
	}
	report := &Report{Proxy: g.proxy, StateDir: g.stateDir}
	clients := n.validate(RoleClient, g.clients, g, report)
	servers := n.validate(RoleServer, g.servers, g, report)

	n.setState(StateBind)
	for _, res := range append(clients, servers...) {
		if err := ctx.Err(); err != nil {
			report.Close()
			n.setState(StateTerminal)
			return nil, err
		}
		if res.Spec.Role == RoleClient {
			n.resolveClient(res, g)
		} else {
			n.bindServer(ctx, res, g)
		}
	}

	n.setState(StateReport)
	for _, res := range report.Results {
		if res.Outcome == OutcomeReady {
			log.Infof("managed: %s transport %s ready", res.Spec.Role, res.Spec.Name)
		} else {
			log.Warnf("managed: %s transport %s: %s: %s", res.Spec.Role, res.Spec.Name, res.Outcome, log.ElideError(res.Err))
		}
	}
	n.setState(StateTerminal)
	return report, nil
}

func (n *Negotiator) readGlobals() (*globals, error) {
	ver, err := n.env.require(KeyManagedTransportVer)
	if err != nil {
		return nil, err
	}
	if err := parseVersions(ver); err != nil {
		return nil, err
	}

	g := new(globals)
	if s := n.env.Get(KeyClientTransports); s != "" {
		g.clients = parseTransportList(s, n.order)
	}
	if s := n.env.Get(KeyServerTransports); s != "" {
		g.servers = parseTransportList(s, n.order)
	}
	if g.clients == nil && g.servers == nil {
		return nil, EnvError(fmt.Sprintf("need %s or %s environment variable", KeyClientTransports, KeyServerTransports))
	}

	if s := n.env.Get(KeyProxy); s != "" && g.clients != nil {
		if g.proxy, err = parseProxyURL(s); err != nil {
			return nil, err
		}
	}

	if g.servers != nil {
		if g.binds, err = parseBindAddrs(n.env.Get(KeyServerBindAddr)); err != nil {
			return nil, err
		}
		if g.options, err = parseServerTransportOptions(n.env.Get(KeyServerTransportOpts)); err != nil {
			return nil, err
		}
		if err = n.readORPort(g); err != nil {
			return nil, err
		}
	}

	if dir := n.env.Get(KeyStateLocation); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, EnvError(fmt.Sprintf("cannot create %s: %v", KeyStateLocation, err))
		}
		g.stateDir = dir
	}
	return g, nil
}

func (n *Negotiator) readORPort(g *globals) error {
	var err error
	if s := n.env.Get(KeyORPort); s != "" {
		if g.orPort, err = resolveAddr(s); err != nil {
			return EnvError(fmt.Sprintf("%s: %v", KeyORPort, err))
		}
	}
	if s := n.env.Get(KeyExtendedServerPort); s != "" {
		if g.extORPort, err = resolveAddr(s); err != nil {
			return EnvError(fmt.Sprintf("%s: %v", KeyExtendedServerPort, err))
		}
		path, err := n.env.require(KeyAuthCookieFile)
		if err != nil {
			return err
		}
		if g.cookie, err = extorport.LoadCookieFile(path); err != nil {
			return EnvError(fmt.Sprintf("%s: %v", KeyAuthCookieFile, err))
		}
	}
	if g.orPort == nil && g.extORPort == nil {
		return EnvError(fmt.Sprintf("need %s or %s environment variable", KeyORPort, KeyExtendedServerPort))
	}
	return nil
}

// validate records a result for every name requested for role, in order.
// Names that can not proceed get their final outcome here, the others are
// returned for binding or resolving.
func (n *Negotiator) validate(role Role, names []string, g *globals, report *Report) []*Result {
	var pending []*Result
	seen := make(map[string]bool)
	for _, name := range names {
		res := &Result{Spec: TransportSpec{Name: name, Role: role}}
		report.Results = append(report.Results, res)

		switch {
		case !validTransportName(name):
			res.Outcome, res.Err = OutcomeConfigError, &ConfigError{Transport: name, Reason: "invalid transport name"}
			continue
		case seen[name]:
			res.Outcome, res.Err = OutcomeConfigError, &ConfigError{Transport: name, Reason: "requested more than once"}
			continue
		}
		seen[name] = true
		if !n.supported[name] {
			res.Outcome, res.Err = OutcomeUnsupported, ErrUnsupported
			continue
		}

		if role == RoleServer {
			bindAddr, err := bindAddrFor(name, g.binds)
			if err != nil {
				res.Outcome, res.Err = OutcomeConfigError, err
				continue
			}
			res.Spec.BindAddr = bindAddr
			res.Spec.Options = g.options[name]
		}
		pending = append(pending, res)
	}
	return pending
}

func bindAddrFor(name string, binds []bindEntry) (string, error) {
	var found *bindEntry
	for i := range binds {
		if binds[i].transport != name {
			continue
		}
		if found != nil {
			return "", &ConfigError{Transport: name, Reason: "more than one bind address"}
		}
		found = &binds[i]
	}
	if found == nil {
		return "", nil
	}
	addr, err := resolveAddr(found.addr)
	if err != nil {
		return "", &ConfigError{Transport: name, Reason: err.Error()}
	}
	return addr.String(), nil
}

func (n *Negotiator) resolveClient(res *Result, g *globals) {
	d, err := newClientDescriptor(res.Spec.Name, g.proxy)
	if err != nil {
		res.Outcome, res.Err = OutcomeConfigError, err
		return
	}
	res.Outcome, res.Client = OutcomeReady, d
}

func (n *Negotiator) bindServer(ctx context.Context, res *Result, g *globals) {
	spec := res.Spec
	addr := spec.BindAddr
	if addr == "" {
		addr = ":0"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		res.Outcome = OutcomeBindFailed
		res.Err = &BindFailedError{Transport: spec.Name, Addr: addr, Err: err}
		return
	}

	res.Outcome = OutcomeReady
	res.Server = &ServerDescriptor{
		Name:      spec.Name,
		Listener:  ln,
		Options:   spec.Options,
		orPort:    g.orPort,
		extORPort: g.extORPort,
		cookie:    g.cookie,
	}
}
