package managed

import (
	"context"
	"fmt"
	"net"
	"net/url"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"golang.org/x/net/proxy"

	"github.com/RACECAR-GU/ptcore/common/log"
	"github.com/RACECAR-GU/ptcore/extorport"
)

// ServerDescriptor is what a ready server transport hands to the caller: the
// bound listener and the way back to tor.  It is read-only after
// negotiation and may be shared by connection handlers.
type ServerDescriptor struct {
	// Name is the transport name.
	Name string
	// Listener accepts connections from transport clients.
	Listener net.Listener
	// Options are the per-transport options tor supplied.
	Options pt.Args

	orPort    *net.TCPAddr
	extORPort *net.TCPAddr
	cookie    *extorport.Cookie
}

// Addr returns the address the transport listens on.
func (d *ServerDescriptor) Addr() net.Addr {
	return d.Listener.Addr()
}

// UsesExtORPort reports whether ConnectOR goes through the Extended ORPort.
func (d *ServerDescriptor) UsesExtORPort() bool {
	return d.extORPort != nil
}

// ConnectOR opens the connection to tor for a client connected from remote.
// With an Extended ORPort configured, the client address and transport name
// are reported before the connection is returned.  remote may be nil.
func (d *ServerDescriptor) ConnectOR(ctx context.Context, remote net.Addr) (net.Conn, error) {
	if d.extORPort != nil {
		md := extorport.Metadata{Transport: d.Name}
		if remote != nil {
			md.UserAddr = remote.String()
		}
		return extorport.Dial(ctx, d.extORPort.String(), d.cookie, md)
	}
	if d.orPort == nil {
		return nil, fmt.Errorf("managed: transport %q has no ORPort", d.Name)
	}

	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", d.orPort.String())
}

// ClientDescriptor is what a ready client transport hands to the caller.  No
// socket exists until Dial is called.
type ClientDescriptor struct {
	// Name is the transport name.
	Name string
	// Proxy is the upstream proxy outgoing connections use, if any.
	Proxy *url.URL

	dialer proxy.Dialer
}

func newClientDescriptor(name string, proxyURL *url.URL) (*ClientDescriptor, error) {
	d := &ClientDescriptor{Name: name, Proxy: proxyURL, dialer: proxy.Direct}
	if proxyURL != nil {
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, ProxyError(err.Error())
		}
		d.dialer = dialer
	}
	return d, nil
}

// Dial connects to the transport server at target, through the upstream proxy
// if one is configured.
func (d *ClientDescriptor) Dial(ctx context.Context, target string) (net.Conn, error) {
	log.Debugf("managed: %s: dialing %s", d.Name, log.ElideAddr(target))
	if cd, ok := d.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", target)
	}
	return d.dialer.Dial("tcp", target)
}
