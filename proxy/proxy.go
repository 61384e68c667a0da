// Command proxy is a managed pluggable transport.  tor launches it with the
// TOR_PT_ environment variables set and reads the status lines it prints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	pt "git.torproject.org/pluggable-transports/goptlib.git"

	"github.com/RACECAR-GU/ptcore/common/log"
	"github.com/RACECAR-GU/ptcore/managed"
	"github.com/RACECAR-GU/ptcore/transports"
	"github.com/RACECAR-GU/ptcore/transports/base"
)

const ptcoreVersion = "0.1.0"

func CopyLoop(c1 io.ReadWriteCloser, c2 io.ReadWriteCloser) {
	var wg sync.WaitGroup
	copyer := func(dst io.ReadWriteCloser, src io.ReadWriteCloser) {
		defer wg.Done()
		// Ignore io.ErrClosedPipe and net.ErrClosed because they are likely
		// caused by the termination of copyer in the other direction.
		if _, err := io.Copy(dst, src); err != nil && err != io.ErrClosedPipe && !errors.Is(err, net.ErrClosed) {
			log.Debugf("proxy: io.Copy inside CopyLoop generated an error: %s", log.ElideError(err))
		}
		dst.Close()
		src.Close()
	}
	wg.Add(2)
	go copyer(c1, c2)
	go copyer(c2, c1)
	wg.Wait()
}

// reportFatal prints the status line for a fatal negotiation error.
func reportFatal(err error) {
	var envErr managed.EnvError
	var verErr managed.VersionError
	var proxyErr managed.ProxyError
	switch {
	case errors.As(err, &verErr):
		statusLine("VERSION-ERROR", "no-version")
	case errors.As(err, &proxyErr):
		pt.ProxyError(string(proxyErr))
	case errors.As(err, &envErr):
		statusLine("ENV-ERROR", string(envErr))
	default:
		statusLine("ENV-ERROR", err.Error())
	}
}

// statusLine writes a status line goptlib has no exported helper for.
func statusLine(keyword, msg string) {
	msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
	fmt.Fprintf(pt.Stdout, "%s %s\n", keyword, msg)
}

// launchClients starts a SOCKS listener for every ready client transport and
// prints the CMETHOD lines.
func launchClients(report *managed.Report, tm *termMonitor) []net.Listener {
	if report.Proxy != nil {
		pt.ProxyDone()
	}

	var listeners []net.Listener
	for _, res := range report.Clients() {
		name := res.Spec.Name
		if res.Outcome != managed.OutcomeReady {
			pt.CmethodError(name, res.Err.Error())
			continue
		}

		cf, err := transports.Get(name).ClientFactory(report.StateDir)
		if err != nil {
			pt.CmethodError(name, "failed to get ClientFactory")
			continue
		}
		ln, err := pt.ListenSocks("tcp", "127.0.0.1:0")
		if err != nil {
			pt.CmethodError(name, err.Error())
			continue
		}

		go clientAcceptLoop(cf, res.Client, ln, tm)
		pt.Cmethod(name, ln.Version(), ln.Addr())
		log.Infof("proxy: %s - registered listener: %s", name, ln.Addr())
		listeners = append(listeners, ln)
	}
	pt.CmethodsDone()
	return listeners
}

func clientAcceptLoop(cf base.ClientFactory, d *managed.ClientDescriptor, ln *pt.SocksListener, tm *termMonitor) {
	defer ln.Close()
	for {
		conn, err := ln.AcceptSocks()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("proxy: accept failed: %s", log.ElideError(err))
			continue
		}
		tm.onHandlerStart()
		go clientHandler(cf, d, conn, tm)
	}
}

func clientHandler(cf base.ClientFactory, d *managed.ClientDescriptor, conn *pt.SocksConn, tm *termMonitor) {
	defer conn.Close()
	defer tm.onHandlerFinish()

	name := d.Name
	addrStr := log.ElideAddr(conn.Req.Target)

	// Deal with arguments.
	args, err := cf.ParseArgs(&conn.Req.Args)
	if err != nil {
		log.Errorf("proxy: %s(%s) - invalid arguments: %s", name, addrStr, err)
		conn.Reject()
		return
	}

	remote, err := d.Dial(context.Background(), conn.Req.Target)
	if err != nil {
		log.Errorf("proxy: %s(%s) - outgoing connection failed: %s", name, addrStr, log.ElideError(err))
		conn.Reject()
		return
	}
	wrapped, err := cf.WrapConn(remote, args)
	if err != nil {
		log.Errorf("proxy: %s(%s) - handshake failed: %s", name, addrStr, err)
		remote.Close()
		conn.Reject()
		return
	}
	defer wrapped.Close()

	if err := conn.Grant(&net.TCPAddr{IP: net.IPv4zero, Port: 0}); err != nil {
		log.Errorf("proxy: %s(%s) - SOCKS grant failed: %s", name, addrStr, log.ElideError(err))
		return
	}

	CopyLoop(conn, wrapped)
	log.Infof("proxy: %s(%s) - closed connection", name, addrStr)
}

// launchServers builds a ServerFactory for every ready server transport and
// prints the SMETHOD lines.
func launchServers(report *managed.Report, tm *termMonitor) []net.Listener {
	var listeners []net.Listener
	for _, res := range report.Servers() {
		name := res.Spec.Name
		if res.Outcome != managed.OutcomeReady {
			pt.SmethodError(name, res.Err.Error())
			continue
		}

		d := res.Server
		sf, err := transports.Get(name).ServerFactory(report.StateDir, &res.Spec.Options)
		if err != nil {
			d.Listener.Close()
			pt.SmethodError(name, err.Error())
			continue
		}

		go serverAcceptLoop(sf, d, tm)
		if args := sf.Args(); args != nil && len(*args) > 0 {
			pt.SmethodArgs(name, d.Addr(), *args)
		} else {
			pt.Smethod(name, d.Addr())
		}
		log.Infof("proxy: %s - registered listener: %s", name, log.ElideAddr(d.Addr().String()))
		listeners = append(listeners, d.Listener)
	}
	pt.SmethodsDone()
	return listeners
}

func serverAcceptLoop(sf base.ServerFactory, d *managed.ServerDescriptor, tm *termMonitor) {
	for {
		conn, err := d.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("proxy: accept failed: %s", log.ElideError(err))
			continue
		}
		tm.onHandlerStart()
		go serverHandler(sf, d, conn, tm)
	}
}

func serverHandler(sf base.ServerFactory, d *managed.ServerDescriptor, conn net.Conn, tm *termMonitor) {
	defer conn.Close()
	defer tm.onHandlerFinish()

	name := d.Name
	addrStr := log.ElideAddr(conn.RemoteAddr().String())
	log.Infof("proxy: %s(%s) - new connection", name, addrStr)

	wrapped, err := sf.WrapConn(conn)
	if err != nil {
		log.Warnf("proxy: %s(%s) - handshake failed: %s", name, addrStr, log.ElideError(err))
		return
	}

	orConn, err := d.ConnectOR(context.Background(), conn.RemoteAddr())
	if err != nil {
		log.Errorf("proxy: %s(%s) - failed to connect to ORPort: %s", name, addrStr, log.ElideError(err))
		return
	}
	defer orConn.Close()

	CopyLoop(orConn, wrapped)
	log.Infof("proxy: %s(%s) - closed connection", name, addrStr)
}

func main() {
	var logFilename string
	var logLevel string
	var unsafeLogging bool
	var showVersion bool

	flag.StringVar(&logFilename, "log", "", "log filename")
	flag.StringVar(&logLevel, "log-level", "ERROR", "log level (ERROR/WARN/INFO/DEBUG)")
	flag.BoolVar(&unsafeLogging, "unsafe-logging", false, "prevent logs from being scrubbed")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("ptcore proxy-%s\n", ptcoreVersion)
		os.Exit(0)
	}
	if err := log.SetLogLevel(logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR]: %s - failed to set log level: %s\n", os.Args[0], err)
		os.Exit(-1)
	}
	if err := log.Init(true, logFilename, unsafeLogging); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR]: %s - failed to initialize logging: %s\n", os.Args[0], err)
		os.Exit(-1)
	}
	if err := transports.Init(); err != nil {
		log.Errorf("proxy: failed to initialize transports: %s", err)
		os.Exit(-1)
	}

	log.Noticef("proxy: ptcore %s - launched", ptcoreVersion)

	env := managed.EnvironmentFrom(os.Environ())
	report, err := managed.NewNegotiator(env, transports.Transports()).Negotiate(context.Background())
	if err != nil {
		reportFatal(err)
		log.Errorf("proxy: negotiation failed: %s", err)
		os.Exit(-1)
	}
	fmt.Fprintf(pt.Stdout, "VERSION %s\n", managed.ProtocolVersion)

	tm := newTermMonitor(env.ExitOnStdinClose())
	var listeners []net.Listener
	if len(report.Clients()) > 0 {
		listeners = append(listeners, launchClients(report, tm)...)
	}
	if len(report.Servers()) > 0 {
		listeners = append(listeners, launchServers(report, tm)...)
	}
	if len(listeners) == 0 {
		log.Errorf("proxy: no transports launched")
		os.Exit(-1)
	}

	log.Infof("proxy: accepting connections")
	tm.wait(func() {
		for _, ln := range listeners {
			ln.Close()
		}
	})
	log.Noticef("proxy: terminated")
}
