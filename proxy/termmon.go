package main

import (
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/RACECAR-GU/ptcore/common/log"
)

// termMonitor tracks live connection handlers and the reasons the process
// should exit: signals, and stdin closing when tor asks for that.
type termMonitor struct {
	sigChan     chan os.Signal
	idleChan    chan struct{}
	numHandlers atomic.Int64
}

func newTermMonitor(exitOnStdinClose bool) *termMonitor {
	m := &termMonitor{
		sigChan:  make(chan os.Signal, 1),
		idleChan: make(chan struct{}, 1),
	}
	signal.Notify(m.sigChan, syscall.SIGINT, syscall.SIGTERM)
	if exitOnStdinClose {
		log.Debugf("proxy: exiting once stdin is closed")
		go m.monitorStdin(os.Stdin)
	}
	return m
}

// onHandlerStart and onHandlerFinish bracket every connection handler.
func (m *termMonitor) onHandlerStart() {
	m.numHandlers.Add(1)
}

func (m *termMonitor) onHandlerFinish() {
	if m.numHandlers.Add(-1) == 0 {
		select {
		case m.idleChan <- struct{}{}:
		default:
		}
	}
}

func (m *termMonitor) monitorStdin(r io.Reader) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		log.Errorf("proxy: reading stdin: %s", err)
	}
	log.Infof("proxy: stdin closed")
	m.sigChan <- syscall.SIGTERM
}

// wait blocks until the process should exit.  stopAccepting runs after the
// first signal.  SIGTERM exits at once, SIGINT lets running connections
// drain until a second signal arrives.
func (m *termMonitor) wait(stopAccepting func()) {
	sig := <-m.sigChan
	log.Noticef("proxy: received %s, shutting down", sig)
	stopAccepting()
	if sig == syscall.SIGTERM {
		return
	}

	for m.numHandlers.Load() > 0 {
		select {
		case <-m.sigChan:
			return
		case <-m.idleChan:
		}
	}
}
