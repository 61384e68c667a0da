// Package transports provides an interface to query supported pluggable
// transports.
package transports // import "github.com/RACECAR-GU/ptcore/transports"

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RACECAR-GU/ptcore/transports/base"
	"github.com/RACECAR-GU/ptcore/transports/base64"
	"github.com/RACECAR-GU/ptcore/transports/hex"
	"github.com/RACECAR-GU/ptcore/transports/identity"
	"github.com/RACECAR-GU/ptcore/transports/reverse"
	"github.com/RACECAR-GU/ptcore/transports/secretbox"
	"github.com/RACECAR-GU/ptcore/transports/stretch"
)

var transportMapLock sync.Mutex
var transportMap map[string]base.Transport = make(map[string]base.Transport)

// Register registers a transport protocol.
func Register(transport base.Transport) error {
	transportMapLock.Lock()
	defer transportMapLock.Unlock()

	name := transport.Name()
	_, registered := transportMap[name]
	if registered {
		return fmt.Errorf("transport '%s' already registered", name)
	}
	transportMap[name] = transport

	return nil
}

// Transports returns the list of registered transport protocols.
func Transports() []string {
	transportMapLock.Lock()
	defer transportMapLock.Unlock()

	var ret []string
	for name := range transportMap {
		ret = append(ret, name)
	}
	sort.Strings(ret)

	return ret
}

// Get returns a transport protocol implementation by name.
func Get(name string) base.Transport {
	transportMapLock.Lock()
	defer transportMapLock.Unlock()

	t := transportMap[name]

	return t
}

// Init initializes all of the integrated transports.
func Init() error {
	for _, v := range []base.Transport{
		new(identity.Transport),
		new(hex.Transport),
		new(reverse.Transport),
		new(base64.Transport),
		new(secretbox.Transport),
		new(stretch.Transport),
	} {
		if err := Register(v); err != nil {
			return err
		}
	}

	return nil
}
