/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package multiserver selects between transport plugins by address scheme
// and scope.
package multiserver

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/webmeshproj/dhtchan/pkg/transport"
)

// AddressSeparator separates the addresses of a multi-address string.
const AddressSeparator = ";"

// ErrNoPlugin is returned when no plugin accepts any of the addresses.
var ErrNoPlugin = errors.New("no plugin accepts the address")

// Plugin is a transport that can be hosted by a MultiServer.
type Plugin interface {
	// Name returns the name of the transport.
	Name() string
	// Scope returns the scope the transport serves.
	Scope() string
	// Server starts serving and returns a function that stops it.
	Server(onConnection func(transport.Conn), onError func(error)) transport.StopFunc
	// Client connects to the target and returns a function that cancels
	// the request.
	Client(target any, cb transport.ClientCallback) transport.CancelFunc
	// Accepts reports whether the plugin can dial the address.
	Accepts(addr string) bool
	// Stringify returns the address the plugin serves on, or an empty
	// string.
	Stringify() string
}

var _ Plugin = (*transport.Plugin)(nil)

// MultiServer hosts a list of plugins.
type MultiServer struct {
	plugins []Plugin
}

// New returns a MultiServer over the given plugins. Plugins are tried in
// order when dialing.
func New(plugins ...Plugin) *MultiServer {
	return &MultiServer{plugins: plugins}
}

// Plugins returns the hosted plugins.
func (m *MultiServer) Plugins() []Plugin {
	return append([]Plugin(nil), m.plugins...)
}

// Server starts the server of every plugin in the scope. An empty scope
// starts all of them. The returned function stops every started server.
func (m *MultiServer) Server(scope string, onConnection func(transport.Conn), onError func(error)) transport.StopFunc {
	var stops []transport.StopFunc
	for _, p := range m.inScope(scope) {
		name := p.Name()
		stops = append(stops, p.Server(onConnection, func(err error) {
			if onError != nil {
				onError(fmt.Errorf("%s: %w", name, err))
			}
		}))
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, stop := range stops {
				stop()
			}
		})
	}
}

// Client dials the first address accepted by a plugin. addrs may hold
// several addresses separated by AddressSeparator.
func (m *MultiServer) Client(addrs string, cb transport.ClientCallback) transport.CancelFunc {
	for _, addr := range strings.Split(addrs, AddressSeparator) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		for _, p := range m.plugins {
			if p.Accepts(addr) {
				return p.Client(addr, cb)
			}
		}
	}
	if cb != nil {
		cb(nil, fmt.Errorf("%w: %q", ErrNoPlugin, addrs))
	}
	return func() {}
}

// Stringify joins the addresses of the plugins in the scope. An empty
// scope includes every plugin.
func (m *MultiServer) Stringify(scope string) string {
	var addrs []string
	for _, p := range m.inScope(scope) {
		if addr := p.Stringify(); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return strings.Join(addrs, AddressSeparator)
}

func (m *MultiServer) inScope(scope string) []Plugin {
	if scope == "" {
		return m.plugins
	}
	var out []Plugin
	for _, p := range m.plugins {
		if p.Scope() == scope {
			out = append(out, p)
		}
	}
	return out
}
