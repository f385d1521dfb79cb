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

// Package transport implements the dht channel transport. Servers announce
// a set of channels and accept connections for them, clients look up a
// channel and receive exactly one connection per request.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/webmeshproj/dhtchan/pkg/address"
	"github.com/webmeshproj/dhtchan/pkg/config"
	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/swarm/libp2p"
)

// StopFunc stops a server. It is safe to call more than once.
type StopFunc func()

// CancelFunc releases a client request. It is safe to call more than once.
type CancelFunc func()

// ClientCallback receives the result of a client request. It is invoked
// once with a connection or an error, and once more with
// ErrConnectionLost if a delivered connection later closes.
type ClientCallback func(c Conn, err error)

// Option is an option for a Plugin.
type Option func(*Plugin)

// WithKeys makes the server consume channel snapshots from the given
// channel. Each received slice replaces the previously desired set.
func WithKeys(keys <-chan []string) Option {
	return func(p *Plugin) {
		p.keys = keys
	}
}

// WithClientFactory sets the factory used for the client handle. By
// default the server factory is used for both roles.
func WithClientFactory(f swarm.Factory) Option {
	return func(p *Plugin) {
		p.clientFactory = f
	}
}

// Plugin is a dht transport instance. It owns at most one discovery handle
// for its server role and one for its client role.
type Plugin struct {
	ctx           context.Context
	log           *slog.Logger
	opts          config.Options
	keys          <-chan []string
	serverFactory swarm.Factory
	clientFactory swarm.Factory

	mu     sync.Mutex
	server *serverRole
	client *clientRole
}

// New returns a plugin creating discovery handles from the given factory.
// No resources are opened until Server or Client is called.
func New(ctx context.Context, opts config.Options, factory swarm.Factory, options ...Option) *Plugin {
	p := &Plugin{
		ctx:           ctx,
		log:           context.LoggerFrom(ctx).With("transport", Meta),
		opts:          opts,
		serverFactory: factory,
		clientFactory: factory,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// NewFromConfig validates the options and returns a plugin backed by
// libp2p discovery handles.
func NewFromConfig(ctx context.Context, opts config.Options, options ...Option) (*Plugin, error) {
	if err := opts.Validate(); err != nil {
		return nil, newChannelError(ErrConfiguration, "", err)
	}
	srvOpts, err := opts.SwarmOptions()
	if err != nil {
		return nil, newChannelError(ErrConfiguration, "", err)
	}
	cliOpts, err := opts.ClientSwarmOptions()
	if err != nil {
		return nil, newChannelError(ErrConfiguration, "", err)
	}
	options = append([]Option{WithClientFactory(libp2p.NewFactory(cliOpts))}, options...)
	return New(ctx, opts, libp2p.NewFactory(srvOpts), options...), nil
}

// Name returns the name of the transport.
func (p *Plugin) Name() string {
	return Meta
}

// Scope returns the configured scope.
func (p *Plugin) Scope() string {
	if p.opts.Scope == "" {
		return config.DefaultScope
	}
	return p.opts.Scope
}

// Parse parses a dht address.
func (p *Plugin) Parse(s string) (address.Address, bool) {
	return address.Parse(s)
}

// Accepts reports whether the plugin can dial the given address.
func (p *Plugin) Accepts(s string) bool {
	_, ok := address.Parse(s)
	return ok
}

// Stringify returns the address of the configured channel, or an empty
// string when the plugin is not configured with a single key.
func (p *Plugin) Stringify() string {
	if p.opts.Key == "" {
		return ""
	}
	return address.New(p.opts.Key).String()
}

// Server starts serving the configured channels. Connections for them
// are passed to onConnection, asynchronous failures to onError. A
// missing key is reported through onError and opens no resources.
func (p *Plugin) Server(onConnection func(Conn), onError func(error)) StopFunc {
	if onConnection == nil {
		onConnection = func(c Conn) { _ = c.Close() }
	}
	if onError == nil {
		onError = func(error) {}
	}
	feed, err := p.snapshotFeed()
	if err != nil {
		p.log.Error("Cannot start server", slog.String("error", err.Error()))
		onError(err)
		return func() {}
	}
	p.mu.Lock()
	if p.server != nil && !p.server.isStopped() {
		p.mu.Unlock()
		err := newChannelError(ErrConfiguration, "", errors.New("server already running"))
		p.log.Error("Cannot start server", slog.String("error", err.Error()))
		onError(err)
		return func() {}
	}
	s := newServerRole(p, onConnection, onError)
	p.server = s
	p.mu.Unlock()
	go s.consume(feed)
	return s.stop
}

func (p *Plugin) snapshotFeed() (<-chan []string, error) {
	if p.keys != nil {
		return p.keys, nil
	}
	channels := p.opts.Channels()
	if len(channels) == 0 {
		return nil, newChannelError(ErrConfiguration, "", errors.New("no key or keys configured"))
	}
	feed := make(chan []string, 1)
	feed <- channels
	close(feed)
	return feed, nil
}

// Client requests a connection for the target, which is a dht:<channel>
// address string, an address.Address, or config.Options with a key. A nil
// target uses the plugin's own key.
func (p *Plugin) Client(target any, cb ClientCallback) CancelFunc {
	if cb == nil {
		cb = func(c Conn, err error) {
			if c != nil {
				_ = c.Close()
			}
		}
	}
	channel, err := p.resolve(target)
	if err != nil {
		p.log.Error("Cannot start client", slog.String("error", err.Error()))
		cb(nil, err)
		return func() {}
	}
	return p.clientRole().connect(channel, cb)
}

func (p *Plugin) resolve(target any) (string, error) {
	var channel string
	switch t := target.(type) {
	case nil:
		channel = p.opts.Key
	case string:
		addr, ok := address.Parse(t)
		if !ok {
			return "", newChannelError(ErrConfiguration, "", fmt.Errorf("invalid address %q", t))
		}
		channel = addr.Channel
	case address.Address:
		channel = t.Channel
	case config.Options:
		channel = t.Key
	case *config.Options:
		if t != nil {
			channel = t.Key
		}
	default:
		return "", newChannelError(ErrConfiguration, "", fmt.Errorf("unsupported target type %T", target))
	}
	if channel == "" {
		return "", newChannelError(ErrConfiguration, "", errors.New("no channel in target"))
	}
	return channel, nil
}

func (p *Plugin) clientRole() *clientRole {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		p.client = newClientRole(p)
	}
	return p.client
}

// Close stops the server and releases every client request without
// invoking their callbacks.
func (p *Plugin) Close() {
	p.mu.Lock()
	s, c := p.server, p.client
	p.mu.Unlock()
	if s != nil {
		s.stop()
	}
	if c != nil {
		c.releaseAll()
	}
}
