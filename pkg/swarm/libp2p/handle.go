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

package libp2p

import (
	"log/slog"
	"sync"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"go.uber.org/multierr"

	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

// Factory creates libp2p discovery handles.
type Factory struct {
	opts Options
}

// NewFactory returns a factory creating handles with the given options.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// New implements swarm.Factory.
func (f *Factory) New(ctx context.Context, h swarm.Handler) (swarm.Handle, error) {
	handle, err := New(ctx, f.opts, h)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Handle is a discovery handle backed by its own libp2p host.
type Handle struct {
	opts    Options
	log     *slog.Logger
	host    host.Host
	dht     *dht.IpfsDHT
	disc    *drouting.RoutingDiscovery
	handler swarm.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	ready   chan struct{}

	mu     sync.Mutex
	state  swarm.State
	topics map[topic.ID]*membership
	conns  map[*Conn]struct{}
}

// New creates a handle. The host is bound synchronously, DHT bootstrap
// happens in the background.
func New(ctx context.Context, opts Options, handler swarm.Handler) (*Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := context.LoggerFrom(ctx).With("component", "swarm")
	p2phost, err := newHost(log, opts)
	if err != nil {
		return nil, err
	}
	log = log.With(slog.String("host-id", p2phost.ID().String()))
	hctx, cancel := context.WithCancel(context.WithLogger(ctx, log))
	h := &Handle{
		opts:    opts,
		log:     log,
		host:    p2phost,
		handler: handler,
		ctx:     hctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		state:   swarm.StateActive,
		topics:  make(map[topic.ID]*membership),
		conns:   make(map[*Conn]struct{}),
	}
	for _, p := range opts.Peers {
		p2phost.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.PermanentAddrTTL)
	}
	p2phost.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			go h.peerDisconnected(c.RemotePeer())
		},
	})
	if opts.DHT {
		kaddht, err := newDHT(hctx, p2phost)
		if err != nil {
			cancel()
			return nil, multierr.Append(err, p2phost.Close())
		}
		h.dht = kaddht
		h.disc = drouting.NewRoutingDiscovery(kaddht)
		go h.bootstrap()
	} else {
		close(h.ready)
	}
	log.Debug("Created discovery handle", slog.Any("addrs", p2phost.Addrs()))
	return h, nil
}

// ID returns the peer ID of the handle's host.
func (h *Handle) ID() peer.ID {
	return h.host.ID()
}

// Host returns the underlying libp2p host.
func (h *Handle) Host() host.Host {
	return h.host
}

// AddrInfo returns the address info other hosts can dial.
func (h *Handle) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()}
}

func (h *Handle) bootstrap() {
	defer close(h.ready)
	err := bootstrapDHT(h.ctx, h.host, h.dht, h.opts.BootstrapPeers, h.opts.ConnectTimeout)
	if err != nil {
		if h.ctx.Err() == nil {
			h.log.Warn("DHT bootstrap failed", slog.String("error", err.Error()))
		}
		return
	}
	h.log.Debug("DHT bootstrap complete")
}

// Join implements swarm.Handle.
func (h *Handle) Join(t topic.ID, opts swarm.JoinOptions, done func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != swarm.StateActive {
		go done(swarm.ErrClosed)
		return
	}
	m, ok := h.topics[t]
	if !ok {
		m = h.newMembership(t)
		h.topics[t] = m
	}
	if opts.Channel != "" {
		m.channel = opts.Channel
	}
	var starts []func(*membership, func(error))
	if opts.Announce && !m.announcing {
		m.announcing = true
		h.host.SetStreamHandler(ProtocolFor(t), h.streamHandler(m))
		starts = append(starts, h.announce)
	}
	if opts.Lookup {
		m.suspended = false
		if !m.looking {
			m.looking = true
			starts = append(starts, h.lookup)
		} else {
			m.rearm()
		}
	}
	if h.opts.MDNS && m.mdns == nil && (m.announcing || m.looking) {
		h.startMDNS(m)
	}
	h.log.Debug("Joined topic", slog.String("topic", t.Short()), slog.String("channel", m.channel),
		slog.Bool("announce", m.announcing), slog.Bool("lookup", m.looking))
	if len(starts) == 0 {
		go done(nil)
		return
	}
	res := newJoinResult(len(starts), done)
	for _, start := range starts {
		go start(m, res.report)
	}
}

// Leave implements swarm.Handle.
func (h *Handle) Leave(t topic.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != swarm.StateActive {
		return swarm.ErrClosed
	}
	m, ok := h.topics[t]
	if !ok {
		return nil
	}
	delete(h.topics, t)
	h.log.Debug("Left topic", slog.String("topic", t.Short()), slog.String("channel", m.channel))
	return h.stopMembership(m)
}

// Suspend implements swarm.Handle.
func (h *Handle) Suspend(t topic.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != swarm.StateActive {
		return swarm.ErrClosed
	}
	m, ok := h.topics[t]
	if !ok || !m.looking || m.suspended {
		return nil
	}
	m.suspended = true
	h.log.Debug("Suspended lookups", slog.String("topic", t.Short()), slog.String("channel", m.channel))
	return nil
}

func (h *Handle) stopMembership(m *membership) error {
	m.cancel()
	if m.announcing {
		h.host.RemoveStreamHandler(ProtocolFor(m.topic))
	}
	if m.mdns != nil {
		return m.mdns.Close()
	}
	return nil
}

// Close implements swarm.Handle.
func (h *Handle) Close(done func(error)) {
	h.mu.Lock()
	if h.state != swarm.StateActive {
		h.mu.Unlock()
		go done(nil)
		return
	}
	h.state = swarm.StateShuttingDown
	topics := h.topics
	conns := h.conns
	h.topics = make(map[topic.ID]*membership)
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()
	go func() {
		var err error
		for _, m := range topics {
			err = multierr.Append(err, h.stopMembership(m))
		}
		for c := range conns {
			_ = c.Stream.Reset()
		}
		h.cancel()
		if h.dht != nil {
			err = multierr.Append(err, h.dht.Close())
		}
		err = multierr.Append(err, h.host.Close())
		h.mu.Lock()
		h.state = swarm.StateAbsent
		h.mu.Unlock()
		h.log.Debug("Closed discovery handle")
		done(err)
	}()
}

// State implements swarm.Handle.
func (h *Handle) State() swarm.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// streamHandler returns the handler accepting inbound streams for the
// membership.
func (h *Handle) streamHandler(m *membership) network.StreamHandler {
	return func(s network.Stream) {
		h.log.Debug("Handling channel stream", slog.String("topic", m.topic.Short()), slog.String("peer", s.Conn().RemotePeer().String()))
		h.deliver(m, s, swarm.Inbound)
	}
}

// deliver tracks the stream and passes it to the handler if the membership
// is still current.
func (h *Handle) deliver(m *membership, s network.Stream, dir swarm.Direction) {
	h.mu.Lock()
	if h.state != swarm.StateActive || h.topics[m.topic] != m {
		h.mu.Unlock()
		_ = s.Reset()
		return
	}
	c := &Conn{
		Stream: s,
		h:      h,
		info: swarm.Info{
			Direction: dir,
			Topic:     m.topic,
			Channel:   m.channel,
			Peer:      s.Conn().RemotePeer().String(),
		},
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.handler.HandleConnection(c)
}

// untrack removes the connection and reports whether a closed event should
// be emitted for it.
func (h *Handle) untrack(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	delete(h.conns, c)
	return h.state == swarm.StateActive
}

func (h *Handle) peerDisconnected(id peer.ID) {
	if h.host.Network().Connectedness(id) == network.Connected {
		return
	}
	h.mu.Lock()
	var gone []*Conn
	for c := range h.conns {
		if c.Stream.Conn().RemotePeer() == id {
			gone = append(gone, c)
		}
	}
	h.mu.Unlock()
	for _, c := range gone {
		h.log.Debug("Peer disconnected, closing stream", slog.String("peer", id.String()), slog.String("topic", c.info.Topic.Short()))
		_ = c.Stream.Reset()
		c.finish()
	}
}

// joinResult reports the first failure, or success once every start
// function succeeded.
type joinResult struct {
	mu        sync.Mutex
	remaining int
	fired     bool
	done      func(error)
}

func newJoinResult(n int, done func(error)) *joinResult {
	return &joinResult{remaining: n, done: done}
}

func (j *joinResult) report(err error) {
	j.mu.Lock()
	if j.fired {
		j.mu.Unlock()
		return
	}
	if err == nil {
		j.remaining--
		if j.remaining > 0 {
			j.mu.Unlock()
			return
		}
	}
	j.fired = true
	j.mu.Unlock()
	j.done(err)
}
