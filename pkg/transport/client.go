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

package transport

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

// clientRole multiplexes client requests over one shared lookup handle.
type clientRole struct {
	p     *Plugin
	log   *slog.Logger
	queue callbackQueue

	mu       sync.Mutex
	handle   swarm.Handle
	channels map[string]*clientChannel
	byTopic  map[topic.ID]*clientChannel
	byConn   map[swarm.Conn]*clientRequest
}

// clientChannel holds the pending requests of one channel in arrival order.
type clientChannel struct {
	name     string
	topic    topic.ID
	requests []*clientRequest
}

func (cc *clientChannel) pending() bool {
	for _, r := range cc.requests {
		if !r.connected {
			return true
		}
	}
	return false
}

type clientRequest struct {
	id        string
	log       *slog.Logger
	channel   *clientChannel
	cb        ClientCallback
	connected bool
	conn      swarm.Conn
	released  bool
}

// clientEpoch receives the events of one client handle.
type clientEpoch struct {
	c      *clientRole
	handle swarm.Handle
}

func newClientRole(p *Plugin) *clientRole {
	return &clientRole{
		p:        p,
		log:      p.log.With("role", roleClient),
		channels: make(map[string]*clientChannel),
		byTopic:  make(map[topic.ID]*clientChannel),
		byConn:   make(map[swarm.Conn]*clientRequest),
	}
}

// connect registers a request for the channel. The channel is joined when
// its first request arrives.
func (c *clientRole) connect(channel string, cb ClientCallback) CancelFunc {
	c.mu.Lock()
	if c.handle == nil {
		if err := c.openHandleLocked(); err != nil {
			serr := newChannelError(ErrUnexpectedState, channel, err)
			c.queue.push(func() { cb(nil, serr) })
			c.mu.Unlock()
			c.queue.run()
			return func() {}
		}
	}
	req := &clientRequest{id: uuid.NewString(), cb: cb}
	req.log = c.log.With(slog.String("channel", channel), slog.String("request", req.id))
	cc, ok := c.channels[channel]
	if !ok {
		cc = &clientChannel{name: channel, topic: topic.FromChannel(channel)}
		c.channels[channel] = cc
		c.byTopic[cc.topic] = cc
		ActiveChannels.WithLabelValues(roleClient).Inc()
	}
	// A channel is joined once while it has unconnected requests. A request
	// arriving after every earlier one connected joins again to restart
	// the lookup.
	rejoin := !ok || !cc.pending()
	req.channel = cc
	cc.requests = append(cc.requests, req)
	req.log.Debug("Client request registered", slog.Int("requests", len(cc.requests)))
	if rejoin {
		h := c.handle
		JoinsTotal.WithLabelValues(roleClient).Inc()
		h.Join(cc.topic, swarm.JoinOptions{Channel: channel, Lookup: true}, func(err error) {
			c.joined(h, cc, err)
		})
	}
	c.mu.Unlock()
	return func() { c.cancel(req) }
}

// joined handles the result of a channel join. On failure every request
// on the channel that is not yet connected fails with a join error.
func (c *clientRole) joined(h swarm.Handle, cc *clientChannel, err error) {
	c.mu.Lock()
	if h != c.handle || c.channels[cc.name] != cc {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.log.Debug("Looking up channel", slog.String("channel", cc.name))
		c.mu.Unlock()
		return
	}
	JoinFailuresTotal.WithLabelValues(roleClient).Inc()
	c.log.Error("Failed to join channel", slog.String("channel", cc.name), slog.String("error", err.Error()))
	jerr := newChannelError(ErrJoin, cc.name, err)
	for _, req := range append([]*clientRequest(nil), cc.requests...) {
		if req.connected {
			continue
		}
		cb := req.cb
		c.releaseLocked(req)
		c.queue.push(func() { cb(nil, jerr) })
	}
	c.maybeCloseLocked()
	c.mu.Unlock()
	c.queue.run()
}

// releaseLocked removes the request from its channel and leaves the
// channel if it was the last one.
func (c *clientRole) releaseLocked(req *clientRequest) {
	if req.released {
		return
	}
	req.released = true
	req.connected = false
	if req.conn != nil {
		delete(c.byConn, req.conn)
		req.conn = nil
	}
	cc := req.channel
	for i, r := range cc.requests {
		if r == req {
			cc.requests = append(cc.requests[:i], cc.requests[i+1:]...)
			break
		}
	}
	req.log.Debug("Client request released")
	if len(cc.requests) > 0 {
		return
	}
	delete(c.channels, cc.name)
	delete(c.byTopic, cc.topic)
	ActiveChannels.WithLabelValues(roleClient).Dec()
	if c.handle == nil {
		return
	}
	LeavesTotal.WithLabelValues(roleClient).Inc()
	if err := c.handle.Leave(cc.topic); err != nil {
		c.log.Warn("Failed to leave channel", slog.String("channel", cc.name), slog.String("error", err.Error()))
	}
}

// cancel releases a single request without invoking its callback.
func (c *clientRole) cancel(req *clientRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.released {
		return
	}
	req.log.Debug("Client request cancelled")
	c.releaseLocked(req)
	c.maybeCloseLocked()
}

// releaseAll releases every pending request without invoking callbacks.
func (c *clientRole) releaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.channels {
		for _, req := range append([]*clientRequest(nil), cc.requests...) {
			c.releaseLocked(req)
		}
	}
	c.maybeCloseLocked()
}

// closedByApp releases a request whose delivered connection was closed by
// the application.
func (c *clientRole) closedByApp(req *clientRequest) {
	c.cancel(req)
}

func (c *clientRole) openHandleLocked() error {
	ep := &clientEpoch{c: c}
	h, err := c.p.clientFactory.New(c.p.ctx, ep)
	if err != nil {
		c.log.Error("Failed to create discovery handle", slog.String("error", err.Error()))
		return err
	}
	ep.handle = h
	c.handle = h
	HandleTransitionsTotal.WithLabelValues(roleClient, swarm.StateActive.String()).Inc()
	c.log.Debug("Created discovery handle")
	return nil
}

func (c *clientRole) maybeCloseLocked() {
	if c.handle == nil || len(c.channels) > 0 {
		return
	}
	h := c.handle
	c.handle = nil
	HandleTransitionsTotal.WithLabelValues(roleClient, swarm.StateShuttingDown.String()).Inc()
	c.log.Debug("Closing discovery handle")
	h.Close(func(err error) {
		if err != nil {
			c.log.Warn("Error closing discovery handle", slog.String("error", err.Error()))
		}
		HandleTransitionsTotal.WithLabelValues(roleClient, swarm.StateAbsent.String()).Inc()
	})
}

// HandleConnection implements swarm.Handler. The connection goes to the
// oldest unconnected request of its channel.
func (e *clientEpoch) HandleConnection(raw swarm.Conn) {
	c := e.c
	c.mu.Lock()
	info := raw.Info()
	if e.handle != c.handle {
		c.mu.Unlock()
		c.log.Warn("Dropping connection from stale discovery handle", slog.String("topic", info.Topic.Short()))
		_ = raw.Close()
		return
	}
	cc := c.byTopic[info.Topic]
	if cc == nil && info.Channel != "" {
		cc = c.channels[info.Channel]
	}
	var req *clientRequest
	if cc != nil {
		for _, r := range cc.requests {
			if !r.connected {
				req = r
				break
			}
		}
	}
	if req == nil {
		DuplicateConnectionsTotal.Inc()
		c.mu.Unlock()
		c.log.Debug("Dropping duplicate connection", slog.String("topic", info.Topic.Short()), slog.String("peer", info.Peer))
		_ = raw.Close()
		return
	}
	req.connected = true
	req.conn = raw
	c.byConn[raw] = req
	if !cc.pending() {
		// Nothing left to connect on this channel. A later request
		// joins again, which resumes the lookup.
		if err := c.handle.Suspend(cc.topic); err != nil {
			c.log.Warn("Failed to suspend lookup", slog.String("channel", cc.name), slog.String("error", err.Error()))
		}
	}
	conn := newConn(raw, cc.name, func() { c.closedByApp(req) })
	ConnectionsTotal.WithLabelValues(roleClient).Inc()
	req.log.Debug("Client connected", slog.String("peer", info.Peer))
	cb := req.cb
	c.queue.push(func() { cb(conn, nil) })
	c.mu.Unlock()
	c.queue.run()
}

// HandleConnectionClosed implements swarm.Handler.
func (e *clientEpoch) HandleConnectionClosed(raw swarm.Conn, info swarm.Info) {
	c := e.c
	c.mu.Lock()
	req, ok := c.byConn[raw]
	if e.handle != c.handle || !ok || req.released {
		c.mu.Unlock()
		return
	}
	ConnectionsLostTotal.Inc()
	req.log.Warn("Client connection lost", slog.String("peer", info.Peer))
	cb := req.cb
	c.releaseLocked(req)
	c.maybeCloseLocked()
	lerr := newChannelError(ErrConnectionLost, req.channel.name, swarm.ErrClosed)
	c.queue.push(func() { cb(nil, lerr) })
	c.mu.Unlock()
	c.queue.run()
}
