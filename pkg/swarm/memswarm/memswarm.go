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

// Package memswarm provides an in-process discovery substrate. Handles
// created from the same Network discover each other by topic and are
// connected with in-memory pipes.
package memswarm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

// Network is a shared in-process rendezvous space.
type Network struct {
	mu           sync.Mutex
	handles      []*Handle
	links        map[*link]struct{}
	failures     map[topic.ID]error
	joins        map[topic.ID]int
	leaves       map[topic.ID]int
	suspends     map[topic.ID]int
	redial       int
	stripChannel bool
	created      int
	nextID       int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		links:    make(map[*link]struct{}),
		failures: make(map[topic.ID]error),
		joins:    make(map[topic.ID]int),
		leaves:   make(map[topic.ID]int),
		suspends: make(map[topic.ID]int),
	}
}

// Factory returns a factory creating handles on this network.
func (n *Network) Factory() swarm.Factory {
	return swarm.FactoryFunc(n.NewHandle)
}

// NewHandle creates a handle on the network delivering events to h.
func (n *Network) NewHandle(ctx context.Context, h swarm.Handler) (swarm.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.created++
	hdl := &Handle{
		net:       n,
		id:        n.nextID,
		handler:   h,
		state:     swarm.StateActive,
		topics:    make(map[topic.ID]swarm.JoinOptions),
		suspended: make(map[topic.ID]bool),
	}
	n.handles = append(n.handles, hdl)
	return hdl, nil
}

// FailJoins makes every subsequent join of the topic fail with err. A nil
// error clears the failure.
func (n *Network) FailJoins(t topic.ID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, t)
		return
	}
	n.failures[t] = err
}

// Redial makes every pairing produce extra duplicate connections in
// addition to the first one.
func (n *Network) Redial(extra int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redial = extra
}

// StripChannels makes connections carry no channel metadata, leaving only
// the topic.
func (n *Network) StripChannels(strip bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stripChannel = strip
}

// Sever closes every connection made for the topic as if the remote end
// went away. It returns the number of connections severed.
func (n *Network) Sever(t topic.ID) int {
	n.mu.Lock()
	var toClose []*link
	for l := range n.links {
		if l.topic == t {
			toClose = append(toClose, l)
		}
	}
	n.mu.Unlock()
	for _, l := range toClose {
		l.close()
	}
	return len(toClose)
}

// Joins returns the number of join calls made for the topic.
func (n *Network) Joins(t topic.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joins[t]
}

// Leaves returns the number of leave calls made for the topic.
func (n *Network) Leaves(t topic.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaves[t]
}

// Suspends returns the number of suspend calls made for the topic.
func (n *Network) Suspends(t topic.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.suspends[t]
}

// HandlesCreated returns the number of handles ever created.
func (n *Network) HandlesCreated() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created
}

// OpenHandles returns the number of handles that have not been closed.
func (n *Network) OpenHandles() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handles)
}

// OpenConns returns the number of live connection pairs for the topic.
func (n *Network) OpenConns(t topic.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	for l := range n.links {
		if l.topic == t {
			count++
		}
	}
	return count
}

func (n *Network) removeHandle(h *Handle) {
	for i, other := range n.handles {
		if other == h {
			n.handles = append(n.handles[:i], n.handles[i+1:]...)
			return
		}
	}
}

// pairLocked builds the connection pairs between a looking handle and an
// announcing handle.
func (n *Network) pairLocked(t topic.ID, looker, announcer *Handle) []*link {
	count := 1 + n.redial
	out := make([]*link, 0, count)
	for i := 0; i < count; i++ {
		a, b := net.Pipe()
		l := &link{net: n, topic: t, delivered: make(chan struct{})}
		l.out = &Conn{Conn: a, link: l, owner: looker, info: swarm.Info{
			Direction: swarm.Outbound,
			Topic:     t,
			Channel:   n.channelLocked(looker, t),
			Peer:      announcer.Name(),
		}}
		l.in = &Conn{Conn: b, link: l, owner: announcer, info: swarm.Info{
			Direction: swarm.Inbound,
			Topic:     t,
			Channel:   n.channelLocked(announcer, t),
			Peer:      looker.Name(),
		}}
		n.links[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func (n *Network) channelLocked(h *Handle, t topic.ID) string {
	if n.stripChannel {
		return ""
	}
	return h.topics[t].Channel
}

// Handle is a discovery handle on a Network.
type Handle struct {
	net     *Network
	id      int
	handler swarm.Handler
	state   swarm.State
	topics  map[topic.ID]swarm.JoinOptions
	// suspended holds looking topics that are not paired with new
	// announcers.
	suspended map[topic.ID]bool
}

// Name returns a display name for the handle.
func (h *Handle) Name() string {
	return fmt.Sprintf("mem-%d", h.id)
}

// Join implements swarm.Handle.
func (h *Handle) Join(t topic.ID, opts swarm.JoinOptions, done func(error)) {
	n := h.net
	n.mu.Lock()
	if h.state != swarm.StateActive {
		n.mu.Unlock()
		go done(swarm.ErrClosed)
		return
	}
	n.joins[t]++
	if err := n.failures[t]; err != nil {
		n.mu.Unlock()
		go done(err)
		return
	}
	cur := h.topics[t]
	if opts.Channel != "" {
		cur.Channel = opts.Channel
	}
	cur.Announce = cur.Announce || opts.Announce
	cur.Lookup = cur.Lookup || opts.Lookup
	h.topics[t] = cur
	if opts.Lookup {
		delete(h.suspended, t)
	}
	var links []*link
	for _, other := range n.handles {
		if other == h || other.state != swarm.StateActive {
			continue
		}
		theirs, ok := other.topics[t]
		if !ok {
			continue
		}
		if opts.Lookup && theirs.Announce {
			links = append(links, n.pairLocked(t, h, other)...)
		}
		if opts.Announce && theirs.Lookup && !other.suspended[t] {
			links = append(links, n.pairLocked(t, other, h)...)
		}
	}
	n.mu.Unlock()
	go func() {
		done(nil)
		for _, l := range links {
			l.emit()
		}
	}()
}

// Leave implements swarm.Handle.
func (h *Handle) Leave(t topic.ID) error {
	n := h.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if h.state != swarm.StateActive {
		return swarm.ErrClosed
	}
	n.leaves[t]++
	delete(h.topics, t)
	delete(h.suspended, t)
	return nil
}

// Suspend implements swarm.Handle.
func (h *Handle) Suspend(t topic.ID) error {
	n := h.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if h.state != swarm.StateActive {
		return swarm.ErrClosed
	}
	n.suspends[t]++
	if h.topics[t].Lookup {
		h.suspended[t] = true
	}
	return nil
}

// Close implements swarm.Handle.
func (h *Handle) Close(done func(error)) {
	n := h.net
	n.mu.Lock()
	if h.state != swarm.StateActive {
		n.mu.Unlock()
		go done(nil)
		return
	}
	h.state = swarm.StateShuttingDown
	n.removeHandle(h)
	var owned []*link
	for l := range n.links {
		if l.in.owner == h || l.out.owner == h {
			owned = append(owned, l)
		}
	}
	n.mu.Unlock()
	go func() {
		for _, l := range owned {
			l.close()
		}
		n.mu.Lock()
		h.state = swarm.StateAbsent
		h.topics = make(map[topic.ID]swarm.JoinOptions)
		h.suspended = make(map[topic.ID]bool)
		n.mu.Unlock()
		done(nil)
	}()
}

// State implements swarm.Handle.
func (h *Handle) State() swarm.State {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.state
}

// Conn is one end of an in-memory connection.
type Conn struct {
	net.Conn
	link  *link
	owner *Handle
	info  swarm.Info
}

// Info implements swarm.Conn.
func (c *Conn) Info() swarm.Info {
	return c.info
}

// Close closes both ends of the connection.
func (c *Conn) Close() error {
	c.link.close()
	return nil
}

type link struct {
	net       *Network
	topic     topic.ID
	in, out   *Conn
	once      sync.Once
	emitted   bool
	delivered chan struct{}
}

// emit delivers the connection to both owners if they are still active.
func (l *link) emit() {
	n := l.net
	n.mu.Lock()
	_, live := n.links[l]
	l.emitted = live &&
		l.in.owner.state == swarm.StateActive &&
		l.out.owner.state == swarm.StateActive
	emitted := l.emitted
	n.mu.Unlock()
	if !emitted {
		close(l.delivered)
		l.close()
		return
	}
	l.in.owner.handler.HandleConnection(l.in)
	l.out.owner.handler.HandleConnection(l.out)
	close(l.delivered)
}

// close closes both pipe ends. Owners that saw the connection and are
// still active receive a closed event after the connection event.
func (l *link) close() {
	l.once.Do(func() {
		n := l.net
		n.mu.Lock()
		delete(n.links, l)
		inLive := l.emitted && l.in.owner.state == swarm.StateActive
		outLive := l.emitted && l.out.owner.state == swarm.StateActive
		n.mu.Unlock()
		l.in.Conn.Close()
		l.out.Conn.Close()
		if !inLive && !outLive {
			return
		}
		go func() {
			<-l.delivered
			if inLive {
				l.in.owner.handler.HandleConnectionClosed(l.in, l.in.info)
			}
			if outLive {
				l.out.owner.handler.HandleConnectionClosed(l.out, l.out.info)
			}
		}()
	})
}
