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
	"sort"
	"sync"

	"github.com/webmeshproj/dhtchan/pkg/reconcile"
	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

// serverRole reconciles the desired channel snapshots against an announcing
// discovery handle and forwards inbound connections.
type serverRole struct {
	p            *Plugin
	log          *slog.Logger
	onConnection func(Conn)
	onError      func(error)
	queue        callbackQueue
	done         chan struct{}

	mu       sync.Mutex
	stopped  bool
	handle   swarm.Handle
	active   *reconcile.Tracker
	topics   map[topic.ID]string
	gens     map[string]uint64
	gen      uint64
	reported int
}

// serverEpoch receives the events of one server handle.
type serverEpoch struct {
	s      *serverRole
	handle swarm.Handle
}

func newServerRole(p *Plugin, onConnection func(Conn), onError func(error)) *serverRole {
	return &serverRole{
		p:            p,
		log:          p.log.With("role", roleServer),
		onConnection: onConnection,
		onError:      onError,
		done:         make(chan struct{}),
		active:       reconcile.NewTracker(),
		topics:       make(map[topic.ID]string),
		gens:         make(map[string]uint64),
	}
}

func (s *serverRole) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// consume applies snapshots in the order they are received until the feed
// closes or the server stops.
func (s *serverRole) consume(feed <-chan []string) {
	for {
		select {
		case <-s.done:
			return
		case snapshot, ok := <-feed:
			if !ok {
				s.log.Debug("Channel feed closed, keeping current channels")
				return
			}
			s.apply(snapshot)
		}
	}
}

// apply reconciles the active channels against one desired snapshot.
func (s *serverRole) apply(snapshot []string) {
	desired := reconcile.NewSet(snapshot...)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	toJoin, _ := reconcile.Reconcile(s.active.Active(), desired)
	var openErr error
	if toJoin.Len() > 0 && s.handle == nil {
		openErr = s.openHandleLocked()
	}
	res := s.active.Apply(desired, func(ch string) error {
		if s.handle == nil {
			if openErr != nil {
				return newChannelError(ErrUnexpectedState, ch, openErr)
			}
			return newChannelError(ErrUnexpectedState, ch, swarm.ErrClosed)
		}
		s.joinLocked(ch)
		return nil
	}, func(ch string) error {
		return s.leaveLocked(ch)
	})
	for ch, err := range res.LeaveErrors {
		s.log.Warn("Failed to leave channel", slog.String("channel", ch), slog.String("error", err.Error()))
	}
	failed := make([]string, 0, len(res.Failed))
	for ch := range res.Failed {
		failed = append(failed, ch)
	}
	sort.Strings(failed)
	for _, ch := range failed {
		err := res.Failed[ch]
		JoinFailuresTotal.WithLabelValues(roleServer).Inc()
		s.log.Error("Failed to join channel", slog.String("channel", ch), slog.String("error", err.Error()))
		s.queue.push(func() { s.onError(err) })
	}
	if res.Changed() {
		s.log.Debug("Reconciled channels",
			slog.Any("joined", res.Joined),
			slog.Any("left", res.Left),
			slog.Any("active", s.active.Active().Sorted()),
		)
	}
	s.maybeCloseLocked()
	s.reportActiveLocked()
	s.mu.Unlock()
	s.queue.run()
}

func (s *serverRole) joinLocked(ch string) {
	t := topic.FromChannel(ch)
	s.topics[t] = ch
	s.gen++
	gen := s.gen
	s.gens[ch] = gen
	h := s.handle
	JoinsTotal.WithLabelValues(roleServer).Inc()
	h.Join(t, swarm.JoinOptions{Channel: ch, Announce: true}, func(err error) {
		s.joined(h, ch, gen, err)
	})
}

func (s *serverRole) leaveLocked(ch string) error {
	t := topic.FromChannel(ch)
	delete(s.topics, t)
	delete(s.gens, ch)
	if s.handle == nil {
		return nil
	}
	LeavesTotal.WithLabelValues(roleServer).Inc()
	return s.handle.Leave(t)
}

// joined handles the asynchronous result of a join. A failed join is
// removed from the active set and compensated with a leave.
func (s *serverRole) joined(h swarm.Handle, ch string, gen uint64, err error) {
	s.mu.Lock()
	if s.stopped || h != s.handle || s.gens[ch] != gen || !s.active.Has(ch) {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.log.Debug("Announcing channel", slog.String("channel", ch))
		s.mu.Unlock()
		return
	}
	s.active.Remove(ch)
	if lerr := s.leaveLocked(ch); lerr != nil {
		s.log.Warn("Failed to leave channel after failed join", slog.String("channel", ch), slog.String("error", lerr.Error()))
	}
	JoinFailuresTotal.WithLabelValues(roleServer).Inc()
	s.log.Error("Failed to join channel", slog.String("channel", ch), slog.String("error", err.Error()))
	jerr := newChannelError(ErrJoin, ch, err)
	s.queue.push(func() { s.onError(jerr) })
	s.maybeCloseLocked()
	s.reportActiveLocked()
	s.mu.Unlock()
	s.queue.run()
}

func (s *serverRole) openHandleLocked() error {
	ep := &serverEpoch{s: s}
	h, err := s.p.serverFactory.New(s.p.ctx, ep)
	if err != nil {
		s.log.Error("Failed to create discovery handle", slog.String("error", err.Error()))
		return err
	}
	ep.handle = h
	s.handle = h
	HandleTransitionsTotal.WithLabelValues(roleServer, swarm.StateActive.String()).Inc()
	s.log.Debug("Created discovery handle")
	return nil
}

func (s *serverRole) maybeCloseLocked() {
	if s.handle == nil || s.active.Len() > 0 {
		return
	}
	h := s.handle
	s.handle = nil
	HandleTransitionsTotal.WithLabelValues(roleServer, swarm.StateShuttingDown.String()).Inc()
	s.log.Debug("Closing discovery handle")
	h.Close(func(err error) {
		if err != nil {
			s.log.Warn("Error closing discovery handle", slog.String("error", err.Error()))
		}
		HandleTransitionsTotal.WithLabelValues(roleServer, swarm.StateAbsent.String()).Inc()
	})
}

func (s *serverRole) reportActiveLocked() {
	n := s.active.Len()
	ActiveChannels.WithLabelValues(roleServer).Add(float64(n - s.reported))
	s.reported = n
}

// stop leaves every active channel and closes the handle.
func (s *serverRole) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	for _, ch := range s.active.Clear().Sorted() {
		if err := s.leaveLocked(ch); err != nil {
			s.log.Warn("Failed to leave channel", slog.String("channel", ch), slog.String("error", err.Error()))
		}
	}
	s.maybeCloseLocked()
	s.reportActiveLocked()
	s.log.Debug("Server stopped")
}

// HandleConnection implements swarm.Handler.
func (e *serverEpoch) HandleConnection(c swarm.Conn) {
	s := e.s
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	info := c.Info()
	if e.handle != s.handle {
		s.mu.Unlock()
		_ = c.Close()
		err := newChannelError(ErrUnexpectedState, info.Channel, swarm.ErrClosed)
		s.log.Error("Connection from stale discovery handle", slog.String("error", err.Error()))
		s.queue.push(func() { s.onError(err) })
		s.queue.run()
		return
	}
	if info.Direction != swarm.Inbound {
		s.mu.Unlock()
		s.log.Debug("Dropping outbound connection", slog.String("topic", info.Topic.Short()))
		_ = c.Close()
		return
	}
	channel := info.Channel
	if channel == "" {
		channel = s.topics[info.Topic]
	}
	if channel == "" {
		channel = unknownChannel
	}
	conn := newConn(c, channel, nil)
	ConnectionsTotal.WithLabelValues(roleServer).Inc()
	s.log.Debug("Accepted connection", slog.String("channel", channel), slog.String("peer", info.Peer))
	s.queue.push(func() { s.onConnection(conn) })
	s.mu.Unlock()
	s.queue.run()
}

// HandleConnectionClosed implements swarm.Handler.
func (e *serverEpoch) HandleConnectionClosed(_ swarm.Conn, info swarm.Info) {
	e.s.log.Debug("Connection closed", slog.String("topic", info.Topic.Short()), slog.String("peer", info.Peer))
}
