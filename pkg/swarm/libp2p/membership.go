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
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

const (
	dialedCacheSize  = 256
	readvertiseRetry = 2 * time.Minute
)

// membership is the local state for one joined topic. Fields other than
// the cache and the rearm channel are guarded by the handle mutex.
type membership struct {
	topic      topic.ID
	channel    string
	ctx        context.Context
	cancel     context.CancelFunc
	announcing bool
	looking    bool
	suspended  bool
	mdns       mdns.Service
	dialed     *lru.Cache[peer.ID, time.Time]
	redial     time.Duration
	rearmc     chan struct{}
}

func (h *Handle) newMembership(t topic.ID) *membership {
	ctx, cancel := context.WithCancel(h.ctx)
	redial := h.opts.RedialInterval
	if redial <= 0 {
		redial = time.Minute
	}
	// New only fails for a non-positive size.
	dialed, _ := lru.New[peer.ID, time.Time](dialedCacheSize)
	return &membership{
		topic:  t,
		ctx:    ctx,
		cancel: cancel,
		dialed: dialed,
		redial: redial,
		rearmc: make(chan struct{}, 1),
	}
}

// shouldDial records a dial attempt for the peer and reports whether it
// was not attempted within the redial interval.
func (m *membership) shouldDial(id peer.ID) bool {
	if at, ok := m.dialed.Get(id); ok && time.Since(at) < m.redial {
		return false
	}
	m.dialed.Add(id, time.Now())
	return true
}

// isSuspended reports whether lookups for the membership are paused.
func (h *Handle) isSuspended(m *membership) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return m.suspended
}

// rearm forgets every dialed peer and triggers an immediate lookup.
func (m *membership) rearm() {
	m.dialed.Purge()
	select {
	case m.rearmc <- struct{}{}:
	default:
	}
}

func (h *Handle) startMDNS(m *membership) {
	svc := mdns.NewMdnsService(h.host, ServiceNameFor(m.topic), &mdnsNotifee{h: h, m: m})
	if err := svc.Start(); err != nil {
		h.log.Warn("Failed to start mDNS service", slog.String("topic", m.topic.Short()), slog.String("error", err.Error()))
		return
	}
	m.mdns = svc
}

// fallback reports whether discovery for the membership has a mechanism
// other than the DHT.
func (h *Handle) fallback(m *membership, lookup bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.mdns != nil {
		return true
	}
	return lookup && len(h.opts.Peers) > 0
}

func (h *Handle) waitReady(m *membership) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-h.ready:
		return true
	}
}

// announce advertises the topic on the DHT until the membership ends.
func (h *Handle) announce(m *membership, report func(error)) {
	if h.disc == nil {
		report(nil)
		return
	}
	if !h.waitReady(m) {
		report(m.ctx.Err())
		return
	}
	log := h.log.With(slog.String("topic", m.topic.Short()))
	var opts []discovery.Option
	if h.opts.AnnounceTTL > 0 {
		opts = append(opts, discovery.TTL(h.opts.AnnounceTTL))
	}
	first := true
	for {
		wait := readvertiseRetry
		ttl, err := h.disc.Advertise(m.ctx, m.topic.Namespace(), opts...)
		switch {
		case m.ctx.Err() != nil:
			if first {
				report(m.ctx.Err())
			}
			return
		case err != nil && first && !h.fallback(m, false):
			report(fmt.Errorf("advertise topic: %w", err))
			return
		case err != nil:
			log.Warn("Failed to advertise topic", slog.String("error", err.Error()))
		default:
			log.Debug("Advertised topic", slog.Duration("ttl", ttl))
			wait = ttl * 7 / 8
		}
		if first {
			report(nil)
			first = false
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// lookup searches the topic and dials the peers it finds until the
// membership ends.
func (h *Handle) lookup(m *membership, report func(error)) {
	if h.disc != nil && !h.waitReady(m) {
		report(m.ctx.Err())
		return
	}
	log := h.log.With(slog.String("topic", m.topic.Short()))
	interval := h.opts.LookupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	first := true
	for {
		if !first && h.isSuspended(m) {
			// Wait for a rejoin to resume.
			select {
			case <-m.ctx.Done():
				return
			case <-m.rearmc:
			}
			continue
		}
		for _, p := range h.opts.Peers {
			h.dial(m, p)
		}
		if h.disc != nil {
			peers, err := h.disc.FindPeers(m.ctx, m.topic.Namespace())
			switch {
			case err != nil && m.ctx.Err() != nil:
			case err != nil && first && !h.fallback(m, true):
				report(fmt.Errorf("find peers: %w", err))
				return
			case err != nil:
				log.Warn("Failed to find peers", slog.String("error", err.Error()))
			default:
				for p := range peers {
					h.dial(m, p)
				}
			}
		}
		if m.ctx.Err() != nil {
			if first {
				report(m.ctx.Err())
			}
			return
		}
		if first {
			report(nil)
			first = false
		}
		select {
		case <-m.ctx.Done():
			return
		case <-m.rearmc:
		case <-time.After(interval):
		}
	}
}

// dial opens a channel stream to the peer unless it was dialed recently
// or lookups for the membership are suspended.
func (h *Handle) dial(m *membership, p peer.AddrInfo) {
	if p.ID == h.host.ID() || h.isSuspended(m) {
		return
	}
	if len(p.Addrs) == 0 && len(h.host.Peerstore().Addrs(p.ID)) == 0 {
		return
	}
	if !m.shouldDial(p.ID) {
		return
	}
	log := h.log.With(slog.String("topic", m.topic.Short()), slog.String("peer", p.ID.String()))
	var ctx context.Context
	var cancel context.CancelFunc
	if h.opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, h.opts.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}
	defer cancel()
	if len(p.Addrs) > 0 {
		if err := h.host.Connect(ctx, p); err != nil {
			log.Debug("Failed to connect to peer", slog.String("error", err.Error()))
			return
		}
	}
	s, err := h.host.NewStream(ctx, p.ID, ProtocolFor(m.topic))
	if err != nil {
		log.Debug("Failed to open channel stream", slog.String("error", err.Error()))
		return
	}
	log.Debug("Opened channel stream")
	h.deliver(m, s, swarm.Outbound)
}

type mdnsNotifee struct {
	h *Handle
	m *membership
}

// HandlePeerFound implements mdns.Notifee.
func (n *mdnsNotifee) HandlePeerFound(p peer.AddrInfo) {
	if p.ID == n.h.host.ID() {
		return
	}
	go n.found(p)
}

func (n *mdnsNotifee) found(p peer.AddrInfo) {
	n.h.host.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.TempAddrTTL)
	n.h.mu.Lock()
	looking := n.m.looking && !n.m.suspended && n.h.topics[n.m.topic] == n.m
	n.h.mu.Unlock()
	if looking {
		n.h.dial(n.m, p)
	}
}
