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

// Package libp2p implements discovery handles on top of a libp2p host,
// the kademlia DHT, and mDNS.
package libp2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/webmeshproj/dhtchan/pkg/crypto"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

// ChannelProtocol is the base protocol for channel streams. The hex form of
// the topic is appended to it.
const ChannelProtocol = protocol.ID("/dhtchan/0.0.1")

// ProtocolFor returns the stream protocol for the given topic.
func ProtocolFor(t topic.ID) protocol.ID {
	return protocol.ID(fmt.Sprintf("%s/%s", ChannelProtocol, t))
}

// ServiceNameFor returns the mDNS service name for the given topic.
func ServiceNameFor(t topic.ID) string {
	return fmt.Sprintf("_dhtchan-%s._udp", t.String()[:24])
}

// ErrNoTransport is returned when neither TCP nor QUIC is enabled.
var ErrNoTransport = errors.New("at least one of tcp or quic must be enabled")

// Options are options for creating discovery handles.
type Options struct {
	// Key is the identity of the host. If nil, an ephemeral key is
	// generated for every handle.
	Key crypto.Key
	// Port is the port to listen on. Zero picks a random port. If the
	// port cannot be bound a random port is used instead.
	Port int
	// ListenAddrs overrides the listen addresses derived from Port.
	ListenAddrs []multiaddr.Multiaddr
	// TCP enables the TCP transport.
	TCP bool
	// QUIC enables the QUIC transport.
	QUIC bool
	// DHT enables discovery over the kademlia DHT.
	DHT bool
	// MDNS enables discovery over multicast DNS.
	MDNS bool
	// BootstrapPeers are the DHT bootstrap peers. If empty, the default
	// bootstrap peers are used.
	BootstrapPeers []multiaddr.Multiaddr
	// Peers are peers that lookups always dial in addition to the ones
	// discovered.
	Peers []peer.AddrInfo
	// AnnounceTTL is the TTL requested when advertising a topic.
	AnnounceTTL time.Duration
	// LookupInterval is the time between lookups for a topic.
	LookupInterval time.Duration
	// RedialInterval is how long a dialed peer is skipped by lookups
	// of the same topic.
	RedialInterval time.Duration
	// ConnectTimeout is the timeout for connecting to peers.
	ConnectTimeout time.Duration
	// ConnLow and ConnHigh are the connection manager watermarks. The
	// connection manager is disabled when ConnHigh is zero.
	ConnLow  int
	ConnHigh int
}

// DefaultOptions returns options with every transport and discovery
// mechanism enabled.
func DefaultOptions() Options {
	return Options{
		TCP:            true,
		QUIC:           true,
		DHT:            true,
		MDNS:           true,
		AnnounceTTL:    10 * time.Minute,
		LookupInterval: 10 * time.Second,
		RedialInterval: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ConnLow:        100,
		ConnHigh:       400,
	}
}

// Validate validates the options.
func (o Options) Validate() error {
	if !o.TCP && !o.QUIC {
		return ErrNoTransport
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.ConnHigh > 0 && o.ConnLow > o.ConnHigh {
		return fmt.Errorf("connection low watermark %d exceeds high watermark %d", o.ConnLow, o.ConnHigh)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o Options) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"key":            "redacted",
		"port":           o.Port,
		"listenAddrs":    o.ListenAddrs,
		"tcp":            o.TCP,
		"quic":           o.QUIC,
		"dht":            o.DHT,
		"mdns":           o.MDNS,
		"bootstrapPeers": o.BootstrapPeers,
		"peers":          o.Peers,
		"announceTTL":    o.AnnounceTTL,
		"lookupInterval": o.LookupInterval,
		"connectTimeout": o.ConnectTimeout,
	})
}

// ToMultiaddrs parses the given strings as multiaddrs, skipping the ones
// that fail to parse.
func ToMultiaddrs(addrs []string) []multiaddr.Multiaddr {
	var out []multiaddr.Multiaddr
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		out = append(out, maddr)
	}
	return out
}

// ToAddrInfos parses the given strings as multiaddrs carrying a /p2p
// component and merges them by peer.
func ToAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parse peer address %q: %w", addr, err)
		}
		maddrs = append(maddrs, maddr)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		return nil, fmt.Errorf("parse peer addresses: %w", err)
	}
	return infos, nil
}
