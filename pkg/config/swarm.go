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

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/pflag"

	"github.com/webmeshproj/dhtchan/pkg/crypto"
	"github.com/webmeshproj/dhtchan/pkg/swarm/libp2p"
)

// SwarmOptions are options for the discovery substrate.
type SwarmOptions struct {
	// Identity is a base64 encoded libp2p private key, or a seed string
	// the key is derived from. If empty, an ephemeral key is generated.
	Identity string `koanf:"identity,omitempty"`
	// Port is the port to listen on. Zero picks a random port.
	Port int `koanf:"port,omitempty"`
	// ListenAddrs overrides the listen addresses derived from port.
	ListenAddrs []string `koanf:"listen-addrs,omitempty"`
	// DHT enables discovery over the kademlia DHT.
	DHT bool `koanf:"dht,omitempty"`
	// MDNS enables discovery over multicast DNS.
	MDNS bool `koanf:"mdns,omitempty"`
	// TCP enables the TCP transport.
	TCP bool `koanf:"tcp,omitempty"`
	// QUIC enables the QUIC transport.
	QUIC bool `koanf:"quic,omitempty"`
	// BootstrapPeers is a list of bootstrap peers to use for the DHT.
	// If empty or nil, the default bootstrap peers will be used.
	BootstrapPeers []string `koanf:"bootstrap-peers,omitempty"`
	// Peers is a list of peer multiaddrs that lookups always dial.
	Peers []string `koanf:"peers,omitempty"`
	// AnnounceTTL is the TTL requested when advertising a channel.
	AnnounceTTL time.Duration `koanf:"announce-ttl,omitempty"`
	// LookupInterval is the time between lookups for a channel.
	LookupInterval time.Duration `koanf:"lookup-interval,omitempty"`
	// RedialInterval is how long a dialed peer is skipped by lookups.
	RedialInterval time.Duration `koanf:"redial-interval,omitempty"`
	// ConnectTimeout is the timeout for connecting to a peer.
	ConnectTimeout time.Duration `koanf:"connect-timeout,omitempty"`
	// ConnLow is the connection manager low watermark.
	ConnLow int `koanf:"conn-low,omitempty"`
	// ConnHigh is the connection manager high watermark. Zero disables
	// the connection manager.
	ConnHigh int `koanf:"conn-high,omitempty"`
}

// NewSwarmOptions returns swarm options with sensible defaults.
func NewSwarmOptions() SwarmOptions {
	defaults := libp2p.DefaultOptions()
	return SwarmOptions{
		DHT:            defaults.DHT,
		MDNS:           defaults.MDNS,
		TCP:            defaults.TCP,
		QUIC:           defaults.QUIC,
		AnnounceTTL:    defaults.AnnounceTTL,
		LookupInterval: defaults.LookupInterval,
		RedialInterval: defaults.RedialInterval,
		ConnectTimeout: defaults.ConnectTimeout,
		ConnLow:        defaults.ConnLow,
		ConnHigh:       defaults.ConnHigh,
	}
}

// BindFlags binds the flags for the swarm options.
func (o *SwarmOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Identity, prefix+"identity", o.Identity, "Base64 encoded libp2p private key or a seed to derive one from.")
	fs.IntVar(&o.Port, prefix+"port", o.Port, "Port to listen on. Zero picks a random port.")
	fs.StringSliceVar(&o.ListenAddrs, prefix+"listen-addrs", o.ListenAddrs, "Multiaddrs to listen on, overriding the port.")
	fs.BoolVar(&o.DHT, prefix+"dht", o.DHT, "Use the kademlia DHT for discovery.")
	fs.BoolVar(&o.MDNS, prefix+"mdns", o.MDNS, "Use multicast DNS for discovery.")
	fs.BoolVar(&o.TCP, prefix+"tcp", o.TCP, "Enable the TCP transport.")
	fs.BoolVar(&o.QUIC, prefix+"quic", o.QUIC, "Enable the QUIC transport.")
	fs.StringSliceVar(&o.BootstrapPeers, prefix+"bootstrap-peers", o.BootstrapPeers, "List of bootstrap peers to use for the DHT.")
	fs.StringSliceVar(&o.Peers, prefix+"peers", o.Peers, "List of peer multiaddrs that lookups always dial.")
	fs.DurationVar(&o.AnnounceTTL, prefix+"announce-ttl", o.AnnounceTTL, "TTL requested when advertising a channel.")
	fs.DurationVar(&o.LookupInterval, prefix+"lookup-interval", o.LookupInterval, "Time between lookups for a channel.")
	fs.DurationVar(&o.RedialInterval, prefix+"redial-interval", o.RedialInterval, "How long a dialed peer is skipped by lookups.")
	fs.DurationVar(&o.ConnectTimeout, prefix+"connect-timeout", o.ConnectTimeout, "Timeout for connecting to a peer.")
	fs.IntVar(&o.ConnLow, prefix+"conn-low", o.ConnLow, "Connection manager low watermark.")
	fs.IntVar(&o.ConnHigh, prefix+"conn-high", o.ConnHigh, "Connection manager high watermark. Zero disables the connection manager.")
}

// Validate validates the swarm options.
func (o *SwarmOptions) Validate() error {
	if !o.TCP && !o.QUIC {
		return errors.New("at least one of tcp or quic must be enabled")
	}
	if !o.DHT && !o.MDNS && len(o.Peers) == 0 {
		return errors.New("at least one of dht, mdns or peers must be configured")
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.AnnounceTTL < 0 || o.LookupInterval < 0 || o.RedialInterval < 0 || o.ConnectTimeout < 0 {
		return errors.New("durations cannot be negative")
	}
	if o.ConnHigh > 0 && o.ConnLow > o.ConnHigh {
		return fmt.Errorf("conn-low %d exceeds conn-high %d", o.ConnLow, o.ConnHigh)
	}
	for _, addr := range o.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
	}
	for _, addr := range o.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid bootstrap peer address: %w", err)
		}
	}
	if _, err := libp2p.ToAddrInfos(o.Peers); err != nil {
		return err
	}
	return nil
}

func (o *SwarmOptions) hostOptions(port int) (libp2p.Options, error) {
	key, err := crypto.LoadIdentity(o.Identity)
	if err != nil {
		return libp2p.Options{}, fmt.Errorf("load identity: %w", err)
	}
	peers, err := libp2p.ToAddrInfos(o.Peers)
	if err != nil {
		return libp2p.Options{}, err
	}
	return libp2p.Options{
		Key:            key,
		Port:           port,
		ListenAddrs:    libp2p.ToMultiaddrs(o.ListenAddrs),
		TCP:            o.TCP,
		QUIC:           o.QUIC,
		DHT:            o.DHT,
		MDNS:           o.MDNS,
		BootstrapPeers: libp2p.ToMultiaddrs(o.BootstrapPeers),
		Peers:          peers,
		AnnounceTTL:    o.AnnounceTTL,
		LookupInterval: o.LookupInterval,
		RedialInterval: o.RedialInterval,
		ConnectTimeout: o.ConnectTimeout,
		ConnLow:        o.ConnLow,
		ConnHigh:       o.ConnHigh,
	}, nil
}
