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

// Package config contains the configuration surface of the dht transport.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/webmeshproj/dhtchan/pkg/crypto"
	"github.com/webmeshproj/dhtchan/pkg/swarm/libp2p"
)

// DefaultScope is the scope reported by the transport when none is set.
const DefaultScope = "public"

// clientSeedPrefix is prepended to the identity to derive the client key.
const clientSeedPrefix = "dhtchan-client:"

// Options are the options for a dht transport plugin.
type Options struct {
	// Key is the single channel served and the default channel for
	// clients.
	Key string `koanf:"key,omitempty"`
	// Keys is a static set of channels to serve. It is mutually exclusive
	// with Key.
	Keys []string `koanf:"keys,omitempty"`
	// Scope is the scope the transport reports to a host framework.
	Scope string `koanf:"scope,omitempty"`
	// Swarm are the options passed through to the discovery substrate.
	Swarm SwarmOptions `koanf:"swarm,omitempty"`
}

// NewOptions returns options with sensible defaults.
func NewOptions() Options {
	return Options{
		Scope: DefaultScope,
		Swarm: NewSwarmOptions(),
	}
}

// BindFlags binds the flags for the transport options.
func (o *Options) BindFlags(prefix string, fs *pflag.FlagSet) *Options {
	fs.StringVar(&o.Key, prefix+"key", o.Key, "Channel to serve, and the default channel for clients.")
	fs.StringSliceVar(&o.Keys, prefix+"keys", o.Keys, "Static set of channels to serve. Mutually exclusive with key.")
	fs.StringVar(&o.Scope, prefix+"scope", o.Scope, "Scope reported to the host framework.")
	o.Swarm.BindFlags(prefix+"swarm.", fs)
	return o
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o == nil {
		return errors.New("options cannot be nil")
	}
	if o.Key != "" && len(o.Keys) > 0 {
		return errors.New("key and keys are mutually exclusive")
	}
	for _, k := range o.Keys {
		if k == "" {
			return errors.New("keys cannot contain empty channels")
		}
	}
	if err := o.Swarm.Validate(); err != nil {
		return fmt.Errorf("invalid swarm options: %w", err)
	}
	return nil
}

// Channels returns the statically configured channels to serve.
func (o *Options) Channels() []string {
	if o.Key != "" {
		return []string{o.Key}
	}
	return o.Keys
}

// SwarmOptions returns the substrate options for the server role.
func (o *Options) SwarmOptions() (libp2p.Options, error) {
	return o.Swarm.hostOptions(o.Swarm.Port)
}

// ClientSwarmOptions returns the substrate options for the client role.
// The client inherits discovery and transport toggles from the plugin and
// always listens on a random port. A configured identity is not shared,
// the client host gets a key derived from it so both hosts have distinct
// peer IDs.
func (o *Options) ClientSwarmOptions() (libp2p.Options, error) {
	client := SwarmOptions{
		DHT:            o.Swarm.DHT,
		MDNS:           o.Swarm.MDNS,
		TCP:            o.Swarm.TCP,
		QUIC:           o.Swarm.QUIC,
		BootstrapPeers: o.Swarm.BootstrapPeers,
		Peers:          o.Swarm.Peers,
		LookupInterval: o.Swarm.LookupInterval,
		RedialInterval: o.Swarm.RedialInterval,
		ConnectTimeout: o.Swarm.ConnectTimeout,
		ConnLow:        o.Swarm.ConnLow,
		ConnHigh:       o.Swarm.ConnHigh,
	}
	opts, err := client.hostOptions(0)
	if err != nil {
		return opts, err
	}
	if o.Swarm.Identity != "" {
		key, err := crypto.KeyFromSeed(clientSeedPrefix + o.Swarm.Identity)
		if err != nil {
			return libp2p.Options{}, fmt.Errorf("derive client identity: %w", err)
		}
		opts.Key = key
	}
	return opts, nil
}
