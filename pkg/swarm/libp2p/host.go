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

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/webmeshproj/dhtchan/pkg/version"
)

// newHost creates the libp2p host for a handle. When the configured port
// cannot be bound the host is created on a random port instead.
func newHost(log *slog.Logger, opts Options) (host.Host, error) {
	hostOpts, err := opts.hostOptions(opts.Port)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil && opts.Port != 0 && len(opts.ListenAddrs) == 0 {
		log.Warn("Failed to listen on configured port, falling back to a random port",
			slog.Int("port", opts.Port), slog.String("error", err.Error()))
		hostOpts, err = opts.hostOptions(0)
		if err != nil {
			return nil, err
		}
		h, err = libp2p.New(hostOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("new libp2p host: %w", err)
	}
	return h, nil
}

func (o Options) hostOptions(port int) ([]libp2p.Option, error) {
	opts := []libp2p.Option{libp2p.UserAgent(version.UserAgent("swarm"))}
	if o.Key != nil {
		opts = append(opts, libp2p.Identity(o.Key.HostKey()))
	}
	if len(o.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(o.ListenAddrs...))
	} else {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs(o.TCP, o.QUIC, port)...))
	}
	if o.TCP {
		opts = append(opts, libp2p.Transport(tcp.NewTCPTransport))
	}
	if o.QUIC {
		opts = append(opts, libp2p.Transport(quic.NewTransport))
	}
	if o.ConnectTimeout > 0 {
		opts = append(opts, libp2p.WithDialTimeout(o.ConnectTimeout))
	}
	if o.ConnHigh > 0 {
		cm, err := connmgr.NewConnManager(o.ConnLow, o.ConnHigh, connmgr.WithGracePeriod(time.Minute))
		if err != nil {
			return nil, fmt.Errorf("new connection manager: %w", err)
		}
		opts = append(opts, libp2p.ConnectionManager(cm))
	}
	opts = append(opts, libp2p.FallbackDefaults)
	return opts, nil
}

func listenAddrs(tcp, quic bool, port int) []string {
	var addrs []string
	if tcp {
		addrs = append(addrs,
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
			fmt.Sprintf("/ip6/::/tcp/%d", port),
		)
	}
	if quic {
		addrs = append(addrs,
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
			fmt.Sprintf("/ip6/::/udp/%d/quic-v1", port),
		)
	}
	return addrs
}
