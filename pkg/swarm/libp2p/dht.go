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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/webmeshproj/dhtchan/pkg/context"
)

func newDHT(ctx context.Context, host host.Host) (*dht.IpfsDHT, error) {
	kaddht, err := dht.New(ctx, host, dht.Mode(dht.ModeAuto))
	if err != nil {
		return nil, fmt.Errorf("libp2p new dht: %w", err)
	}
	return kaddht, nil
}

// bootstrapDHT connects to the bootstrap peers in parallel. It fails only
// when none of them could be reached.
func bootstrapDHT(ctx context.Context, host host.Host, kaddht *dht.IpfsDHT, servers []multiaddr.Multiaddr, connectTimeout time.Duration) error {
	log := context.LoggerFrom(ctx)
	if len(servers) == 0 {
		servers = dht.DefaultBootstrapPeers
	}
	err := kaddht.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("libp2p dht bootstrap: %w", err)
	}
	var g errgroup.Group
	var connected atomic.Int32
	for _, peerAddr := range servers {
		peerinfo, err := peer.AddrInfoFromP2pAddr(peerAddr)
		if err != nil {
			log.Debug("Failed to parse bootstrap peer address", "error", err.Error())
			continue
		}
		g.Go(func() error {
			var connectCtx context.Context
			var cancel context.CancelFunc
			if connectTimeout > 0 {
				connectCtx, cancel = context.WithTimeout(ctx, connectTimeout)
			} else {
				connectCtx, cancel = context.WithCancel(ctx)
			}
			defer cancel()
			if err := host.Connect(connectCtx, *peerinfo); err != nil {
				log.Debug("Failed to connect to DHT bootstrap peer", slog.String("peer", peerinfo.ID.String()), slog.String("error", err.Error()))
				return fmt.Errorf("connect to %s: %w", peerinfo.ID, err)
			}
			log.Debug("Connection established with bootstrap node", "node", peerinfo.String())
			connected.Add(1)
			return nil
		})
	}
	// Reaching one bootstrap peer is enough, the first failure is only
	// returned when none was reached.
	err = g.Wait()
	if connected.Load() > 0 {
		return nil
	}
	if err == nil {
		err = errors.New("no usable bootstrap peer address")
	}
	return fmt.Errorf("libp2p dht bootstrap: failed to connect to any bootstrap peer: %w", err)
}
