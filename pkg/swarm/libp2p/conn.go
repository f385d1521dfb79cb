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
	"net"
	"os"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	mnet "github.com/multiformats/go-multiaddr/net"

	"github.com/webmeshproj/dhtchan/pkg/swarm"
)

// Conn is a channel stream tracked by a handle.
type Conn struct {
	network.Stream
	h    *Handle
	info swarm.Info
	once sync.Once
}

// Info implements swarm.Conn.
func (c *Conn) Info() swarm.Info {
	return c.info
}

// Read reads from the stream. The first read error other than a deadline
// marks the connection closed.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Stream.Read(b)
	if err != nil && !isTimeout(err) {
		c.finish()
	}
	return n, err
}

// Write writes to the stream. The first write error other than a deadline
// marks the connection closed.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Stream.Write(b)
	if err != nil && !isTimeout(err) {
		c.finish()
	}
	return n, err
}

// Close closes the stream.
func (c *Conn) Close() error {
	err := c.Stream.Close()
	c.finish()
	return err
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr {
	addr, _ := mnet.ToNetAddr(c.Stream.Conn().LocalMultiaddr())
	return addr
}

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr {
	addr, _ := mnet.ToNetAddr(c.Stream.Conn().RemoteMultiaddr())
	return addr
}

func (c *Conn) finish() {
	c.once.Do(func() {
		if c.h.untrack(c) {
			c.h.handler.HandleConnectionClosed(c, c.info)
		}
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
