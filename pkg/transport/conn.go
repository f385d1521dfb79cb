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
	"github.com/webmeshproj/dhtchan/pkg/address"
	"github.com/webmeshproj/dhtchan/pkg/swarm"
)

// Meta is the transport tag carried by every delivered connection.
const Meta = "dht"

// unknownChannel is used when a connection cannot be attributed to a
// channel.
const unknownChannel = "unknown"

// Conn is a connection delivered to the application.
type Conn interface {
	swarm.Conn
	// Channel returns the channel the connection belongs to.
	Channel() string
	// Address returns the dht:<channel> address of the connection.
	Address() string
	// Meta returns the transport tag.
	Meta() string
}

type conn struct {
	swarm.Conn
	channel string
	onClose func()
}

func newConn(c swarm.Conn, channel string, onClose func()) *conn {
	return &conn{Conn: c, channel: channel, onClose: onClose}
}

func (c *conn) Channel() string {
	return c.channel
}

func (c *conn) Address() string {
	return address.New(c.channel).String()
}

func (c *conn) Meta() string {
	return Meta
}

// Close closes the connection. A client connection closed by the
// application releases its request without reporting a lost connection.
func (c *conn) Close() error {
	if c.onClose != nil {
		c.onClose()
	}
	return c.Conn.Close()
}
