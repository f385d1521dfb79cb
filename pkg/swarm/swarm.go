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

// Package swarm defines the boundary between the transport roles and a
// topic based discovery substrate.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/webmeshproj/dhtchan/pkg/topic"
)

// ErrClosed is returned when an operation is attempted on a handle that
// is shutting down or closed.
var ErrClosed = errors.New("discovery handle closed")

// State is the lifecycle state of a discovery handle.
type State int

const (
	// StateAbsent means no handle exists.
	StateAbsent State = iota
	// StateActive means the handle accepts joins and emits events.
	StateActive
	// StateShuttingDown means Close was called and has not completed.
	StateShuttingDown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Direction is the direction of a connection relative to the local peer.
type Direction int

const (
	// Inbound connections were dialed by the remote peer.
	Inbound Direction = iota
	// Outbound connections were dialed by the local peer.
	Outbound
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Info is the metadata the substrate knows about a connection.
type Info struct {
	// Direction is the direction of the connection.
	Direction Direction
	// Topic is the topic the connection was made for.
	Topic topic.ID
	// Channel is the channel the connection was made for, if the
	// substrate carries it. It may be empty.
	Channel string
	// Peer is the remote peer identifier, if known.
	Peer string
}

// Conn is a raw connection produced by the substrate.
type Conn interface {
	net.Conn
	// Info returns the connection metadata.
	Info() Info
}

// JoinOptions are the options for joining a topic.
type JoinOptions struct {
	// Channel is the channel the topic was derived from. It is passed
	// back on connections made for the topic.
	Channel string
	// Announce makes the local peer discoverable on the topic and
	// accept connections for it.
	Announce bool
	// Lookup makes the local peer search the topic and dial the peers
	// it finds.
	Lookup bool
}

// Handle is a live discovery resource. Join, Leave and Close never block
// on network activity. Completion callbacks and Handler events are always
// delivered from goroutines owned by the handle, never from within the
// call that triggered them.
type Handle interface {
	// Join starts discovery for the topic. done is invoked once with the
	// result of the first advertisement or lookup. Joining an already
	// joined topic widens its options and restarts lookups.
	Join(t topic.ID, opts JoinOptions, done func(error))
	// Leave stops discovery for the topic. Existing connections are
	// not closed.
	Leave(t topic.ID) error
	// Suspend pauses lookups for the topic until it is joined again with
	// Lookup set. Announcing and existing connections are not affected.
	Suspend(t topic.ID) error
	// Close releases the handle and every connection it produced. done
	// is invoked once the handle is fully released. No events are
	// emitted after Close is called.
	Close(done func(error))
	// State returns the lifecycle state of the handle.
	State() State
}

// Handler receives connection events from a handle.
type Handler interface {
	// HandleConnection is called for every new raw connection.
	HandleConnection(c Conn)
	// HandleConnectionClosed is called once for every connection
	// previously passed to HandleConnection when it is closed, unless
	// the handle was closed first.
	HandleConnectionClosed(c Conn, info Info)
}

// Factory creates discovery handles.
type Factory interface {
	// New creates a handle delivering events to h.
	New(ctx context.Context, h Handler) (Handle, error)
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(ctx context.Context, h Handler) (Handle, error)

// New implements Factory.
func (f FactoryFunc) New(ctx context.Context, h Handler) (Handle, error) {
	return f(ctx, h)
}

// HandlerFuncs adapts a pair of functions to a Handler. Nil functions are
// ignored.
type HandlerFuncs struct {
	OnConnection       func(c Conn)
	OnConnectionClosed func(c Conn, info Info)
}

// HandleConnection implements Handler.
func (h HandlerFuncs) HandleConnection(c Conn) {
	if h.OnConnection != nil {
		h.OnConnection(c)
	}
}

// HandleConnectionClosed implements Handler.
func (h HandlerFuncs) HandleConnectionClosed(c Conn, info Info) {
	if h.OnConnectionClosed != nil {
		h.OnConnectionClosed(c, info)
	}
}
