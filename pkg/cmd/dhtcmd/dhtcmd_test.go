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

package dhtcmd

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/webmeshproj/dhtchan/pkg/config"
	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/logging"
	"github.com/webmeshproj/dhtchan/pkg/swarm/memswarm"
	"github.com/webmeshproj/dhtchan/pkg/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConnectEcho(t *testing.T) {
	t.Parallel()
	log := logging.NewLogger("silent", "")
	ctx := context.WithLogger(context.Background(), log)
	net := memswarm.NewNetwork()
	srv := transport.New(ctx, config.Options{Key: "echo"}, net.Factory())
	cli := transport.New(ctx, config.Options{}, net.Factory())
	defer srv.Close()
	defer cli.Close()

	stop := srv.Server(func(c transport.Conn) { go uppercaseEcho(log, c) }, nil)
	defer stop()

	// Keep stdin open until the replies were read so the connection is
	// not closed early.
	in, inw := io.Pipe()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- runConnect(ctx, cli, "dht:echo", false, in, &out) }()

	if _, err := io.WriteString(inw, "alice\nbob\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for out.String() != "ALICE\nBOB\n" {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for echo, got %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	inw.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect to return")
	}
}

func TestConnectLost(t *testing.T) {
	t.Parallel()
	ctx := context.WithLogger(context.Background(), logging.NewLogger("silent", ""))
	net := memswarm.NewNetwork()
	srv := transport.New(ctx, config.Options{Key: "lost"}, net.Factory())
	cli := transport.New(ctx, config.Options{}, net.Factory())
	defer srv.Close()
	defer cli.Close()

	accepted := make(chan transport.Conn, 1)
	stop := srv.Server(func(c transport.Conn) { accepted <- c }, nil)
	defer stop()

	in, _ := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- runConnect(ctx, cli, nil, false, in, &syncBuffer{}) }()

	// The client plugin has no key, so the request fails with a
	// configuration error before any connection is made.
	select {
	case err := <-done:
		if !transport.IsConfigurationError(err) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect to return")
	}

	in, _ = io.Pipe()
	go func() { done <- runConnect(ctx, cli, "dht:lost", false, in, &syncBuffer{}) }()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server connection")
	}
	select {
	case err := <-done:
		if !transport.IsConnectionLost(err) {
			t.Errorf("expected connection lost, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect to return")
	}
}
