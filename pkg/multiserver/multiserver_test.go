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

package multiserver

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/webmeshproj/dhtchan/pkg/config"
	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/logging"
	"github.com/webmeshproj/dhtchan/pkg/swarm/memswarm"
	"github.com/webmeshproj/dhtchan/pkg/transport"
)

type fakePlugin struct {
	name    string
	scope   string
	addr    string
	servers int
	stops   int
	dialed  []string
}

func (f *fakePlugin) Name() string  { return f.name }
func (f *fakePlugin) Scope() string { return f.scope }

func (f *fakePlugin) Server(func(transport.Conn), func(error)) transport.StopFunc {
	f.servers++
	return func() { f.stops++ }
}

func (f *fakePlugin) Client(target any, cb transport.ClientCallback) transport.CancelFunc {
	f.dialed = append(f.dialed, target.(string))
	return func() {}
}

func (f *fakePlugin) Accepts(addr string) bool {
	return strings.HasPrefix(addr, f.name+":")
}

func (f *fakePlugin) Stringify() string { return f.addr }

func TestMultiServerScopes(t *testing.T) {
	t.Parallel()
	pub := &fakePlugin{name: "net", scope: "public", addr: "net:1.2.3.4:80"}
	priv := &fakePlugin{name: "shs", scope: "private", addr: "shs:abc"}
	quiet := &fakePlugin{name: "mute", scope: "public"}
	ms := New(pub, priv, quiet)

	stop := ms.Server("public", nil, nil)
	if pub.servers != 1 || quiet.servers != 1 || priv.servers != 0 {
		t.Fatalf("unexpected servers started: pub=%d quiet=%d priv=%d", pub.servers, quiet.servers, priv.servers)
	}
	stop()
	stop()
	if pub.stops != 1 || quiet.stops != 1 {
		t.Errorf("expected each server stopped once, got pub=%d quiet=%d", pub.stops, quiet.stops)
	}

	tc := []struct {
		scope string
		want  string
	}{
		{"public", "net:1.2.3.4:80"},
		{"private", "shs:abc"},
		{"", "net:1.2.3.4:80;shs:abc"},
		{"device", ""},
	}
	for _, c := range tc {
		if got := ms.Stringify(c.scope); got != c.want {
			t.Errorf("Stringify(%q): expected %q, got %q", c.scope, c.want, got)
		}
	}
}

func TestMultiServerClient(t *testing.T) {
	t.Parallel()
	a := &fakePlugin{name: "net"}
	b := &fakePlugin{name: "dht"}
	ms := New(a, b)

	ms.Client("ws:nope; dht:chan ;net:host", nil)
	if len(a.dialed) != 0 {
		t.Errorf("expected net plugin not to be dialed, got %v", a.dialed)
	}
	if len(b.dialed) != 1 || b.dialed[0] != "dht:chan" {
		t.Errorf("expected dht:chan to be dialed, got %v", b.dialed)
	}

	var got error
	ms.Client("ws:nope;;", func(_ transport.Conn, err error) { got = err })
	if !errors.Is(got, ErrNoPlugin) {
		t.Errorf("expected ErrNoPlugin, got %v", got)
	}
}

func TestMultiServerWithDHT(t *testing.T) {
	t.Parallel()
	ctx := context.WithLogger(context.Background(), logging.NewLogger("silent", ""))
	net := memswarm.NewNetwork()
	srv := transport.New(ctx, config.Options{Key: "hosted"}, net.Factory())
	cli := transport.New(ctx, config.Options{}, net.Factory())
	defer srv.Close()
	defer cli.Close()

	servers := New(&fakePlugin{name: "net", scope: "public"}, srv)
	accepted := make(chan transport.Conn, 1)
	stop := servers.Server(config.DefaultScope, func(c transport.Conn) { accepted <- c }, nil)
	defer stop()
	if got := servers.Stringify(config.DefaultScope); got != "dht:hosted" {
		t.Errorf("expected dht:hosted, got %q", got)
	}

	conns := make(chan transport.Conn, 1)
	cancel := New(cli).Client(servers.Stringify(""), func(c transport.Conn, err error) {
		if err == nil {
			conns <- c
		}
	})
	defer cancel()
	for _, ch := range []chan transport.Conn{conns, accepted} {
		select {
		case c := <-ch:
			if c.Channel() != "hosted" {
				t.Errorf("expected channel hosted, got %q", c.Channel())
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for connection")
		}
	}
}
