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
	"bufio"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/webmeshproj/dhtchan/pkg/config"
	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/logging"
	"github.com/webmeshproj/dhtchan/pkg/swarm"
	"github.com/webmeshproj/dhtchan/pkg/swarm/memswarm"
	"github.com/webmeshproj/dhtchan/pkg/topic"
)

type clientResult struct {
	conn Conn
	err  error
}

func newTestPlugin(t *testing.T, net *memswarm.Network, opts config.Options, options ...Option) *Plugin {
	t.Helper()
	ctx := context.WithLogger(context.Background(), logging.NewLogger("silent", ""))
	p := New(ctx, opts, net.Factory(), options...)
	t.Cleanup(p.Close)
	return p
}

func collect(results chan clientResult) ClientCallback {
	return func(c Conn, err error) {
		results <- clientResult{conn: c, err: err}
	}
}

func upperEcho(c Conn) {
	go func() {
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := c.Write([]byte(strings.ToUpper(line))); err != nil {
				return
			}
		}
	}()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitResult(t *testing.T, results chan clientResult) clientResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client callback")
	}
	return clientResult{}
}

func expectNoResult(t *testing.T, results chan clientResult) {
	t.Helper()
	select {
	case res := <-results:
		t.Fatalf("unexpected client callback: conn=%v err=%v", res.conn, res.err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUppercaseEcho(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	srv := newTestPlugin(t, net, config.Options{Key: "echo"})
	cli := newTestPlugin(t, net, config.Options{})

	var accepted atomic.Int32
	stop := srv.Server(func(c Conn) {
		accepted.Add(1)
		upperEcho(c)
	}, func(err error) { t.Errorf("unexpected server error: %v", err) })
	defer stop()

	results := make(chan clientResult, 4)
	cancel := cli.Client("dht:echo", collect(results))
	defer cancel()

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	}
	conn := res.conn
	if got := conn.Channel(); got != "echo" {
		t.Errorf("expected channel echo, got %q", got)
	}
	if got := conn.Address(); got != "dht:echo" {
		t.Errorf("expected address dht:echo, got %q", got)
	}
	if got := conn.Meta(); got != Meta {
		t.Errorf("expected meta %q, got %q", Meta, got)
	}
	if _, err := conn.Write([]byte("alice\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ALICE\n" {
		t.Errorf("expected ALICE, got %q", line)
	}
	expectNoResult(t, results)
	if got := accepted.Load(); got != 1 {
		t.Errorf("expected the server to accept one connection, got %d", got)
	}
}

func TestServerReconcile(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	keys := make(chan []string)
	srv := newTestPlugin(t, net, config.Options{}, WithKeys(keys))

	stop := srv.Server(upperEcho, func(err error) { t.Errorf("unexpected server error: %v", err) })
	defer stop()

	brazil, germany := topic.FromChannel("brazil"), topic.FromChannel("germany")
	keys <- []string{"brazil", "germany"}
	eventually(t, "both joins", func() bool {
		return net.Joins(brazil) == 1 && net.Joins(germany) == 1
	})
	keys <- []string{"germany"}
	eventually(t, "brazil leave", func() bool {
		return net.Leaves(brazil) == 1
	})
	// A repeated snapshot is a no-op.
	keys <- []string{"germany"}
	keys <- []string{"germany", ""}
	if got := net.Leaves(germany); got != 0 {
		t.Errorf("expected no leaves for germany, got %d", got)
	}
	if got := net.Joins(germany); got != 1 {
		t.Errorf("expected one join for germany, got %d", got)
	}
	if got := net.HandlesCreated(); got != 1 {
		t.Errorf("expected one handle, got %d", got)
	}
}

func TestServerJoinFailure(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	boom := errors.New("boom")
	net.FailJoins(topic.FromChannel("broken"), boom)
	srv := newTestPlugin(t, net, config.Options{Key: "broken"})

	errs := make(chan error, 4)
	stop := srv.Server(upperEcho, func(err error) { errs <- err })
	defer stop()

	select {
	case err := <-errs:
		if !IsJoinError(err) {
			t.Errorf("expected join error, got %v", err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("expected underlying error to be kept, got %v", err)
		}
		var cerr *ChannelError
		if !errors.As(err, &cerr) || cerr.Channel != "broken" {
			t.Errorf("expected error scoped to channel broken, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for join error")
	}
	select {
	case err := <-errs:
		t.Fatalf("expected exactly one error, got another: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	eventually(t, "handle teardown", func() bool {
		return net.OpenHandles() == 0
	})
	if got := net.Leaves(topic.FromChannel("broken")); got != 1 {
		t.Errorf("expected a compensating leave, got %d", got)
	}
}

func TestClientJoinFailure(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	net.FailJoins(topic.FromChannel("broken"), errors.New("boom"))
	cli := newTestPlugin(t, net, config.Options{})

	results := make(chan clientResult, 4)
	cancel := cli.Client("dht:broken", collect(results))
	defer cancel()

	res := waitResult(t, results)
	if res.conn != nil {
		t.Error("expected no connection on join failure")
	}
	if !IsJoinError(res.err) {
		t.Errorf("expected join error, got %v", res.err)
	}
	expectNoResult(t, results)
	eventually(t, "handle teardown", func() bool {
		return net.OpenHandles() == 0
	})
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	srv := newTestPlugin(t, net, config.Options{Key: "lossy"})
	cli := newTestPlugin(t, net, config.Options{})

	stop := srv.Server(upperEcho, nil)
	defer stop()

	results := make(chan clientResult, 4)
	cancel := cli.Client("dht:lossy", collect(results))
	defer cancel()

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	}
	if n := net.Sever(topic.FromChannel("lossy")); n != 1 {
		t.Fatalf("expected to sever one connection, severed %d", n)
	}
	res = waitResult(t, results)
	if res.conn != nil {
		t.Error("expected no connection with the loss")
	}
	if !IsConnectionLost(res.err) {
		t.Fatalf("expected connection lost, got %v", res.err)
	}
	expectNoResult(t, results)

	// A fresh request on the same channel starts clean.
	fresh := make(chan clientResult, 4)
	cancelFresh := cli.Client("dht:lossy", collect(fresh))
	defer cancelFresh()
	res = waitResult(t, fresh)
	if res.err != nil {
		t.Fatalf("unexpected error on reconnect: %v", res.err)
	}
	if _, err := res.conn.Write([]byte("bob\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(res.conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "BOB\n" {
		t.Errorf("expected BOB, got %q", line)
	}
}

func TestAtMostOneDelivery(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	net.Redial(3)
	srv := newTestPlugin(t, net, config.Options{Key: "dup"})
	cli := newTestPlugin(t, net, config.Options{})

	stop := srv.Server(upperEcho, nil)
	defer stop()

	results := make(chan clientResult, 8)
	cancel := cli.Client("dht:dup", collect(results))
	defer cancel()

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	}
	expectNoResult(t, results)
	eventually(t, "duplicates closed", func() bool {
		return net.OpenConns(topic.FromChannel("dup")) == 1
	})
}

func TestClientRequestsShareJoin(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	net.Redial(1)
	srv := newTestPlugin(t, net, config.Options{Key: "shared"})
	cli := newTestPlugin(t, net, config.Options{})
	tp := topic.FromChannel("shared")

	first := make(chan clientResult, 4)
	second := make(chan clientResult, 4)
	cancelFirst := cli.Client("dht:shared", collect(first))
	cancelSecond := cli.Client("dht:shared", collect(second))
	defer cancelSecond()
	if got := net.Joins(tp); got != 1 {
		t.Fatalf("expected one join for pending requests, got %d", got)
	}

	// The server pairs with the client twice, one connection per request.
	stop := srv.Server(upperEcho, nil)
	defer stop()
	for _, results := range []chan clientResult{first, second} {
		if res := waitResult(t, results); res.err != nil {
			t.Fatalf("unexpected client error: %v", res.err)
		}
	}

	// Every request is connected, a new one restarts the lookup.
	third := make(chan clientResult, 4)
	cancelThird := cli.Client("dht:shared", collect(third))
	if res := waitResult(t, third); res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	}
	if got := net.Joins(tp); got != 3 {
		t.Errorf("expected two client joins and one server join, got %d", got)
	}

	cancelFirst()
	cancelFirst()
	cancelThird()
	if got := net.Leaves(tp); got != 0 {
		t.Errorf("expected no leave while a request remains, got %d", got)
	}
	cancelSecond()
	eventually(t, "client leave", func() bool { return net.Leaves(tp) == 1 })
	eventually(t, "client handle closed", func() bool { return net.OpenHandles() == 1 })
}

func TestClientCancel(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	cli := newTestPlugin(t, net, config.Options{})
	tp := topic.FromChannel("nobody")

	results := make(chan clientResult, 4)
	cancel := cli.Client("dht:nobody", collect(results))
	eventually(t, "client join", func() bool { return net.Joins(tp) == 1 })
	cancel()
	cancel()
	eventually(t, "handle teardown", func() bool { return net.OpenHandles() == 0 })
	if got := net.Leaves(tp); got != 1 {
		t.Errorf("expected exactly one leave, got %d", got)
	}
	expectNoResult(t, results)
}

func TestClientCloseReleasesRequest(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	srv := newTestPlugin(t, net, config.Options{Key: "done"})
	cli := newTestPlugin(t, net, config.Options{})
	tp := topic.FromChannel("done")

	stop := srv.Server(upperEcho, nil)
	defer stop()

	results := make(chan clientResult, 4)
	cli.Client("dht:done", collect(results))
	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	}
	if err := res.conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	eventually(t, "client leave", func() bool { return net.Leaves(tp) == 1 })
	eventually(t, "client handle closed", func() bool { return net.OpenHandles() == 1 })
	expectNoResult(t, results)
}

func TestServerStopIdempotent(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	srv := newTestPlugin(t, net, config.Options{Keys: []string{"a", "b"}})

	stop := srv.Server(upperEcho, nil)
	eventually(t, "joins", func() bool {
		return net.Joins(topic.FromChannel("a")) == 1 && net.Joins(topic.FromChannel("b")) == 1
	})
	stop()
	stop()
	eventually(t, "handle teardown", func() bool { return net.OpenHandles() == 0 })
	for _, ch := range []string{"a", "b"} {
		if got := net.Leaves(topic.FromChannel(ch)); got != 1 {
			t.Errorf("expected one leave for %s, got %d", ch, got)
		}
	}

	// The plugin can serve again once stopped.
	stop = srv.Server(upperEcho, nil)
	defer stop()
	eventually(t, "rejoin", func() bool { return net.Joins(topic.FromChannel("a")) == 2 })
	if got := net.HandlesCreated(); got != 2 {
		t.Errorf("expected a fresh handle, got %d created", got)
	}
}

func TestLazyLifecycle(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	keys := make(chan []string)
	srv := newTestPlugin(t, net, config.Options{}, WithKeys(keys))

	stop := srv.Server(upperEcho, nil)
	defer stop()
	keys <- []string{}
	// The unbuffered send returns once the empty snapshot was taken, the
	// next one can only be taken after it was applied.
	keys <- []string{}
	if got := net.HandlesCreated(); got != 0 {
		t.Fatalf("expected no handle before a non-empty snapshot, got %d", got)
	}
	keys <- []string{"lazy"}
	eventually(t, "handle created", func() bool { return net.HandlesCreated() == 1 })
	keys <- nil
	eventually(t, "handle teardown", func() bool { return net.OpenHandles() == 0 })
	if got := net.Leaves(topic.FromChannel("lazy")); got != 1 {
		t.Errorf("expected one leave, got %d", got)
	}
	keys <- []string{"lazy"}
	eventually(t, "handle recreated", func() bool { return net.HandlesCreated() == 2 })
}

func TestServerReverseTopicMap(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	net.StripChannels(true)
	srv := newTestPlugin(t, net, config.Options{Key: "hidden"})
	cli := newTestPlugin(t, net, config.Options{})

	accepted := make(chan Conn, 1)
	stop := srv.Server(func(c Conn) { accepted <- c }, nil)
	defer stop()

	results := make(chan clientResult, 4)
	cancel := cli.Client("dht:hidden", collect(results))
	defer cancel()
	if res := waitResult(t, results); res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	} else if res.conn.Channel() != "hidden" {
		t.Errorf("expected client channel hidden, got %q", res.conn.Channel())
	}
	select {
	case c := <-accepted:
		if c.Channel() != "hidden" {
			t.Errorf("expected channel from topic, got %q", c.Channel())
		}
		if c.Address() != "dht:hidden" {
			t.Errorf("expected address dht:hidden, got %q", c.Address())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server connection")
	}
}

func TestConfigurationErrors(t *testing.T) {
	t.Parallel()

	t.Run("ServerWithoutKey", func(t *testing.T) {
		t.Parallel()
		net := memswarm.NewNetwork()
		srv := newTestPlugin(t, net, config.Options{})
		var got error
		stop := srv.Server(nil, func(err error) { got = err })
		stop()
		if !IsConfigurationError(got) {
			t.Errorf("expected configuration error, got %v", got)
		}
		if n := net.HandlesCreated(); n != 0 {
			t.Errorf("expected no handles, got %d", n)
		}
	})

	t.Run("SecondServer", func(t *testing.T) {
		t.Parallel()
		net := memswarm.NewNetwork()
		srv := newTestPlugin(t, net, config.Options{Key: "one"})
		stop := srv.Server(nil, nil)
		defer stop()
		var got error
		srv.Server(nil, func(err error) { got = err })
		if !IsConfigurationError(got) {
			t.Errorf("expected configuration error, got %v", got)
		}
	})

	t.Run("ClientTargets", func(t *testing.T) {
		t.Parallel()
		net := memswarm.NewNetwork()
		cli := newTestPlugin(t, net, config.Options{})
		for _, target := range []any{nil, "", "tcp:host", "dht:", 42, config.Options{}} {
			var got error
			cli.Client(target, func(_ Conn, err error) { got = err })
			if !IsConfigurationError(got) {
				t.Errorf("target %#v: expected configuration error, got %v", target, got)
			}
		}
		if n := net.HandlesCreated(); n != 0 {
			t.Errorf("expected no handles, got %d", n)
		}
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()
	p := New(context.Background(), config.Options{Key: "own"}, memswarm.NewNetwork().Factory())
	opts := &config.Options{Key: "pointer"}
	tc := []struct {
		target any
		want   string
	}{
		{nil, "own"},
		{"dht:plain", "plain"},
		{"dht:with:colon", "with:colon"},
		{config.Options{Key: "value"}, "value"},
		{opts, "pointer"},
	}
	for _, c := range tc {
		got, err := p.resolve(c.target)
		if err != nil {
			t.Errorf("resolve(%#v): unexpected error: %v", c.target, err)
			continue
		}
		if got != c.want {
			t.Errorf("resolve(%#v): expected %q, got %q", c.target, c.want, got)
		}
	}
}

func TestPluginAccessors(t *testing.T) {
	t.Parallel()
	factory := memswarm.NewNetwork().Factory()
	single := New(context.Background(), config.Options{Key: "k", Scope: "private"}, factory)
	multi := New(context.Background(), config.Options{Keys: []string{"a", "b"}}, factory)

	if got := single.Name(); got != "dht" {
		t.Errorf("expected name dht, got %q", got)
	}
	if got := single.Scope(); got != "private" {
		t.Errorf("expected scope private, got %q", got)
	}
	if got := multi.Scope(); got != config.DefaultScope {
		t.Errorf("expected default scope, got %q", got)
	}
	if got := single.Stringify(); got != "dht:k" {
		t.Errorf("expected dht:k, got %q", got)
	}
	if got := multi.Stringify(); got != "" {
		t.Errorf("expected empty address for keys, got %q", got)
	}
	if !single.Accepts("dht:x") || single.Accepts("tcp:x") {
		t.Error("unexpected Accepts result")
	}
	if addr, ok := single.Parse("dht:a:b"); !ok || addr.Channel != "a:b" {
		t.Errorf("unexpected Parse result %v %v", addr, ok)
	}
}

func TestChannelError(t *testing.T) {
	t.Parallel()
	cause := errors.New("cause")
	err := newChannelError(ErrJoin, "chan", cause)
	if got, want := err.Error(), `join error: channel "chan": cause`; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if !errors.Is(err, ErrJoin) || !errors.Is(err, cause) {
		t.Error("expected error to match kind and cause")
	}
	if IsConnectionLost(err) {
		t.Error("join error must not match connection lost")
	}
	if got := newChannelError(ErrConfiguration, "", nil).Error(); got != "configuration error" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestCallbackQueue(t *testing.T) {
	t.Parallel()
	var q callbackQueue
	var got []int
	q.push(func() {
		got = append(got, 1)
		// Callbacks queued while running are executed after the current
		// one, not nested inside it.
		q.push(func() { got = append(got, 3) })
		q.run()
		got = append(got, 2)
	})
	q.run()
	q.run()
	if diff := cmp.Diff([]int{1, 2, 3}, got); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestFactoryFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("no sockets")
	failing := swarm.FactoryFunc(func(context.Context, swarm.Handler) (swarm.Handle, error) {
		return nil, boom
	})
	p := New(context.Background(), config.Options{Key: "k"}, failing)
	defer p.Close()

	errs := make(chan error, 1)
	stop := p.Server(nil, func(err error) { errs <- err })
	defer stop()
	select {
	case err := <-errs:
		if !IsUnexpectedState(err) || !errors.Is(err, boom) {
			t.Errorf("expected unexpected state wrapping the factory error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server error")
	}

	var got error
	p.Client(nil, func(_ Conn, err error) { got = err })
	if !IsUnexpectedState(got) {
		t.Errorf("expected unexpected state from client, got %v", got)
	}
}

func TestConnectedChannelSuspendsLookup(t *testing.T) {
	t.Parallel()
	net := memswarm.NewNetwork()
	first := newTestPlugin(t, net, config.Options{Key: "quiet"})
	second := newTestPlugin(t, net, config.Options{Key: "quiet"})
	cli := newTestPlugin(t, net, config.Options{})
	tp := topic.FromChannel("quiet")

	stop := first.Server(upperEcho, nil)
	defer stop()
	results := make(chan clientResult, 4)
	cancel := cli.Client("dht:quiet", collect(results))
	defer cancel()
	if res := waitResult(t, results); res.err != nil {
		t.Fatalf("unexpected client error: %v", res.err)
	}
	if got := net.Suspends(tp); got != 1 {
		t.Fatalf("expected the lookup to be suspended once, got %d", got)
	}

	// A server announcing after the request connected is not dialed.
	var accepted atomic.Int32
	stopSecond := second.Server(func(c Conn) {
		accepted.Add(1)
		upperEcho(c)
	}, nil)
	defer stopSecond()
	eventually(t, "second server join", func() bool { return net.Joins(tp) == 3 })
	expectNoResult(t, results)
	if got := accepted.Load(); got != 0 {
		t.Errorf("expected no connection to the second server, got %d", got)
	}
	if got := net.OpenConns(tp); got != 1 {
		t.Errorf("expected one open connection, got %d", got)
	}
}
