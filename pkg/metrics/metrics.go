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

// Package metrics contains the HTTP server for exposing Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/webmeshproj/dhtchan/pkg/context"
)

// DefaultListenAddress is the default listen address for the metrics server.
const DefaultListenAddress = "[::]:9090"

// DefaultPath is the default path for metrics.
const DefaultPath = "/metrics"

// Options contains the configuration for exposing metrics.
type Options struct {
	// Enabled turns on the metrics server.
	Enabled bool `koanf:"enabled,omitempty"`
	// ListenAddress is the address to start the metrics server on.
	ListenAddress string `koanf:"listen-address,omitempty"`
	// Path is the path to expose metrics on.
	Path string `koanf:"path,omitempty"`
}

// NewOptions returns the default metrics options.
func NewOptions() Options {
	return Options{
		ListenAddress: DefaultListenAddress,
		Path:          DefaultPath,
	}
}

// BindFlags binds the metrics options to the flagset.
func (o *Options) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.BoolVar(&o.Enabled, prefix+"enabled", o.Enabled, "Expose Prometheus metrics over HTTP.")
	fs.StringVar(&o.ListenAddress, prefix+"listen-address", o.ListenAddress, "Address to serve metrics on.")
	fs.StringVar(&o.Path, prefix+"path", o.Path, "Path to serve metrics on.")
}

// Validate validates the options.
func (o *Options) Validate() error {
	if !o.Enabled {
		return nil
	}
	if o.ListenAddress == "" {
		return errors.New("metrics listen address must be set")
	}
	if _, _, err := net.SplitHostPort(o.ListenAddress); err != nil {
		return fmt.Errorf("invalid metrics listen address: %w", err)
	}
	if o.Path == "" || o.Path[0] != '/' {
		return errors.New("metrics path must start with /")
	}
	return nil
}

// Server is the metrics server.
type Server struct {
	Options
	log      *slog.Logger
	gatherer prometheus.Gatherer

	mu  sync.Mutex
	srv *http.Server
	lis net.Listener
}

// New returns a new metrics server serving the default registry.
func New(ctx context.Context, o Options) *Server {
	return NewWithGatherer(ctx, o, prometheus.DefaultGatherer)
}

// NewWithGatherer returns a new metrics server serving the given gatherer.
func NewWithGatherer(ctx context.Context, o Options, g prometheus.Gatherer) *Server {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	return &Server{
		Options:  o,
		log:      context.LoggerFrom(ctx).With("component", "metrics"),
		gatherer: g,
	}
}

// Handler returns the HTTP handler serving metrics on the configured path.
func (s *Server) Handler() http.Handler {
	metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.Path {
			metrics.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// Listen binds the listen address. It is called by ListenAndServe if it
// was not called before.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr(), nil
	}
	lis, err := net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return nil, err
	}
	s.lis = lis
	s.srv = &http.Server{Handler: s.Handler()}
	return lis.Addr(), nil
}

// ListenAndServe starts the server and blocks until the server exits.
func (s *Server) ListenAndServe() error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	srv, lis := s.srv, s.lis
	s.mu.Unlock()
	s.log.Info("Starting Prometheus metrics server", slog.String("listen_address", addr.String()), slog.String("path", s.Path))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("Metrics server failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Shutdown attempts to stop the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	context.LoggerFrom(ctx).Info("Shutting down Prometheus metrics server")
	return srv.Shutdown(ctx)
}
