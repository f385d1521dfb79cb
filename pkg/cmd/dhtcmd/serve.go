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
	"bufio"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webmeshproj/dhtchan/pkg/config"
	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/metrics"
	"github.com/webmeshproj/dhtchan/pkg/transport"
)

var metricsOptions = metrics.NewOptions()

func init() {
	metricsOptions.BindFlags("metrics.", serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured channels with an uppercase echo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := metricsOptions.Validate(); err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return runServe(ctx, options, metricsOptions)
	},
}

func runServe(ctx context.Context, opts config.Options, mopts metrics.Options) error {
	log := context.LoggerFrom(ctx)
	p, err := transport.NewFromConfig(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close()
	if mopts.Enabled {
		srv := metrics.New(ctx, mopts)
		if _, err := srv.Listen(); err != nil {
			return err
		}
		go func() { _ = srv.ListenAndServe() }()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}
	failed := make(chan error, 1)
	stop := p.Server(func(c transport.Conn) {
		go uppercaseEcho(log, c)
	}, func(err error) {
		log.Error("Server error", slog.String("error", err.Error()))
		if transport.IsConfigurationError(err) {
			select {
			case failed <- err:
			default:
			}
		}
	})
	defer stop()
	log.Info("Serving channels", slog.Any("channels", opts.Channels()), slog.String("address", p.Stringify()))
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		return nil
	case err := <-failed:
		return err
	}
}

// uppercaseEcho writes every line read from the connection back in upper
// case until the connection closes.
func uppercaseEcho(log *slog.Logger, c transport.Conn) {
	defer c.Close()
	log = log.With(slog.String("channel", c.Channel()), slog.String("peer", c.Info().Peer))
	log.Info("Accepted connection", slog.String("address", c.Address()))
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			log.Debug("Echoing line", slog.String("line", strings.TrimSpace(line)))
			if _, werr := c.Write([]byte(strings.ToUpper(line))); werr != nil {
				log.Debug("Write failed", slog.String("error", werr.Error()))
				return
			}
		}
		if err != nil {
			log.Info("Connection closed")
			return
		}
	}
}
