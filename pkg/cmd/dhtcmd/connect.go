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
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/transport"
)

var reconnect bool

func init() {
	connectCmd.Flags().BoolVar(&reconnect, "reconnect", false, "Request a new connection when the current one is lost.")
	rootCmd.AddCommand(connectCmd)
}

var connectCmd = &cobra.Command{
	Use:   "connect [dht:<channel>]",
	Short: "Connect to a channel and exchange lines with stdin and stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target any
		if len(args) == 1 {
			target = args[0]
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		p, err := transport.NewFromConfig(ctx, options)
		if err != nil {
			return err
		}
		defer p.Close()
		return runConnect(ctx, p, target, reconnect, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

type dialer interface {
	Client(target any, cb transport.ClientCallback) transport.CancelFunc
}

// runConnect sends every line from in over a connection to the target and
// copies what the peer writes back to out. It returns when in is
// exhausted, the context is done, or the connection fails.
func runConnect(ctx context.Context, d dialer, target any, reconnect bool, in io.Reader, out io.Writer) error {
	log := context.LoggerFrom(ctx)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		conns := make(chan transport.Conn, 1)
		errs := make(chan error, 2)
		cancel := d.Client(target, func(c transport.Conn, err error) {
			if err != nil {
				errs <- err
				return
			}
			conns <- c
		})
		var conn transport.Conn
		select {
		case <-ctx.Done():
			cancel()
			return nil
		case err := <-errs:
			cancel()
			return err
		case conn = <-conns:
		}
		log.Info("Connected", slog.String("address", conn.Address()), slog.String("peer", conn.Info().Peer))
		err := session(ctx, conn, lines, out, errs)
		cancel()
		if err == nil {
			return nil
		}
		if !reconnect || !transport.IsConnectionLost(err) {
			return err
		}
		log.Warn("Connection lost, reconnecting", slog.String("error", err.Error()))
	}
}

func session(ctx context.Context, conn transport.Conn, lines <-chan string, out io.Writer, errs <-chan error) error {
	go func() { _, _ = io.Copy(out, conn) }()
	for {
		select {
		case <-ctx.Done():
			return conn.Close()
		case err := <-errs:
			return err
		case line, ok := <-lines:
			if !ok {
				return conn.Close()
			}
			if _, err := fmt.Fprintln(conn, line); err != nil {
				// The loss is reported through errs.
				continue
			}
		}
	}
}
