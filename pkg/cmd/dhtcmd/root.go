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

// Package dhtcmd contains the dhtchan CLI tool.
package dhtcmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webmeshproj/dhtchan/pkg/config"
	"github.com/webmeshproj/dhtchan/pkg/context"
	"github.com/webmeshproj/dhtchan/pkg/logging"
)

var (
	configFiles []string
	logLevel    string
	logFormat   string
	options     = config.NewOptions()
	log         *slog.Logger
)

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringSliceVarP(&configFiles, "config", "c", nil, "Configuration files to load (json, yaml or toml).")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent).")
	fs.StringVar(&logFormat, "log-format", logging.FormatText, "Log format (text, json).")
	options.BindFlags("", fs)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}

var rootCmd = &cobra.Command{
	Use:           "dhtchan",
	Short:         "dhtchan connects peers that share a channel name",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = logging.SetupLogging(logLevel, logFormat)
		if err := options.LoadFrom(cmd.Flags(), configFiles); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

// commandContext returns a context carrying the CLI logger that is
// cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := context.WithLogger(cmd.Context(), log.With("command", cmd.Name()))
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
