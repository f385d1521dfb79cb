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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webmeshproj/dhtchan/pkg/crypto"
)

func init() {
	rootCmd.AddCommand(genKeyCmd)
}

var genKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate an identity for use with --swarm.identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.String())
		cmd.PrintErrln("Peer ID:", key.ID().String())
		return nil
	},
}
