// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anvil-os/anvil/pkg/report"
)

// followCmd represents the follow command.
var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream the installation journal of a running installer",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		entries, err := report.Follow(ctx, rootOptions.journalPath)
		if err != nil {
			return err
		}

		for entry := range entries {
			line := fmt.Sprintf("%s  %-10s %s", entry.Time.Format("15:04:05"), entry.Status, entry.Step)

			if entry.Target != "" {
				line += "  " + entry.Target
			}

			if entry.Error != "" {
				line += "  error: " + entry.Error
			}

			fmt.Println(line)
		}

		return ctx.Err()
	},
}

func init() {
	rootCmd.AddCommand(followCmd)
}
