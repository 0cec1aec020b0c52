// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/anvil-os/anvil/internal/pkg/inventory"
)

// devicesCmd represents the devices command.
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List block devices and their current partition state",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		defer logger.Sync() //nolint:errcheck

		snapshot, err := inventory.New(logger).ListDevices(cmd.Context())
		if err != nil {
			return err
		}

		devices := make([]string, 0, len(snapshot))

		for device := range snapshot {
			devices = append(devices, device)
		}

		sort.Strings(devices)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

		fmt.Fprintln(w, "DEVICE\tSIZE\tTABLE\tPARTITIONS")

		for _, device := range devices {
			snap := snapshot[device]

			table := string(snap.Table)
			if table == "" {
				table = "-"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", device, humanize.IBytes(snap.Size), table, len(snap.Partitions))

			for _, part := range snap.Partitions {
				label := part.Label
				if label == "" {
					label = "-"
				}

				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
					inventory.PartitionPath(device, part.Index), humanize.IBytes(part.Size), part.Filesystem, label)
			}
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
