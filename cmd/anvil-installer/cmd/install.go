// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/siderolabs/gen/xerrors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anvil-os/anvil/internal/pkg/inventory"
	"github.com/anvil-os/anvil/internal/pkg/pipeline"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

var installOptions struct {
	planPath        string
	prefix          string
	transferRetries int
	keepMounted     bool
}

// installCmd represents the install command.
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Run the full installation described by a plan file",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstallCmd(cmd.Context())
	},
}

func init() {
	installCmd.Flags().StringVar(&installOptions.planPath, "plan", "", "Path of the installation plan (YAML)")
	installCmd.MarkFlagRequired("plan") //nolint:errcheck
	installCmd.Flags().StringVar(&installOptions.prefix, "prefix", pipeline.DefaultPrefix, "Path the target tree is assembled under")
	installCmd.Flags().IntVar(&installOptions.transferRetries, "transfer-retries", 2, "Times an interrupted payload transfer is resumed in place")
	installCmd.Flags().BoolVar(&installOptions.keepMounted, "keep-mounted", false, "Leave the target tree mounted after a successful install")

	rootCmd.AddCommand(installCmd)
}

//nolint:gocyclo
func runInstallCmd(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	defer logger.Sync() //nolint:errcheck

	installPlan, err := plan.LoadFile(installOptions.planPath)
	if err != nil {
		return err
	}

	// devices pointing at regular files are installed into via loopback
	detach, err := attachImageDevices(installPlan, logger)
	if err != nil {
		return err
	}

	defer detach()

	journal, err := report.Open(rootOptions.journalPath)
	if err != nil {
		return err
	}

	defer journal.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(logger, journal,
		pipeline.WithPrefix(installOptions.prefix),
		pipeline.WithTransferRetries(installOptions.transferRetries),
		pipeline.WithKeepMounted(installOptions.keepMounted),
	)

	result, err := p.Run(ctx, installPlan)
	if err != nil {
		if xerrors.TagIs[failure.TransferIncomplete](err) {
			logger.Error("payload transfer did not complete after the configured retries, aborting",
				zap.String("prefix", installOptions.prefix),
				zap.Error(err))

			if abortErr := p.Abort(result); abortErr != nil {
				logger.Error("teardown failed", zap.Error(abortErr))
			}
		}

		return err
	}

	fmt.Printf("installation finished: %d partitions, %d entries transferred (%d resumed as already present)\n",
		len(result.Plan.Resolved), result.Transfer.Entries, result.Transfer.Skipped)

	return nil
}

// attachImageDevices rewrites plan devices that are regular files to freshly
// attached loop devices.
func attachImageDevices(installPlan *plan.InstallationPlan, logger *zap.Logger) (func(), error) {
	attached := map[string]string{}

	var devs []func()

	detach := func() {
		for _, fn := range devs {
			fn()
		}
	}

	for i, spec := range installPlan.Specs {
		st, err := os.Stat(spec.Device)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}

		loopPath, ok := attached[spec.Device]
		if !ok {
			dev, err := inventory.AttachImage(spec.Device)
			if err != nil {
				detach()

				return nil, fmt.Errorf("failed to attach image %s: %w", spec.Device, err)
			}

			loopPath = dev.Path()
			attached[spec.Device] = loopPath

			logger.Info("attached image", zap.String("image", spec.Device), zap.String("device", loopPath))

			devs = append(devs, func() {
				if err := inventory.DetachImage(dev); err != nil {
					logger.Warn("failed to detach loop device", zap.String("device", loopPath), zap.Error(err))
				}
			})
		}

		installPlan.Specs[i].Device = loopPath
	}

	return detach, nil
}
