// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the anvil-installer commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "anvil-installer",
	Short: "Installs an operating system payload onto block devices",
	Long:  ``,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootOptions struct {
	journalPath string
	verbose     bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootOptions.journalPath, "journal", "/var/log/anvil-install.journal", "Path of the installation journal file")
	rootCmd.PersistentFlags().BoolVarP(&rootOptions.verbose, "verbose", "v", false, "Enable debug logging")
}

func newLogger() (*zap.Logger, error) {
	if rootOptions.verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
