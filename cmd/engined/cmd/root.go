// Package cmd wires the engined command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "v0.1.0"

// NewRootCmd creates the root command for engined.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "engined",
		Short: "Off-chain perpetual-futures matching, risk and settlement engine",
		Long: `engined runs the off-chain core of a perpetual-futures exchange: one
limit-order book per token, a 100 ms risk loop marking positions and feeding
the liquidator, a periodic funding settler, and a websocket fan-out plane.
Balances and settlement logs live in redis; every balance movement is
journalled for on-chain proof submission.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		StartCmd(),
		VersionCmd(),
	)
	return rootCmd
}

// VersionCmd returns a command to print the version.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("perp-engine " + Version)
		},
	}
}
