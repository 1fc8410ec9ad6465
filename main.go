package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/PsyLabsWeb3/Flip10/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flip10",
		Short: "Flip10 realtime game session coordinator",
		Long: `Flip10 realtime game session coordinator.

The coordinator runs the daily coin-flip streak game: it authenticates
players with wallet signatures over websockets, credits flips from on-chain
purchase events, applies flips with a deterministic seeded outcome engine,
and anchors session start/finalize on the Flip10Sessions contract.`,
	}

	rootCmd.AddCommand(cmd.CoordinatorCmd())
	rootCmd.AddCommand(cmd.StartSessionCmd())
	rootCmd.AddCommand(cmd.FinalizeSessionCmd())
	rootCmd.AddCommand(cmd.VersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
