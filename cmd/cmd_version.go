package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// VersionCmd returns the version command.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf(
				"Version:    %s\nCommit:     %s\nBuild Date: %s\nGo Version: %s\n",
				Version,
				Commit,
				BuildDate,
				runtime.Version(),
			)
		},
	}
}
