package cmd

import (
	"fmt"

	"convarchive/internal/archive"
	"convarchive/internal/store"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X convarchive/cmd.Version=...".
var Version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("convarchive %s (store schema v%d, export format %s)\n", Version, store.SchemaVersion, archive.FormatVersion)
	},
}
