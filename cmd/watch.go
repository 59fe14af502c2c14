package cmd

import (
	"errors"
	"fmt"

	"convarchive/internal/inbox"

	"github.com/spf13/cobra"
)

var watchOnce bool

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "process files already present and exit")
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Archive capture files dropped into an inbox directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Inbox
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			return errors.New("no inbox directory: pass one or set inbox in the config")
		}

		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		w := inbox.New(dir, a, inbox.WithLogger(logger))
		if !watchOnce {
			return w.Run(cmd.Context())
		}

		results, err := w.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		fmt.Printf("Processed %d files (%d failed)\n", len(results), failed)
		return nil
	},
}
