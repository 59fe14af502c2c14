package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"convarchive/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	clearYes   bool
	resetForce bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(resetCmd)

	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm removing every conversation")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "confirm deleting the store file")
}

var checkCmd = &cobra.Command{
	Use:   "check <conversation-id>",
	Short: "Report whether a conversation id is already archived",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		exists, err := a.Exists(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if exists {
			fmt.Printf("%s is archived\n", args[0])
		} else {
			fmt.Printf("%s is not archived\n", args[0])
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one archived conversation by record id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}

		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		if _, err := a.Get(cmd.Context(), id); errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conversation #%d not found", id)
		} else if err != nil {
			return err
		}
		if err := a.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted conversation #%d\n", id)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every archived conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return errors.New("refusing to clear without --yes")
		}

		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		if err := a.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Archive cleared")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the store file so it is recreated empty",
	Long: `Delete the store file so the next command recreates it with the current
schema. Use this only when the store was written by an incompatible build;
every archived conversation is lost. Export first if you can.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		red := color.New(color.FgRed, color.Bold).SprintFunc()
		if !resetForce {
			return errors.New("refusing to delete the store without --force")
		}

		logger.Warn("recreating store", "db", cfg.DB)
		if err := store.Recreate(cfg.DB); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, red("Store deleted; all archived conversations are gone."))

		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()
		fmt.Printf("Empty store created at %s\n", cfg.DB)
		return nil
	},
}
