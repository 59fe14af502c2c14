package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"convarchive/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		summaries, err := a.Summaries(cmd.Context())
		if err != nil {
			return err
		}

		if len(summaries) == 0 {
			fmt.Println("No conversations yet; run 'convarchive capture' or 'convarchive serve' first")
			return nil
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Println(bold(fmt.Sprintf("%-6s %-17s %-17s %-5s %s", "ID", "CAPTURED", "MODIFIED", "MSGS", "TITLE")))
		fmt.Println("─────────────────────────────────────────────────────────────────────────")
		for _, s := range summaries {
			fmt.Printf("%-6d %-17s %-17s %-5d %s\n",
				s.ID,
				formatMillis(s.CapturedAt),
				formatMillis(s.LastModified),
				s.MessageCount,
				truncateShow(s.Title, 60),
			)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an archived conversation",
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

		rec, err := a.Get(cmd.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conversation #%d not found", id)
		}
		if err != nil {
			return err
		}

		sum := rec.Summary()
		fmt.Printf("Conversation: #%d (%s)\n", rec.ID, rec.ExternalID)
		fmt.Printf("Title:        %s\n", sum.Title)
		fmt.Printf("URL:          %s\n", rec.URL)
		fmt.Printf("Captured:     %s\n", formatMillis(rec.CapturedAt))
		fmt.Printf("Modified:     %s\n", formatMillis(rec.LastModified))
		fmt.Printf("Device:       %s\n", rec.DeviceID)
		fmt.Printf("Hash:         %s\n", rec.ContentFingerprint)
		fmt.Printf("Sync:         %s\n", rec.SyncStatus)
		fmt.Printf("Messages:     %d\n\n", len(rec.Messages))

		user := color.New(color.FgCyan, color.Bold).SprintFunc()
		assistant := color.New(color.FgGreen, color.Bold).SprintFunc()
		for _, m := range rec.Messages {
			label := string(m.Role)
			switch m.Role {
			case store.RoleUser:
				label = user(label)
			case store.RoleAssistant:
				label = assistant(label)
			}
			fmt.Printf("[%s] %s\n\n", label, truncateShow(m.Content, 500))
		}
		return nil
	},
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func truncateShow(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
