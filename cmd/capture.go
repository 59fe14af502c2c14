package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"convarchive/internal/capture"
	"convarchive/internal/store"

	"github.com/spf13/cobra"
)

var (
	captureFormat string
	captureName   string
)

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().StringVar(&captureFormat, "format", "json", "stdin format: json, jsonl or text")
	captureCmd.Flags().StringVar(&captureName, "name", "", "name for a text transcript read from stdin")
}

var captureCmd = &cobra.Command{
	Use:   "capture [file...]",
	Short: "Archive captured conversations from files or stdin",
	Long: `Archive captured conversations. Files are read by extension: .json holds
one capture payload, .jsonl one payload per line, .txt a plain transcript
with "user:" and "assistant:" turns. With no files, stdin is read in the
format given by --format.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		var recs []store.ConversationRecord
		var errs []error
		if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
			recs, errs = readStdinCaptures(os.Stdin)
		} else {
			for _, path := range args {
				r, e := capture.DecodeFile(path, time.Now())
				recs = append(recs, r...)
				errs = append(errs, e...)
			}
		}

		saved := 0
		for _, rec := range recs {
			id, err := a.Save(cmd.Context(), rec)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", rec.ExternalID, err))
				continue
			}
			saved++
			fmt.Printf("Archived %s → #%d (%d messages)\n", rec.ExternalID, id, len(rec.Messages))
		}

		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  warning: %v\n", e)
		}
		if saved == 0 && len(errs) > 0 {
			return errors.New("nothing archived")
		}
		return nil
	},
}

func readStdinCaptures(r io.Reader) ([]store.ConversationRecord, []error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, []error{err}
	}
	switch captureFormat {
	case "json":
		rec, err := capture.DecodeRecord(data)
		if err != nil {
			return nil, []error{err}
		}
		return []store.ConversationRecord{rec}, nil
	case "jsonl":
		return capture.DecodeRecords(data)
	case "text", "txt":
		return []store.ConversationRecord{capture.ParseTranscript(captureName, data, time.Now())}, nil
	default:
		return nil, []error{fmt.Errorf("unknown format %q", captureFormat)}
	}
}
