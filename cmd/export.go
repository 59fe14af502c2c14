package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"convarchive/internal/archive"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

var (
	exportOut  string
	exportCopy bool

	importReplace bool
)

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	exportCmd.Flags().StringVar(&exportOut, "out", "", "write the export to a file")
	exportCmd.Flags().BoolVar(&exportCopy, "copy", false, "copy the export to the clipboard")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "clear the archive before importing")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every conversation as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		exp, err := a.Export(cmd.Context())
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := archive.EncodeExport(&buf, exp); err != nil {
			return err
		}

		if exportCopy {
			if err := clipboard.WriteAll(buf.String()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not copy to clipboard: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "Export of %d conversations copied to clipboard!\n", exp.RecordCount)
			}
		}

		if exportOut != "" {
			outPath := exportOut
			if !filepath.IsAbs(outPath) {
				dir, _ := os.Getwd()
				outPath = filepath.Join(dir, outPath)
			}
			if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Exported %d conversations to %s\n", exp.RecordCount, outPath)
		}

		if !exportCopy && exportOut == "" {
			_, err := os.Stdout.Write(buf.Bytes())
			return err
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an export file, merging by conversation id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		doc, err := archive.DecodeExport(f)
		if err != nil {
			return err
		}
		if doc.RecordCount != len(doc.Records) {
			logger.Warn("export count does not match records", "conversationCount", doc.RecordCount, "records", len(doc.Records))
		}

		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		res, err := a.ImportRaw(cmd.Context(), doc.Records, !importReplace)
		if err != nil {
			return fmt.Errorf("import stopped after %d records: %w", res.Imported, err)
		}
		fmt.Printf("Imported %d conversations (%d rejected)\n", res.Imported, res.Rejected)
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  warning: %s\n", e)
		}
		return nil
	},
}
