package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"convarchive/internal/archive"
	"convarchive/internal/config"
	"convarchive/internal/logging"
	"convarchive/internal/store"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbFlag     string
	logLevel   string

	cfg    config.Config
	logger *log.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "store DSN: bolt://path, sqlite://path or memory://")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "convarchive",
	Short: "Local archive for captured AI chat conversations",
	Long: `convarchive keeps every captured chat conversation in a local store,
updating a conversation in place as it grows instead of piling up copies.
Captures arrive from the browser extension (native messaging, WebSocket or
HTTP), from files on the command line, or from a watched inbox directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, required := configPath, configPath != ""
		if !required {
			path = config.DefaultPath()
		}

		bootstrap := logging.New(os.Getenv(config.EnvLogLevel))
		loaded, err := config.Load(path, required, bootstrap)
		if err != nil {
			return err
		}
		if dbFlag != "" {
			loaded.DB = dbFlag
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		cfg = loaded
		logger = logging.New(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func openArchive() (*archive.Archiver, error) {
	st, err := store.Open(cfg.DB, store.Options{OpenTimeout: cfg.OpenTimeout})
	if err != nil {
		return nil, err
	}
	return archive.New(st, archive.WithLogger(logger)), nil
}
