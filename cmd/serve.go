package cmd

import (
	"os"

	"convarchive/internal/protocol"

	"github.com/spf13/cobra"
)

var (
	serveStdio  bool
	serveLines  bool
	serveListen string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve browser native messaging on stdin/stdout")
	serveCmd.Flags().BoolVar(&serveLines, "lines", false, "serve newline-delimited JSON on stdin/stdout")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP and WebSocket listen address (default from config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer archive requests from the browser extension",
	Long: `Answer archive requests. With --stdio the process acts as a browser
native-messaging host; with --lines it reads one JSON request per line.
Otherwise it listens for WebSocket connections on /ws and JSON posts on
/api/message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Store().Close()

		d := protocol.NewDispatcher(a, logger)
		ctx := cmd.Context()

		switch {
		case serveStdio:
			return d.ServeStdio(ctx, os.Stdin, os.Stdout, protocol.NativeFraming)
		case serveLines:
			return d.ServeStdio(ctx, os.Stdin, os.Stdout, protocol.LineFraming)
		}

		addr := cfg.Listen
		if serveListen != "" {
			addr = serveListen
		}
		return protocol.NewServer(d, cfg.AllowedOrigins).ListenAndServe(ctx, addr)
	},
}
