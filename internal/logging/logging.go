package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// New returns the process logger. Output goes to stderr because stdout
// carries command output and the native-messaging stream.
func New(level string) *log.Logger {
	return NewWithWriter(os.Stderr, level)
}

func NewWithWriter(w io.Writer, level string) *log.Logger {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          "convarchive",
		ReportTimestamp: true,
		Level:           lvl,
	})
}

// Discard is a logger for tests and library callers that do not want output.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}
