// Package common provides the shared logging infrastructure for the replay
// tool. Log output is routed by severity: error-level records go to stderr
// so replay divergence diagnostics stay separable from progress output,
// everything else goes to stdout.
//
// The logging system is built on logrus for structured logging with a
// custom output writer that performs the stream separation. Timing results
// are printed directly by the CLI and never pass through the logger, so
// scripted callers can rely on stdout carrying exactly one duration line
// per run when --quiet is set.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log records to stdout or stderr based on
// their severity level. The splitter examines the final formatted output
// for the text formatter's level=error and level=fatal fields; a formatter
// that writes the level differently (JSON, for one) sends every record to
// stdout.
//
// Routing:
//   - records containing "level=error" or "level=fatal" → stderr
//   - everything else (info, debug, warning) → stdout
type OutputSplitter struct{}

// Write implements io.Writer, inspecting the record for error indicators
// and picking the stream. Plain byte matching keeps the hot path free of
// parsing overhead.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the replay tool. All packages
// log through it (or through entries derived from it with WithFields) so
// stream routing and formatting stay uniform.
var Logger = logrus.New()

// SetQuiet raises the log level so only errors reach the terminal. Replay
// divergence and deadlock diagnostics are error-level and always shown.
func SetQuiet(quiet bool) {
	if quiet {
		Logger.SetLevel(logrus.ErrorLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
