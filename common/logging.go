// Package common provides the shared logging infrastructure for arcflow
// services. A single global logrus logger routes error-level output to
// stderr and everything else to stdout, so containerized deployments can
// treat the two streams differently.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level marker. It operates on the final formatted output, so it
// works with both the text and JSON formatters.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Services derive component-scoped
// entries from it via Component instead of creating their own loggers.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// Configure applies the level and format from configuration. Unknown
// levels fall back to info, unknown formats to text.
func Configure(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Component returns an entry scoped to a named component. All long-lived
// services log through one of these so every line carries its origin.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
