// Package log sets up the logrus logger shared by the wallet packages. Every package obtains its own subsystem entry
// with Sub so that log lines can be filtered by component, ie. Sub("CACH") for the runtime cache.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Root is the logger all subsystem entries derive from.
var Root = logrus.New()

// Sub returns a logger entry tagged with the given subsystem name.
func Sub(subsystem string) *logrus.Entry {
	return Root.WithField("subsys", subsystem)
}

// Setup configures level, format and output of the root logger. Unknown levels fall back to info and unknown formats
// to text.
func Setup(level, format string, out io.Writer) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}

	Root.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		Root.SetFormatter(&logrus.JSONFormatter{})
	default:
		Root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if out == nil {
		out = os.Stderr
	}

	Root.SetOutput(out)

	if err != nil && level != "" {
		Root.Warnf("Unknown log level %q, using info", level)
	}
}
