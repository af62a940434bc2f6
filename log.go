package s2n

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// We use a prefix scheme to designate log entries by subsystem, so that
// they can be selected with S2N_TRACE, e.g.:
//
//	S2N_TRACE=record,alert  -- trace the record layer and alert handling
//	S2N_TRACE=*             -- trace everything
//
// Entries are emitted through logrus at debug level; SetLogOutput and
// SetLogLevel adjust the underlying logger.
const (
	logTypeConnection = "connection"
	logTypeRecord     = "record"
	logTypeHandshake  = "handshake"
	logTypeAlert      = "alert"
	logTypeCrypto     = "crypto"
	logTypeBlinding   = "blinding"
	logTypeIO         = "io"
	logTypeSession    = "session"
)

var (
	logger      = logrus.New()
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)

	for _, setting := range strings.Split(os.Getenv("S2N_TRACE"), ",") {
		if setting == "*" {
			logAll = true
		} else if setting != "" {
			logSettings[setting] = true
		}
	}
	if logAll || len(logSettings) > 0 {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// SetLogOutput redirects library logging, e.g. to io.Discard or a file.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLogLevel sets the logrus level used by the library logger.
func SetLogLevel(level logrus.Level) {
	logger.SetLevel(level)
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		logger.WithField("type", tag).Debugf(format, args...)
	}
}
