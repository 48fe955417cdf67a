// logger.go - structured logging for the entitlement service.
//
// Usage:
//
//	log := logging.NewLogger("entitlementd", cfg.LogLevel, os.Stdout)
//	log.WithField("user_id", id).Info("download authorized")
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is the millisecond RFC 3339 layout used on every line.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// NewLogger creates a JSON logrus logger for a named service writing to out
// (stdout when nil). An empty or unknown level means info. The service field
// is embedded in every log line.
func NewLogger(service, level string, out io.Writer) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: TimestampFormat,
	})
	if out == nil {
		out = os.Stdout
	}
	log.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil || level == "" {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log.WithField("service", service)
}
