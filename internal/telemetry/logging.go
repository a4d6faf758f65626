// Package telemetry provides the structured logging, Prometheus metrics
// and health-check machinery shared by carl and edgar, following the
// pkg/logging, pkg/monitoring layout of the services this codebase grew
// out of.
package telemetry

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger handle; both carl and edgar pass it down
// through their component constructors instead of relying on the global
// logrus instance.
type Logger = *logrus.Logger

type Fields = logrus.Fields

// NewLogger builds a JSON-formatted logger honoring LOG_LEVEL. The service
// name is not attached to the returned logger: its entries carry no
// "service" field.
func NewLogger(service string) Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logLevelFromEnv())
	return logger.WithField("service", service).Logger
}

func logLevelFromEnv() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
