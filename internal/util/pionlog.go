package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal logging into the pterm logger.
// pion is chatty, so its levels are shifted one step down: pion Info lands
// at Debug and pion Debug/Trace land at Trace.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

var _ logging.LoggerFactory = PionLoggerFactory{}

type pionLogger struct {
	scope string
}

func (l pionLogger) prefix(msg string) string {
	return "pion/" + l.scope + ": " + msg
}

func (l pionLogger) Trace(msg string) { LogTrace("%s", l.prefix(msg)) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l pionLogger) Debug(msg string) { LogTrace("%s", l.prefix(msg)) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l pionLogger) Info(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l pionLogger) Warn(msg string) { LogWarning("%s", l.prefix(msg)) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l pionLogger) Error(msg string) { LogError("%s", l.prefix(msg)) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
