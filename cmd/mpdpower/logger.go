package main

import (
	"fmt"
	"io"
	"log/syslog"
	"strings"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// parseLogLevel converts a config/flag string to a logrus level.
func parseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return logrus.ErrorLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
	}
}

// minLevelHook forwards only entries at or above min to the wrapped hook.
// The console stays at the configured verbosity while syslog keeps INFO and up.
type minLevelHook struct {
	logrus.Hook
	min logrus.Level
}

func (h minLevelHook) Levels() []logrus.Level {
	var out []logrus.Level
	for _, l := range h.Hook.Levels() {
		// logrus orders levels from most to least severe.
		if l <= h.min {
			out = append(out, l)
		}
	}
	return out
}

// setupLogger builds the console logger and, when enabled, attaches the syslog sink.
// A missing syslog daemon is reported but not fatal.
func setupLogger(cfg LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Syslog {
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, cfg.SyslogTag)
		if err != nil {
			logger.WithError(err).Warn("syslog unavailable, logging to console only")
		} else {
			logger.AddHook(minLevelHook{Hook: hook, min: logrus.InfoLevel})
		}
	}

	return logger, nil
}
