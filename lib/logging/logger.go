// Package logging wires the leveled loggers used by all dGC subsystems.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// levelNames maps dragonboat levels to the tags used in the output.
var levelNames = map[logger.LogLevel]string{
	logger.CRITICAL: "CRIT",
	logger.ERROR:    "ERROR",
	logger.WARNING:  "WARN",
	logger.INFO:     "INFO",
	logger.DEBUG:    "DEBUG",
}

// subsystems lists the loggers InitLoggers configures.
var subsystems = []string{"grid", "comm", "backup", "cluster"}

// --------------------------------------------------------------------------
// Logger implementation
// --------------------------------------------------------------------------

// levelLogger implements logger.ILogger on top of the standard library
// logger, tagging every message with its level and subsystem.
type levelLogger struct {
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func (l *levelLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

// logf filters by level and writes one tagged line.
func (l *levelLogger) logf(lv logger.LogLevel, format string, args ...interface{}) {
	if lv > l.level {
		return
	}
	l.out.Printf("[%s] %s: %s", levelNames[lv], l.name, fmt.Sprintf(format, args...))
}

func (l *levelLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *levelLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *levelLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *levelLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf logs the message unconditionally and panics: a critical
// failure must never be filtered away by the level.
func (l *levelLogger) Panicf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] %s: %s", levelNames[logger.CRITICAL], l.name, message)
	panic(message)
}

// --------------------------------------------------------------------------
// Factory and setup
// --------------------------------------------------------------------------

// CreateLogger implements the logger.Factory interface.
func CreateLogger(pkgName string) logger.ILogger {
	return &levelLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   log.New(os.Stderr, "", log.LstdFlags),
	}
}

// ParseLevel converts a level name to a logger.LogLevel.
func ParseLevel(name string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warn", "warning":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	case "crit", "critical":
		return logger.CRITICAL, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, error or critical)", name)
}

// InitLoggers installs the factory and applies the level to every dGC
// subsystem logger.
func InitLoggers(level string) error {
	lv, err := ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range subsystems {
		logger.GetLogger(name).SetLevel(lv)
	}
	return nil
}
