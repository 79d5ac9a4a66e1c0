package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/wasteddreams/preheat/pkg/config"
)

// NewLogger returns a new logger. In foreground mode it writes to stderr,
// otherwise to preheat.log inside the state directory.
func NewLogger(config *config.AppConfig) *logrus.Entry {
	var log *logrus.Logger
	if config.Foreground {
		log = newForegroundLogger(config)
	} else {
		log = newDaemonLogger(config)
	}

	// highly recommended: tail -f preheat.log | humanlog
	// https://github.com/aybabtme/humanlog
	log.Formatter = &logrus.JSONFormatter{}

	return log.WithFields(logrus.Fields{
		"debug":   config.Debug,
		"version": config.Version,
		"commit":  config.Commit,
	})
}

func getLogLevel(debug bool) logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		if debug {
			return logrus.DebugLevel
		}
		return logrus.InfoLevel
	}
	return level
}

func newForegroundLogger(config *config.AppConfig) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel(config.Debug))
	log.SetOutput(os.Stderr)
	return log
}

func newDaemonLogger(config *config.AppConfig) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel(config.Debug))
	file, err := os.OpenFile(filepath.Join(config.StateDir, "preheat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	log.SetOutput(file)
	return log
}

// NewDiscardLogger returns an entry that swallows everything. Used by tests.
func NewDiscardLogger() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return log.WithField("test", true)
}
