// Package rlog provides the runtime's structured logger. Every component
// logs through the package-level Logger rather than ambient fmt.Print calls,
// so log lines carry component/digest/container-id fields uniformly.
package rlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared structured logger. Components call Logger.WithField
// (or the package helpers below) rather than holding their own instance.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if v := os.Getenv("ROSS_LOG_LEVEL"); v != "" {
		if parsed, err := logrus.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	l.SetLevel(level)
	return l
}

// For returns a logger scoped to a component, e.g. rlog.For("store").
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
