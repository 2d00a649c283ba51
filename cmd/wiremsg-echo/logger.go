package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Zereker/wiremsg/socket"
)

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

// logrusAdapter lets a logrus logger serve as a socket.Logger.
type logrusAdapter struct {
	entry *logrus.Entry
}

var _ socket.Logger = logrusAdapter{}

func newLogrusAdapter(logger *logrus.Logger) logrusAdapter {
	return logrusAdapter{entry: logrus.NewEntry(logger)}
}

func (l logrusAdapter) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l logrusAdapter) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l logrusAdapter) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l logrusAdapter) Error(msg string, args ...any) { l.with(args).Error(msg) }

// with turns slog style key-value pairs into logrus fields. A trailing key
// without a value is kept under "!BADKEY", as slog does.
func (l logrusAdapter) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}

	fields := make(logrus.Fields, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return l.entry.WithFields(fields)
}
