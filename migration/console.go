package migration

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Console receives the human-readable outcome of every session command.
type Console interface {
	Printf(format string, args ...any)
}

// LogConsole forwards console output to a logrus logger.
type LogConsole struct {
	Log log.FieldLogger
}

// NewLogConsole returns a console that logs through the standard logrus
// logger, tagged with component=migration.
func NewLogConsole() *LogConsole {
	return &LogConsole{Log: log.WithField("component", "migration")}
}

func (c *LogConsole) Printf(format string, args ...any) {
	c.Log.Infof(strings.TrimSuffix(format, "\n"), args...)
}

// WriterConsole writes one line per message to W, e.g. a monitor client.
type WriterConsole struct {
	W io.Writer
}

func (c *WriterConsole) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	_, _ = io.WriteString(c.W, msg)
}
