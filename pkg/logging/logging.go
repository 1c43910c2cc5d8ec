package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is a bridging interface between logrus and host-process logging
// types. Components take a Logger rather than a concrete logrus value so the
// surrounding filesystem façade can route channel logs wherever it wants.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// NullLogger returns a Logger that discards everything. Channels created
// without an explicit logger use it.
func NullLogger() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
