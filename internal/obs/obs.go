// Package obs provides the structured logging surface shared by every
// component of the controller. It is a deliberately small subset of
// zerolog's API, kept this way so collaborators never need to import
// zerolog directly.
package obs

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the logging interface used throughout this module.
type Logger interface {
	With(fields map[string]any) Logger
	WithError(err error) Logger
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// Discard is a Logger that does nothing. It is the default for
// constructors that receive a nil Logger, and is useful in tests that
// don't care about log output.
type Discard struct{}

var _ Logger = Discard{}

func (Discard) With(map[string]any) Logger { return Discard{} }
func (Discard) WithError(error) Logger     { return Discard{} }
func (Discard) Debug(string)               {}
func (Discard) Info(string)                {}
func (Discard) Warn(string)                {}
func (Discard) Error(string)               {}

// zlog adapts a zerolog.Logger to Logger.
type zlog struct {
	l zerolog.Logger
}

var _ Logger = zlog{}

// New constructs a Logger backed by zerolog, writing to w (os.Stderr if
// nil). component is attached to every event as a "component" field.
func New(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	return zlog{l: zerolog.New(w).With().Timestamp().Str("component", component).Logger()}
}

func (z zlog) With(fields map[string]any) Logger {
	ctx := z.l.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zlog{l: ctx.Logger()}
}

func (z zlog) WithError(err error) Logger {
	return zlog{l: z.l.With().Err(err).Logger()}
}

func (z zlog) Debug(msg string) { z.l.Debug().Msg(msg) }
func (z zlog) Info(msg string)  { z.l.Info().Msg(msg) }
func (z zlog) Warn(msg string)  { z.l.Warn().Msg(msg) }
func (z zlog) Error(msg string) { z.l.Error().Msg(msg) }
