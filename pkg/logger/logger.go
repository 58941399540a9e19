package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var Log zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

func Init(env string, debug bool) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if env != "production" {
		Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).With().Timestamp().Logger()
	} else {
		Log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// Debug logs a debug message.
func Debug(msg string, keyValues ...interface{}) {
	withPairs(Log.Debug(), "Debug", keyValues).Msg(msg)
}

// Info logs an info message.
func Info(msg string, keyValues ...interface{}) {
	withPairs(Log.Info(), "Info", keyValues).Msg(msg)
}

// Infof logs a formatted info message.
func Infof(format string, v ...interface{}) {
	Log.Info().Msgf(format, v...)
}

// Warn logs a warning message.
func Warn(msg string, keyValues ...interface{}) {
	withPairs(Log.Warn(), "Warn", keyValues).Msg(msg)
}

// Error logs an error message with the caller and the error's stack.
func Error(msg string, err error, keyValues ...interface{}) {
	withPairs(Log.Error(), "Error", keyValues).Caller(1).Stack().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits the program.
func Fatal(msg string, err error) {
	Log.Fatal().Err(err).Msg(msg)
}

// withPairs adds keyValues to ev as fields. Logging must never fail, so an
// odd list is logged whole under "Unknown Key" with a usage hint, and
// non-string keys are skipped.
func withPairs(ev *zerolog.Event, fn string, keyValues []interface{}) *zerolog.Event {
	if len(keyValues)%2 != 0 {
		return ev.Interface("Unknown Key", keyValues).Str("usage", "logger."+fn+" expects key/value pairs")
	}
	for i := 0; i < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keyValues[i+1])
	}
	return ev
}
