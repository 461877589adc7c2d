/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/
package logs

import (
	"io"
	"log"
	"os"
)

// Logger groups the three severity loggers so they can be handed to components
// instead of being looked up globally.
type Logger struct {
	Info    *log.Logger
	Warning *log.Logger
	Error   *log.Logger
}

// Package-level loggers for code which is not handed a Logger, like plugins.
var (
	Info    *log.Logger
	Warning *log.Logger
	Error   *log.Logger

	std *Logger
)

// New creates a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{
		Info:    log.New(w, "I", log.LstdFlags|log.Lshortfile),
		Warning: log.New(w, "W", log.LstdFlags|log.Lshortfile),
		Error:   log.New(w, "E", log.LstdFlags|log.Lshortfile),
	}
}

// Discard returns a Logger which drops everything. Used in tests.
func Discard() *Logger {
	return New(io.Discard)
}

func init() {
	Init()
}

// Init sets up the package-level loggers and returns them as a Logger.
func Init() *Logger {
	std = New(os.Stdout)
	Info, Warning, Error = std.Info, std.Warning, std.Error
	return std
}

// Default returns the package-level loggers.
func Default() *Logger {
	return std
}
