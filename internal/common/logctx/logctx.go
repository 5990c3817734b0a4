// Package logctx gives every background daemon (reader, writer, merger,
// checkpointer, restart worker, restore scheduler) its own prefixed logger,
// the way the teacher's scheduler and pager/inspect.go use a plain
// log.Printf per concern rather than a metrics/stats layer (out of scope
// per spec §1 Non-goals: "web/stat endpoints").
package logctx

import (
	"log"
	"os"
)

// Logger is a minimal leveled wrapper around the standard logger.
type Logger struct {
	*log.Logger
	name string
}

// New returns a Logger prefixed with name, e.g. "archiver.reader".
func New(name string) *Logger {
	return &Logger{
		Logger: log.New(os.Stderr, "["+name+"] ", log.LstdFlags|log.Lmicroseconds),
		name:   name,
	}
}

// Warnf logs a warning. Kept distinct from Printf so grep'ing logs for
// "WARN " finds every slow-operation / retry message across daemons.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf("WARN "+format, args...)
}

// Errorf logs an error condition that does not necessarily abort the daemon.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Printf("ERROR "+format, args...)
}

// Named returns a child logger, e.g. New("archiver").Named("reader").
func (l *Logger) Named(sub string) *Logger {
	return New(l.name + "." + sub)
}
