package resolve

import (
	"io"
	"log"
)

// Activity is the reporter/logging sink the Resolver emits progress and
// warnings to. The CLI driver owns the concrete implementation; kiln only
// needs the narrow interface below, not a logging framework: it wraps
// io.Writer directly rather than reaching for a third-party logger.
type Activity interface {
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// Logger is the default Activity implementation, a thin wrapper over a
// standard library *log.Logger.
type Logger struct {
	*log.Logger
	Verbose bool
}

// NewLogger returns a Logger writing to w. Info-level messages are only
// emitted when verbose is true; warnings are always emitted.
func NewLogger(w io.Writer, verbose bool) *Logger {
	return &Logger{Logger: log.New(w, "", 0), Verbose: verbose}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Printf("warning: "+format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.Verbose {
		l.Printf(format, args...)
	}
}

// nullActivity discards everything; used as the zero-value default so the
// Resolver never has to nil-check its sink.
type nullActivity struct{}

func (nullActivity) Warnf(string, ...interface{}) {}
func (nullActivity) Infof(string, ...interface{}) {}

var _ Activity = nullActivity{}
var _ Activity = (*Logger)(nil)

// The helpers below keep the Resolver's trace lines consistently
// prefixed and phrased.

func warnStaleLockEntry(act Activity, pattern, locked string) {
	act.Warnf("incorrectLockfileEntry: %s no longer satisfies %s, re-resolving", locked, pattern)
}

func warnOptionalFailure(act Activity, pattern string, err error) {
	act.Warnf("optional dependency %s failed to resolve: %v", pattern, err)
}

func infoFetch(act Activity, pattern string) {
	act.Infof("fetching %s", pattern)
}

func infoLockHit(act Activity, pattern string) {
	act.Infof("%s resolved from lockfile", pattern)
}
