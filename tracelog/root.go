package tracelog

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Module names used by memtrace's own logging call sites.
const (
	Ingest = "ingest" // UD ingest loop (ud.Engine)
	Dump   = "dump"   // Dumper
	CLI    = "cli"    // cmd/memtrace
)

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

// InitLogger installs a terminal handler at the given level as the default
// logger, exiting the process if the level name is invalid.
func InitLogger(logLevel string) {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

// SetDefault installs l as the default global logger.
func SetDefault(l Logger) {
	root.Store(l)
}

// Root returns the current default logger.
func Root() Logger {
	return root.Load().(Logger)
}

func Trace(module string, msg string, ctx ...interface{}) { Root().Write(LevelTrace, module, msg, ctx...) }
func Debug(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}
func Info(module string, msg string, ctx ...interface{}) { Root().Write(slog.LevelInfo, module, msg, ctx...) }
func Warn(module string, msg string, ctx ...interface{}) { Root().Write(slog.LevelWarn, module, msg, ctx...) }
func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}
func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

// New returns a child logger carrying the given context pairs.
func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
