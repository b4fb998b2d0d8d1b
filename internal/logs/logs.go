// Package logs provides the per-subsystem leveled loggers shared by every
// component of the node. It follows the teacher's subsystem-tag convention
// (logger.SubsystemTags in the kaspad source tree) but builds directly on
// the upstream btclog backend instead of an in-house fork of it.
package logs

import (
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags, one per spec component.
const (
	DAG  = "DAGG"
	Mem  = "MEMP"
	EVM  = "EVMX"
	Miner = "MINR"
	Node = "NODE"
	RPC  = "RPCS"
	WS   = "WSCK"
)

var (
	logRotator *rotator.Rotator
	backend    = btclog.NewBackend(logWriter{})

	// loggers, one per subsystem, created eagerly so every package can
	// grab its logger at init time the way the teacher's package-level
	// btcdLog/rpcsLog/txmpLog vars do.
	loggers = map[string]btclog.Logger{
		DAG:   backend.Logger(DAG),
		Mem:   backend.Logger(Mem),
		EVM:   backend.Logger(EVM),
		Miner: backend.Logger(Miner),
		Node:  backend.Logger(Node),
		RPC:   backend.Logger(RPC),
		WS:    backend.Logger(WS),
	}
)

// logWriter outputs to stdout and, once InitLogRotator has been called, to
// the rotator as well.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// InitLogRotator initializes the log rotation, writing to logFile and
// rolling it over at 10 MiB, keeping the most recent 3 rolled files.
func InitLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create log rotator: %w", err)
	}
	logRotator = r
	return nil
}

// Logger returns the subsystem logger for tag, panicking if tag is unknown
// since that's a programmer error, not a runtime one.
func Logger(tag string) btclog.Logger {
	l, ok := loggers[tag]
	if !ok {
		panic("logs: unknown subsystem " + tag)
	}
	return l
}

// SetLevel sets the logging level for every subsystem at once.
func SetLevel(level btclog.Level) {
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// Close flushes and closes the underlying log rotator, if any.
func Close() error {
	if logRotator == nil {
		return nil
	}
	return logRotator.Close()
}

// Writer exposes the backend's raw writer for tests that want to assert on
// log output.
func Writer() io.Writer {
	return logWriter{}
}
