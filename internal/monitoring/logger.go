// Package monitoring owns the tracker's three log streams.
//
//   - ops:   actionable warnings and errors (transform failures, dropped
//     publishes, misconfiguration)
//   - diag:  lifecycle and tuning context (startup, resets, frequency reports)
//   - trace: per-cycle and per-message telemetry
//
// Each stream is a zerolog logger. A stream with a nil writer is silent.
package monitoring

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// LogWriters holds the destination of each stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu    sync.RWMutex
	ops   = zerolog.Nop()
	diag  = zerolog.Nop()
	trace = zerolog.Nop()
)

// SetLogWriters configures all three streams at once. Pass a zero
// LogWriters to silence everything.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	ops = newStream(w.Ops, "ops", zerolog.WarnLevel)
	diag = newStream(w.Diag, "diag", zerolog.InfoLevel)
	trace = newStream(w.Trace, "trace", zerolog.DebugLevel)
}

// SetLegacyLogger routes all streams to a single writer.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(LogWriters{Ops: w, Diag: w, Trace: w})
}

func newStream(w io.Writer, name string, level zerolog.Level) zerolog.Logger {
	if w == nil {
		return zerolog.Nop()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("stream", name).Logger()
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := ops
	mu.RUnlock()
	l.Warn().Msg(fmt.Sprintf(format, args...))
}

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diag
	mu.RUnlock()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := trace
	mu.RUnlock()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

// Logger returns the zerolog logger behind the named stream ("ops", "diag"
// or "trace") for callers that want structured fields. Unknown names get
// a disabled logger.
func Logger(stream string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	switch stream {
	case "ops":
		return ops
	case "diag":
		return diag
	case "trace":
		return trace
	}
	return zerolog.Nop()
}
