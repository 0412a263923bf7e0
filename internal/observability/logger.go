// Package observability provides Courier's structured logging, metrics,
// and tracing, wired the way the rest of the pack wires them: zerolog
// for logs, promauto/client_golang for metrics, and an optional
// OpenTelemetry/Jaeger tracer.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog with Courier's standard fields and named event
// methods for the operations worth a one-line structured record.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger builds a Logger tagged with nodeID. When output is nil and
// stdout is a terminal, it uses zerolog's console writer for readable
// local runs; otherwise it emits plain JSON lines, matching how the
// rest of the pack keeps structured logs for files/pipes and
// console-pretty logs for an interactive terminal.
func NewLogger(nodeID string, debug bool, output io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var w io.Writer = os.Stdout
	if output != nil {
		w = output
	} else if isatty.IsTerminal(os.Stdout.Fd()) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("node_id", nodeID).
		Logger()

	return &Logger{logger: logger}
}

// WithBundle returns a child logger scoped to bundleID.
func (l *Logger) WithBundle(bundleID string) *Logger {
	return &Logger{logger: l.logger.With().Str("bundle_id", bundleID).Logger()}
}

// Zerolog exposes the underlying zerolog.Logger for packages (like
// netio) that take one directly rather than this wrapper.
func (l *Logger) Zerolog() zerolog.Logger { return l.logger }

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// TransferStarted logs the start of an outbound send.
func (l *Logger) TransferStarted(bundleID, filePath string, fileSize int64, totalChunks int, fecEnabled bool) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Bool("fec_enabled", fecEnabled).
		Msg("started sending bundle")
}

// TransferProgress logs a SACK-driven window advance.
func (l *Logger) TransferProgress(bundleID string, ackedChunks, totalChunks int, windowStart, windowEnd int) {
	progress := 0.0
	if totalChunks > 0 {
		progress = float64(ackedChunks) / float64(totalChunks) * 100.0
	}
	l.logger.Debug().
		Str("bundle_id", bundleID).
		Int("acked_chunks", ackedChunks).
		Int("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Int("window_start", windowStart).
		Int("window_end", windowEnd).
		Msg("transfer progress")
}

// TransferCompleted logs a bundle reaching delivered state.
func (l *Logger) TransferCompleted(bundleID string, fileSize int64, totalChunks int, duration time.Duration, chunksRetransmitted int64) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Int64("chunks_retransmitted", chunksRetransmitted).
		Msg("bundle delivered")
}

// ChunkRetransmitted logs a single chunk timing out and being re-queued.
func (l *Logger) ChunkRetransmitted(bundleID string, chunkID uint32, rtoMs float64) {
	l.logger.Debug().
		Str("bundle_id", bundleID).
		Uint32("chunk_id", chunkID).
		Float64("rto_ms", rtoMs).
		Msg("chunk timed out, queued for retransmission")
}

// FECReconstructed logs a successful single-chunk FEC recovery.
func (l *Logger) FECReconstructed(bundleID string, chunkID uint32, blockID uint32) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Uint32("chunk_id", chunkID).
		Uint32("block_id", blockID).
		Msg("reconstructed missing chunk via FEC")
}

// CustodyAccepted logs a CUSTODY_REQ being accepted.
func (l *Logger) CustodyAccepted(bundleID, fromAddr string, rangeCount int) {
	l.logger.Info().
		Str("bundle_id", bundleID).
		Str("from", fromAddr).
		Int("ranges", rangeCount).
		Msg("accepted custody")
}

// CustodyRetryFailed logs custody forwarding exhausting its retries.
func (l *Logger) CustodyRetryFailed(bundleID string, retryCount int) {
	l.logger.Warn().
		Str("bundle_id", bundleID).
		Int("retry_count", retryCount).
		Msg("custody forwarding failed after max retries")
}
