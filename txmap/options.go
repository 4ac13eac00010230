package txmap

import (
	"log/slog"
	"os"
	"time"
)

// config holds engine-wide tuning, set via functional options so
// NewEngine stays call-compatible as new knobs get added.
type config struct {
	logger               *slog.Logger
	validationTimeout    time.Duration
	undoCompactionThresh int64
}

func defaultConfig() config {
	return config{
		logger:               slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		validationTimeout:    5 * time.Second,
		undoCompactionThresh: 4096,
	}
}

// Option configures a TransactionEngine.
type Option func(*config)

// WithLogger installs a custom structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithValidationTimeout bounds how long a validateTransaction round
// trip for an in-doubt transaction may run before the observer's
// context is cancelled.
func WithValidationTimeout(d time.Duration) Option {
	return func(c *config) { c.validationTimeout = d }
}

// WithUndoCompactionThreshold sets the undo-log size past which
// Transaction.Commit logs a warning that the log is growing large —
// a signal that transactions are staying open too long or writing too
// much before committing.
func WithUndoCompactionThreshold(n int64) Option {
	return func(c *config) { c.undoCompactionThresh = n }
}
