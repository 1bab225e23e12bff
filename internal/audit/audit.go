// Package audit records escape-hatch use from sandboxes to the log and to
// the audit database.
package audit

import (
	"errors"

	"github.com/rs/zerolog"

	"taintbox/internal/config"
	"taintbox/internal/storage"
	"taintbox/pkg/sandbox"
)

// Recorder is a sandbox.Auditor that holds resources.
type Recorder interface {
	sandbox.Auditor
	Close() error
}

// New builds the recorder selected by cfg. db may be nil unless the sink
// writes to SQLite.
func New(cfg config.AuditConfig, db *storage.DB, logger zerolog.Logger) (Recorder, error) {
	if !cfg.Enabled {
		return Discard{}, nil
	}
	switch cfg.Sink {
	case config.SinkLog:
		return NewLogRecorder(logger), nil
	case config.SinkSQLite, config.SinkBoth:
		if db == nil {
			return nil, errors.New("audit: sqlite sink needs a database")
		}
		store := NewStoreRecorder(db, StoreConfig{}, logger)
		if cfg.Sink == config.SinkSQLite {
			return store, nil
		}
		return Fanout{NewLogRecorder(logger), store}, nil
	default:
		return nil, errors.New("audit: unknown sink " + cfg.Sink)
	}
}

// Discard drops every record.
type Discard struct{}

// RecordEscape implements sandbox.Auditor.
func (Discard) RecordEscape(sandbox.Escape) {}

// Close implements Recorder.
func (Discard) Close() error { return nil }

// LogRecorder writes each record as a warning.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder returns a recorder logging to logger.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "audit").Logger()}
}

// RecordEscape implements sandbox.Auditor.
func (r *LogRecorder) RecordEscape(e sandbox.Escape) {
	ev := r.logger.Warn().
		Str("sandbox_id", e.SandboxID).
		Str("backend", e.Backend).
		Str("kind", string(e.Kind)).
		Str("type", e.Type).
		Str("site", e.Site).
		Str("function", e.Function)
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	ev.Msg("unverified value escaped sandbox")
}

// Close implements Recorder.
func (r *LogRecorder) Close() error { return nil }

// Fanout sends every record to each recorder in order.
type Fanout []Recorder

// RecordEscape implements sandbox.Auditor.
func (f Fanout) RecordEscape(e sandbox.Escape) {
	for _, r := range f {
		r.RecordEscape(e)
	}
}

// Close closes every recorder and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, r := range f {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
