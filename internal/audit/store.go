package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taintbox/internal/storage"
	"taintbox/pkg/sandbox"
)

// StoreConfig tunes a StoreRecorder.
type StoreConfig struct {
	// BufferSize is how many records may wait for the writer. Records
	// beyond it are dropped and counted.
	BufferSize int
	// BatchSize is the most records written per transaction.
	BatchSize int
	// FlushInterval bounds how long a record waits before being written.
	FlushInterval time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// StoreRecorder writes records to the audit database from a background
// goroutine. RecordEscape never blocks the sandbox.
type StoreRecorder struct {
	db     *storage.DB
	cfg    StoreConfig
	logger zerolog.Logger

	events  chan storage.AuditEvent
	flushes chan chan error
	done    chan struct{}
	wg      sync.WaitGroup

	// mu orders enqueues against Close: once Close holds it, no record
	// can land in events after the writer's final drain.
	mu       sync.RWMutex
	closed   atomic.Bool
	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// NewStoreRecorder starts a recorder writing to db.
func NewStoreRecorder(db *storage.DB, cfg StoreConfig, logger zerolog.Logger) *StoreRecorder {
	cfg = cfg.withDefaults()
	r := &StoreRecorder{
		db:      db,
		cfg:     cfg,
		logger:  logger.With().Str("component", "audit_store").Logger(),
		events:  make(chan storage.AuditEvent, cfg.BufferSize),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// RecordEscape implements sandbox.Auditor.
func (r *StoreRecorder) RecordEscape(e sandbox.Escape) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	ev := storage.AuditEvent{
		ID:         uuid.NewString(),
		SandboxID:  e.SandboxID,
		Backend:    e.Backend,
		Kind:       string(e.Kind),
		Type:       e.Type,
		Reason:     e.Reason,
		Site:       e.Site,
		Function:   e.Function,
		OccurredAt: e.Time,
	}
	select {
	case r.events <- ev:
		r.recorded.Add(1)
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn().Int("buffer", r.cfg.BufferSize).Msg("audit buffer full, dropping records")
		}
	}
}

// Flush writes every buffered record before returning.
func (r *StoreRecorder) Flush(ctx context.Context) error {
	if r.closed.Load() {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case r.flushes <- reply:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorded returns how many records were accepted.
func (r *StoreRecorder) Recorded() uint64 { return r.recorded.Load() }

// Dropped returns how many records were discarded.
func (r *StoreRecorder) Dropped() uint64 { return r.dropped.Load() }

// Close writes what is buffered and stops the writer.
func (r *StoreRecorder) Close() error {
	r.mu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return nil
	}
	close(r.done)
	r.mu.Unlock()
	r.wg.Wait()
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn().Uint64("dropped", n).Msg("audit records dropped")
	}
	return nil
}

func (r *StoreRecorder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]storage.AuditEvent, 0, r.cfg.BatchSize)
	write := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.db.InsertAuditEvents(batch...)
		if err != nil {
			r.logger.Error().Err(err).Int("records", len(batch)).Msg("write audit records")
		}
		batch = batch[:0]
		return err
	}
	drain := func() error {
		var firstErr error
		for {
			select {
			case ev := <-r.events:
				batch = append(batch, ev)
				if len(batch) >= r.cfg.BatchSize {
					if err := write(); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			default:
				if err := write(); err != nil && firstErr == nil {
					firstErr = err
				}
				return firstErr
			}
		}
	}

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				_ = write()
			}
		case <-ticker.C:
			_ = write()
		case reply := <-r.flushes:
			reply <- drain()
		case <-r.done:
			_ = drain()
			return
		}
	}
}
