// Package capture implements the hot-path event log: appends are assigned a
// sequence number and enqueued into a bounded buffer, and a background
// flusher writes them durably in batches.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

// Appender is the durable side of the log.
type Appender interface {
	AppendEvents(ctx context.Context, events []models.SessionEvent) error
}

// SeqReader is implemented by appenders that can report the durable end of
// a session's stream. A Log over one renumbers its buffer when another
// writer took the sequence numbers it assigned.
type SeqReader interface {
	LastSeq(ctx context.Context, sessionID string) (int64, error)
}

// Config tunes buffering and flush retries.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
	Retry         jobs.RetryPolicy
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BufferSize:    256,
		FlushInterval: 500 * time.Millisecond,
		FlushBatch:    100,
		Retry: jobs.RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     5 * time.Second,
		},
	}
}

// Log is the single writer of one session's event stream.
type Log struct {
	sessionID string
	store     Appender
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	onFlush   func(events []models.SessionEvent)

	mu      sync.Mutex
	buf     []models.SessionEvent
	nextSeq int64
	closed  bool
	lastErr error

	flushMu  sync.Mutex
	stopOnce sync.Once
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger for flush failures.
func WithLogger(l *slog.Logger) Option { return func(lg *Log) { lg.logger = l } }

// WithClock overrides the timestamp source for events appended without one.
func WithClock(now func() time.Time) Option { return func(lg *Log) { lg.now = now } }

// WithFlushHook registers a callback invoked with every durably written batch.
func WithFlushHook(fn func(events []models.SessionEvent)) Option {
	return func(lg *Log) { lg.onFlush = fn }
}

// Open starts a Log for sessionID whose durable stream already ends at lastSeq.
func Open(sessionID string, lastSeq int64, store Appender, cfg Config, opts ...Option) *Log {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	l := &Log{
		sessionID: sessionID,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		nextSeq:   lastSeq,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flusher()
	return l
}

// SessionID returns the session this log writes to.
func (l *Log) SessionID() string { return l.sessionID }

// Append assigns the next sequence number to e and enqueues it. It never
// waits on durable I/O.
func (l *Log) Append(e models.SessionEvent) (models.SessionEvent, error) {
	if !e.Kind.Valid() {
		return e, &Error{Kind: KindInvalid, SessionID: l.sessionID, Err: fmt.Errorf("unknown event kind %q", e.Kind)}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return e, &Error{Kind: KindClosed, SessionID: l.sessionID, Err: ErrClosed}
	}
	if len(l.buf) >= l.cfg.BufferSize {
		l.mu.Unlock()
		return e, &Error{Kind: KindBackpressure, SessionID: l.sessionID, Err: ErrBackpressure}
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.SessionID = l.sessionID
	l.nextSeq++
	e.Seq = l.nextSeq
	e.ID = models.NewID(e.Timestamp)
	if len(e.Payload) == 0 {
		e.Payload = []byte("{}")
	}
	l.buf = append(l.buf, e)
	full := len(l.buf) >= l.cfg.FlushBatch
	l.mu.Unlock()

	if full {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return e, nil
}

// Pending returns the number of appended events not yet durable.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// LastSeq returns the sequence number of the most recent append.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// LastError returns the most recent durable-write failure, cleared on success.
func (l *Log) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Flush writes every buffered event, retrying with backoff. Events that
// could not be written stay buffered.
func (l *Log) Flush(ctx context.Context) error {
	return l.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return l.flushAll(ctx)
	})
}

// Close stops accepting appends, stops the background flusher and flushes
// what remains. Closing again retries the flush of anything still buffered.
func (l *Log) Close(ctx context.Context) error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})
	<-l.done

	if err := l.Flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func (l *Log) flushAll(ctx context.Context) error {
	for {
		n, err := l.flushBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// flushBatch writes up to FlushBatch events and removes them from the
// buffer only after the write succeeds.
func (l *Log) flushBatch(ctx context.Context) (int, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	n := min(len(l.buf), l.cfg.FlushBatch)
	batch := append([]models.SessionEvent(nil), l.buf[:n]...)
	l.mu.Unlock()
	if n == 0 {
		return 0, nil
	}

	if err := l.store.AppendEvents(ctx, batch); err != nil {
		werr := &Error{Kind: KindWrite, SessionID: l.sessionID, Err: err}
		switch {
		case errors.Is(err, store.ErrEnded):
			werr.Kind = KindClosed
		case errors.Is(err, store.ErrConflict):
			if rerr := l.rebase(ctx); rerr != nil {
				l.logger.Warn("capture rebase failed", "session", l.sessionID, "error", rerr)
			}
		}
		l.mu.Lock()
		l.lastErr = werr
		if werr.Kind == KindClosed {
			l.closed = true
		}
		l.mu.Unlock()
		if werr.Kind == KindClosed {
			return 0, jobs.Permanent(werr)
		}
		return 0, werr
	}

	l.mu.Lock()
	l.buf = l.buf[n:]
	l.lastErr = nil
	l.mu.Unlock()

	if l.onFlush != nil {
		l.onFlush(batch)
	}
	return n, nil
}

// rebase renumbers the buffered events to follow the durable stream after
// another writer claimed their sequence numbers.
func (l *Log) rebase(ctx context.Context) error {
	r, ok := l.store.(SeqReader)
	if !ok {
		return nil
	}
	last, err := r.LastSeq(ctx, l.sessionID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.buf {
		l.buf[i].Seq = last + int64(i) + 1
	}
	l.nextSeq = last + int64(len(l.buf))
	l.logger.Warn("capture sequence taken by another writer, renumbered buffer",
		"session", l.sessionID, "durable_last", last, "pending", len(l.buf))
	return nil
}

func (l *Log) flusher() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stop
		cancel()
	}()

	failures := 0
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		case <-ticker.C:
		}

		if err := l.flushAll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrClosed) || errors.Is(err, store.ErrEnded) {
				l.logger.Error("capture stopped, session no longer accepts events",
					"session", l.sessionID, "pending", l.Pending(), "error", err)
				return
			}
			failures++
			delay := l.cfg.Retry.NextDelay(failures)
			l.logger.Warn("capture flush failed", "session", l.sessionID, "pending", l.Pending(), "retry_in", delay, "error", err)
			if jobs.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
	}
}
