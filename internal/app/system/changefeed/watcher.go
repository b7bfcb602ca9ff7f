// internal/app/system/changefeed/watcher.go
//
// Package changefeed runs resumable MongoDB change stream subscriptions.
//
// A Watcher owns one subscription and a resume cursor. Events are handed to
// the handler one at a time in delivery order. The cursor moves forward only
// after a whole server batch has been handled, so a failure mid-batch replays
// that batch after reconnecting: delivery is at-least-once and handlers must
// tolerate duplicates.
//
// Nothing but cancellation of the Run context stops the loop. Open failures,
// stream errors, handler errors and handler panics are logged and the stream
// is reopened from the last cursor. A cursor the server closed on its own,
// as after an invalidate, is reopened with startAfter instead.
package changefeed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultName       = "changefeed"
	DefaultPollWindow = 2 * time.Second
)

// Server error codes meaning the saved resume token can never be used again.
const (
	codeInvalidResumeToken      = 260
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
)

var (
	// ErrAlreadyRunning is returned when Run is called on a running watcher.
	ErrAlreadyRunning = errors.New("changefeed: watcher already running")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("changefeed: handler panicked")
	// ErrStreamClosed means the server closed the cursor without an error,
	// e.g. after the watched collection was dropped or renamed.
	ErrStreamClosed = errors.New("changefeed: change stream closed by server")
)

// Handler processes one event. A returned error reopens the stream from the
// last cursor, so handlers should only return errors worth a replay.
type Handler[T any] func(ctx context.Context, ev Event[T]) error

type config struct {
	name         string
	kinds        []OperationKind
	filter       string
	fullDocument options.FullDocument
	pollWindow   time.Duration
	retryDelay   time.Duration
	store        CursorStore
	log          *zap.Logger
}

// Option configures a Watcher.
type Option func(*config)

// WithName names the watcher in logs, stats and checkpoints.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithOperationKinds limits the stream to the given kinds.
func WithOperationKinds(kinds ...OperationKind) Option {
	return func(c *config) { c.kinds = append([]OperationKind(nil), kinds...) }
}

// WithFilter sets a raw $match expression in extended JSON, e.g.
// `{ "operationType": { "$in": ["insert", "update"] } }`.
// It takes precedence over WithOperationKinds.
func WithFilter(extJSON string) Option {
	return func(c *config) { c.filter = extJSON }
}

// WithFullDocument sets the full-document policy (options.UpdateLookup by default).
func WithFullDocument(fd options.FullDocument) Option {
	return func(c *config) { c.fullDocument = fd }
}

// WithPollWindow bounds how long one poll waits for new changes on the server.
func WithPollWindow(d time.Duration) Option {
	return func(c *config) { c.pollWindow = d }
}

// WithRetryDelay pauses between a failure and the next open. Zero reopens immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

// WithCursorStore checkpoints the cursor so restarts resume where the
// previous process stopped.
func WithCursorStore(s CursorStore) Option {
	return func(c *config) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.log = l }
}

// Stats is a point-in-time snapshot of a watcher.
type Stats struct {
	Name        string     `json:"name"`
	Running     bool       `json:"running"`
	Sessions    int64      `json:"sessions"`
	Events      int64      `json:"events"`
	Errors      int64      `json:"errors"`
	HasCursor   bool       `json:"has_cursor"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

// Watcher is a resumable change stream subscription delivering Event[T].
type Watcher[T any] struct {
	src      Source
	handler  Handler[T]
	cfg      config
	pipeline mongo.Pipeline
	log      *zap.Logger

	// cursor and startAfter are only touched by the goroutine inside Run.
	// startAfter is set when the cursor may be an invalidate token, which
	// the server rejects as resumeAfter.
	cursor     bson.Raw
	startAfter bool

	running   atomic.Bool
	sessions  atomic.Int64
	events    atomic.Int64
	errs      atomic.Int64
	hasCursor atomic.Bool
	lastEvent atomic.Int64
}

// New builds a watcher. It fails only on an invalid filter expression or
// missing source/handler.
func New[T any](src Source, handler Handler[T], opts ...Option) (*Watcher[T], error) {
	if src == nil {
		return nil, errors.New("changefeed: nil source")
	}
	if handler == nil {
		return nil, errors.New("changefeed: nil handler")
	}

	cfg := config{
		name:         DefaultName,
		fullDocument: options.UpdateLookup,
		pollWindow:   DefaultPollWindow,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.pollWindow <= 0 {
		cfg.pollWindow = DefaultPollWindow
	}

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		return nil, err
	}

	return &Watcher[T]{
		src:      src,
		handler:  handler,
		cfg:      cfg,
		pipeline: pipeline,
		log:      cfg.log.With(zap.String("watcher", cfg.name)),
	}, nil
}

func buildPipeline(cfg config) (mongo.Pipeline, error) {
	if cfg.filter != "" {
		var match bson.D
		if err := bson.UnmarshalExtJSON([]byte(cfg.filter), false, &match); err != nil {
			return nil, fmt.Errorf("changefeed: parse filter: %w", err)
		}
		return mongo.Pipeline{{{Key: "$match", Value: match}}}, nil
	}
	if len(cfg.kinds) > 0 {
		names := make(bson.A, 0, len(cfg.kinds))
		for _, k := range cfg.kinds {
			if k == OpUnknown {
				return nil, errors.New("changefeed: cannot filter on unknown operation kind")
			}
			names = append(names, k.String())
		}
		return mongo.Pipeline{{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: names}}},
		}}}}, nil
	}
	return mongo.Pipeline{}, nil
}

// Name returns the watcher name.
func (w *Watcher[T]) Name() string {
	return w.cfg.name
}

// Stats returns a snapshot of the watcher's counters.
func (w *Watcher[T]) Stats() Stats {
	s := Stats{
		Name:      w.cfg.name,
		Running:   w.running.Load(),
		Sessions:  w.sessions.Load(),
		Events:    w.events.Load(),
		Errors:    w.errs.Load(),
		HasCursor: w.hasCursor.Load(),
	}
	if ns := w.lastEvent.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		s.LastEventAt = &t
	}
	return s
}

// Run blocks until ctx is cancelled, reopening the stream after every
// failure. In-flight handler calls finish before Run returns.
func (w *Watcher[T]) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	w.loadCursor(ctx)
	w.log.Info("watcher started",
		zap.Duration("poll_window", w.cfg.pollWindow),
		zap.Bool("resuming", w.cursor != nil))

	for ctx.Err() == nil {
		err := w.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			continue
		}

		w.errs.Add(1)
		switch {
		case isResumeTokenLost(err) && w.cursor != nil:
			w.log.Error("resume token rejected by server; restarting from now", zap.Error(err))
			w.setCursor(nil)
		case errors.Is(err, ErrStreamClosed):
			w.log.Warn("change stream closed by server; reopening after last cursor", zap.Error(err))
			w.startAfter = w.cursor != nil
		default:
			w.log.Error("change stream failed; reopening from last cursor", zap.Error(err))
		}
		if !w.pause(ctx) {
			break
		}
	}

	w.log.Info("watcher stopped",
		zap.Int64("events", w.events.Load()),
		zap.Int64("sessions", w.sessions.Load()))
	return nil
}

// session opens one stream and consumes it until error or cancellation.
// The stream is closed on every return path.
func (w *Watcher[T]) session(ctx context.Context) error {
	opts := options.ChangeStream().
		SetFullDocument(w.cfg.fullDocument).
		SetMaxAwaitTime(w.cfg.pollWindow)
	switch {
	case w.cursor == nil:
	case w.startAfter:
		opts.SetStartAfter(w.cursor)
	default:
		opts.SetResumeAfter(w.cursor)
	}

	stream, err := w.src.Open(ctx, w.pipeline, opts)
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), timeouts.Ping())
		defer cancel()
		if err := stream.Close(cctx); err != nil {
			w.log.Debug("close change stream", zap.Error(err))
		}
	}()
	w.sessions.Add(1)

	for {
		if stream.TryNext(ctx) {
			if err := w.deliver(ctx, stream); err != nil {
				return err
			}
			if stream.RemainingBatchLength() == 0 {
				w.advance(stream.ResumeToken())
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("change stream: %w", err)
		}
		if stream.ID() == 0 {
			// A dead cursor makes every TryNext return false at once.
			w.advance(stream.ResumeToken())
			return ErrStreamClosed
		}
		// Empty poll: the post-batch token still moves us forward.
		w.advance(stream.ResumeToken())
	}
}

// deliver decodes the current event and runs the handler on a context that
// ignores cancellation, so a stop request never interrupts a handler midway.
func (w *Watcher[T]) deliver(ctx context.Context, stream Stream) error {
	var raw rawEvent[T]
	if err := stream.Decode(&raw); err != nil {
		// A document we cannot decode will never decode; skip it.
		w.errs.Add(1)
		w.log.Error("undecodable change event skipped", zap.Error(err))
		return nil
	}

	ev := Event[T]{
		Kind:         ParseOperationKind(raw.OperationType),
		RawKind:      raw.OperationType,
		DocumentKey:  raw.DocumentKey,
		FullDocument: raw.FullDocument,
		ResumeToken:  raw.ID,
		ClusterTime:  raw.ClusterTime,
	}

	if err := w.invoke(context.WithoutCancel(ctx), ev); err != nil {
		return fmt.Errorf("handle %s event: %w", ev.Kind, err)
	}
	w.events.Add(1)
	w.lastEvent.Store(time.Now().UnixNano())
	return nil
}

func (w *Watcher[T]) invoke(ctx context.Context, ev Event[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return w.handler(ctx, ev)
}

// advance moves the cursor and checkpoints it when it changed.
func (w *Watcher[T]) advance(token bson.Raw) {
	if len(token) == 0 || bytes.Equal(token, w.cursor) {
		return
	}
	w.setCursor(token)

	if w.cfg.store == nil {
		return
	}
	ctx, cancel := timeouts.WithLookup(context.Background())
	defer cancel()
	if err := w.cfg.store.Save(ctx, w.cfg.name, w.cursor); err != nil {
		// The in-memory cursor is still current; only restarts are affected.
		w.log.Warn("checkpoint save failed", zap.Error(err))
	}
}

func (w *Watcher[T]) setCursor(token bson.Raw) {
	w.startAfter = false
	if token == nil {
		w.cursor = nil
		w.hasCursor.Store(false)
		return
	}
	w.cursor = append(bson.Raw(nil), token...)
	w.hasCursor.Store(true)
}

func (w *Watcher[T]) loadCursor(ctx context.Context) {
	if w.cfg.store == nil || w.cursor != nil {
		return
	}
	lctx, cancel := timeouts.WithLookup(ctx)
	defer cancel()
	tok, err := w.cfg.store.Load(lctx, w.cfg.name)
	if err != nil {
		w.log.Warn("checkpoint load failed; starting from now", zap.Error(err))
		return
	}
	if tok != nil {
		w.setCursor(tok)
	}
}

// pause waits retryDelay; false means ctx was cancelled meanwhile.
func (w *Watcher[T]) pause(ctx context.Context) bool {
	if w.cfg.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(w.cfg.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isResumeTokenLost(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasErrorCode(codeInvalidResumeToken) ||
		se.HasErrorCode(codeChangeStreamFatalError) ||
		se.HasErrorCode(codeChangeStreamHistoryLost)
}
