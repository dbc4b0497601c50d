// Package worker models the "worker context" collaborator the datastore
// core polls for cooperative cancellation: abort requests and process
// shutdown. Long-running operations (the GC mark and sweep walks, restore
// chunk ordering) poll it at every item.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"chunkvault/internal/logging"
)

// ErrAborted is returned when the caller explicitly requested abort.
var ErrAborted = errors.New("worker: operation aborted")

// ErrShuttingDown is returned when the process is shutting down.
var ErrShuttingDown = errors.New("worker: shutting down")

// Context bundles a cancellable context.Context with a separate shutdown
// signal and a logger: the abort check, shutdown check, and logging sink a
// long-running backend operation expects from its caller.
//
// Abort is signalled through ctx and shutdown through its own channel;
// Poll checks both, and each reports its own error so callers can tell
// them apart.
type Context struct {
	ctx      context.Context
	shutdown <-chan struct{}
	logger   *slog.Logger
}

// New wraps ctx (used for abort) and shutdown (closed on process shutdown)
// into a worker Context. Either may be nil; a nil shutdown channel never
// fires.
func New(ctx context.Context, shutdown <-chan struct{}, logger *slog.Logger) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{ctx: ctx, shutdown: shutdown, logger: logger}
}

// Background returns a worker Context with no cancellation and a discard
// logger, for tests and one-off callers.
func Background() *Context {
	return New(context.Background(), nil, nil)
}

// CheckAbort returns ErrAborted if the context has been cancelled.
func (c *Context) CheckAbort() error {
	select {
	case <-c.ctx.Done():
		return ErrAborted
	default:
		return nil
	}
}

// FailOnShutdown returns ErrShuttingDown if the shutdown channel has fired.
func (c *Context) FailOnShutdown() error {
	if c.shutdown == nil {
		return nil
	}
	select {
	case <-c.shutdown:
		return ErrShuttingDown
	default:
		return nil
	}
}

// Poll is the single call site long-running loops should use between units
// of work: it checks abort first, then shutdown.
func (c *Context) Poll() error {
	if err := c.CheckAbort(); err != nil {
		return err
	}
	return c.FailOnShutdown()
}

// Ctx returns the underlying context.Context, for passing to APIs that
// expect one (e.g. rate limiters).
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Logger returns the logger attached to this worker context, never nil.
func (c *Context) Logger() *slog.Logger {
	return logging.Default(c.logger)
}
