package agent

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/ringmutex/pkg/model"
)

// Timing holds the length of the think and eat windows.
type Timing struct {
	Think time.Duration
	Eat   time.Duration
}

// Shutdown controls what an agent does with an outstanding request or a
// held critical section when its context is cancelled.
type Shutdown struct {
	Release bool          // send a final RELEASE and flush deferred grants
	Grace   time.Duration // bound on that flush
}

// Loop drives one Controller through think, request, wait, eat and
// release until its context is cancelled.
type Loop struct {
	C        *Controller
	Timing   Timing
	Meals    int    // stop cycling after this many meals; 0 cycles forever
	OnDone   func() // called once when Meals is reached
	Shutdown Shutdown
}

// Run executes the agent cycle. It returns nil once ctx ends and a
// *TransportError when the transport fails, even if ctx ended meanwhile.
// Protocol violations are logged and skipped.
//
// Inbound messages are serviced in every state: think and eat are timed
// windows during which the agent keeps answering its neighbors. An agent
// that reaches its meal target keeps serving until cancelled.
func (l *Loop) Run(ctx context.Context) error {
	err := l.cycle(ctx)
	if IsStopped(err) {
		l.shutdown(ctx)
		return nil
	}
	if ctx.Err() != nil {
		l.C.log.Error("transport failed while stopping", "err", err)
	}
	return err
}

func (l *Loop) cycle(ctx context.Context) error {
	for {
		if l.Meals > 0 && l.C.Meals() >= l.Meals {
			l.C.log.Info("meal target reached", "meals", l.C.Meals())
			if l.OnDone != nil {
				l.OnDone()
			}
			return l.serve(ctx)
		}

		l.C.Think(ctx)
		if err := l.serveFor(ctx, l.Timing.Think); err != nil {
			return err
		}
		if err := l.C.Request(ctx); err != nil {
			return err
		}
		for !l.C.Ready() {
			if err := l.step(ctx, ctx); err != nil {
				return err
			}
		}
		if err := l.C.Eat(ctx); err != nil {
			return err
		}
		if err := l.serveFor(ctx, l.Timing.Eat); err != nil {
			return err
		}
		if err := l.C.Release(ctx); err != nil {
			return err
		}
	}
}

// serveFor handles inbound messages for d, or until ctx ends.
func (l *Loop) serveFor(ctx context.Context, d time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		err := l.step(ctx, wctx)
		if err == nil {
			continue
		}
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && wctx.Err() != nil {
			return nil
		}
		return err
	}
}

// serve handles inbound messages until ctx ends.
func (l *Loop) serve(ctx context.Context) error {
	for {
		if err := l.step(ctx, ctx); err != nil {
			return err
		}
	}
}

// step receives one message under recvCtx and handles it under ctx, so a
// window that closes mid-handling never cuts off a grant or a record.
func (l *Loop) step(ctx, recvCtx context.Context) error {
	msg, err := l.C.tr.Recv(recvCtx)
	if err != nil {
		if recvCtx.Err() != nil {
			return recvCtx.Err()
		}
		if IsViolation(err) {
			l.C.log.Warn("discarding frame", "err", err)
			l.C.record(ctx, model.EventViolation, l.C.clock.Value(), 0, -1)
			return nil
		}
		return &TransportError{Agent: l.C.id, Op: "recv", Err: err}
	}
	if err := l.C.Handle(ctx, msg); err != nil && !IsViolation(err) {
		return err
	}
	return nil
}

func (l *Loop) shutdown(ctx context.Context) {
	if !l.Shutdown.Release || l.C.State() == model.Thinking {
		return
	}
	grace := l.Shutdown.Grace
	if grace <= 0 {
		grace = 250 * time.Millisecond
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := l.C.Abandon(fctx); err != nil {
		l.C.log.Warn("shutdown release failed", "err", err)
	}
}
