// Package agent implements the per-agent mutual-exclusion state machine and
// the loop that drives it.
//
// A Controller owns one agent's Lamport clock, its pending-request queue
// and its deferred grants. It is driven from a single goroutine: the Loop
// feeds it inbound messages and calls Request, Eat and Release as the
// agent cycles THINKING -> REQUESTING -> WAITING -> EATING -> THINKING.
// Nothing in a Controller is shared with other goroutines, so it takes no
// locks.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/ringmutex/pkg/clock"
	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/pending"
	"github.com/daviddao/ringmutex/pkg/retry"
)

// Config wires a Controller.
type Config struct {
	ID        model.AgentID
	Ring      model.Ring
	Transport Transport
	Recorder  Recorder     // nil records nothing
	Logger    *slog.Logger // nil uses slog.Default()
	Retry     *retry.Config // nil aborts on the first failed send
}

// deferredGrant is a RESPONSE withheld until this agent's critical
// section ends.
type deferredGrant struct {
	side      model.Side
	peer      model.AgentID
	timestamp int64
}

// Controller is one agent's mutual-exclusion state machine.
type Controller struct {
	id    model.AgentID
	ring  model.Ring
	clock clock.Clock
	queue *pending.Queue

	tr    Transport
	rec   Recorder
	log   *slog.Logger
	retry *retry.Config

	state     model.State
	requestTS int64
	grants    [2]int
	deferred  []deferredGrant
	meals     int
}

// New returns a THINKING controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Ring.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Ring.Contains(cfg.ID) {
		return nil, fmt.Errorf("agent %d is not on a ring of %d", cfg.ID, cfg.Ring.N)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("agent %d: nil transport", cfg.ID)
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = NopRecorder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		id:    cfg.ID,
		ring:  cfg.Ring,
		queue: pending.New(),
		tr:    cfg.Transport,
		rec:   rec,
		log:   logger.With("agent", cfg.ID),
		retry: cfg.Retry,
		state: model.Thinking,
	}, nil
}

// ID returns the agent id.
func (c *Controller) ID() model.AgentID { return c.id }

// State returns the current state.
func (c *Controller) State() model.State { return c.state }

// Clock returns the current Lamport clock value.
func (c *Controller) Clock() int64 { return c.clock.Value() }

// Meals returns how many critical sections the agent has completed or
// entered.
func (c *Controller) Meals() int { return c.meals }

// Pending returns a snapshot of the pending-request queue in order.
func (c *Controller) Pending() []pending.Entry { return c.queue.Entries() }

// Deferred returns how many grants are currently withheld.
func (c *Controller) Deferred() int { return len(c.deferred) }

// Think records the start of a think window.
func (c *Controller) Think(ctx context.Context) {
	c.log.Debug("thinking", "clock", c.clock.Value())
	c.record(ctx, model.EventThink, c.clock.Value(), 0, -1)
}

// Request issues a REQUEST to both neighbors under one tick and moves to
// WAITING. Both own entries are queued before anything is sent.
func (c *Controller) Request(ctx context.Context) error {
	if c.state != model.Thinking {
		return fmt.Errorf("agent %d: request while %s", c.id, c.state)
	}
	c.state = model.Requesting
	ts := c.clock.Tick()
	c.requestTS = ts
	c.grants = [2]int{}
	for _, s := range model.Sides {
		c.queue.Insert(pending.Entry{Timestamp: ts, Sender: c.id, Side: s})
	}
	c.log.Info("requests", "ts", ts)
	c.record(ctx, model.EventRequest, ts, 0, -1)

	for _, s := range model.Sides {
		if err := c.send(ctx, s, model.Request, ts); err != nil {
			return err
		}
	}
	c.state = model.Waiting
	return nil
}

// Handle processes one inbound message. A returned error wrapping
// ErrProtocolViolation means the message was discarded and the controller
// is unchanged; any other error is a TransportError from a grant send.
func (c *Controller) Handle(ctx context.Context, msg model.Message) error {
	if err := c.validate(msg); err != nil {
		c.log.Warn("discarding message", "msg", msg.String(), "err", err)
		c.record(ctx, model.EventViolation, c.clock.Value(), msg.Side, msg.Sender)
		return err
	}
	c.clock.Merge(msg.Timestamp)

	switch msg.Kind {
	case model.Request:
		return c.onRequest(ctx, msg)
	case model.Response:
		return c.onResponse(ctx, msg)
	case model.Release:
		c.onRelease(ctx, msg)
	}
	return nil
}

func (c *Controller) validate(msg model.Message) error {
	if !msg.Kind.Valid() || !msg.Side.Valid() {
		return violationf("kind %d side %d", msg.Kind, msg.Side)
	}
	if want := c.ring.Neighbor(c.id, msg.Side); msg.Sender != want {
		return violationf("%s from %d, %s neighbor is %d", msg.Kind, msg.Sender, msg.Side, want)
	}
	if msg.Timestamp < 0 {
		return violationf("negative timestamp %d", msg.Timestamp)
	}
	if msg.Kind == model.Response {
		if c.state != model.Waiting {
			return violationf("unsolicited RESPONSE from %d while %s", msg.Sender, c.state)
		}
		if c.grants[msg.Side.Index()] > 0 {
			return violationf("duplicate RESPONSE from %d for %s", msg.Sender, msg.Side)
		}
	}
	return nil
}

func (c *Controller) onRequest(ctx context.Context, msg model.Message) error {
	c.queue.Insert(pending.Entry{Timestamp: msg.Timestamp, Sender: msg.Sender, Side: msg.Side})

	grant := false
	switch c.state {
	case model.Thinking:
		grant = true
	case model.Requesting, model.Waiting:
		grant = clock.TotalOrderLess(msg.Timestamp, msg.Sender, c.requestTS, c.id)
	case model.Eating:
		grant = false
	}
	if grant {
		return c.respond(ctx, msg.Side, msg.Sender)
	}
	c.deferred = append(c.deferred, deferredGrant{side: msg.Side, peer: msg.Sender, timestamp: msg.Timestamp})
	c.log.Debug("deferred grant", "peer", msg.Sender, "side", msg.Side, "their_ts", msg.Timestamp, "my_ts", c.requestTS)
	c.record(ctx, model.EventDefer, c.clock.Value(), msg.Side, msg.Sender)
	return nil
}

func (c *Controller) onResponse(ctx context.Context, msg model.Message) error {
	c.grants[msg.Side.Index()]++
	c.log.Debug("granted", "peer", msg.Sender, "side", msg.Side)
	c.record(ctx, model.EventGranted, c.clock.Value(), msg.Side, msg.Sender)
	return nil
}

func (c *Controller) onRelease(ctx context.Context, msg model.Message) {
	n := c.queue.Purge(msg.Sender, msg.Side)

	// A released request no longer needs the grant we were holding for it.
	kept := c.deferred[:0]
	for _, d := range c.deferred {
		if d.peer == msg.Sender && d.side == msg.Side && d.timestamp <= msg.Timestamp {
			continue
		}
		kept = append(kept, d)
	}
	c.deferred = kept

	c.log.Debug("purge", "peer", msg.Sender, "side", msg.Side, "removed", n)
	c.record(ctx, model.EventPurge, c.clock.Value(), msg.Side, msg.Sender)
}

// Ready reports whether the agent may enter its critical section: it is
// WAITING, holds a grant for each side, and its own two requests are the
// front of its queue.
func (c *Controller) Ready() bool {
	return c.state == model.Waiting &&
		c.grants[model.Left.Index()] > 0 &&
		c.grants[model.Right.Index()] > 0 &&
		c.queue.FrontTwoBelongTo(c.id)
}

// Eat enters the critical section. The caller must have checked Ready.
func (c *Controller) Eat(ctx context.Context) error {
	if !c.Ready() {
		return fmt.Errorf("agent %d: eat while not admitted (%s)", c.id, c.state)
	}
	c.state = model.Eating
	c.meals++
	c.log.Info("eating", "ts", c.requestTS, "meal", c.meals)
	c.record(ctx, model.EventEat, c.clock.Value(), 0, -1)
	return nil
}

// Release leaves the critical section: it retires both own entries, sends
// RELEASE to both neighbors carrying the original request timestamp,
// flushes every deferred grant in arrival order and returns to THINKING.
func (c *Controller) Release(ctx context.Context) error {
	if c.state != model.Eating {
		return fmt.Errorf("agent %d: release while %s", c.id, c.state)
	}
	c.log.Info("releases", "ts", c.requestTS)
	return c.retire(ctx, model.EventRelease)
}

// Abandon withdraws an outstanding request or ends a critical section
// early, on shutdown. Neighbors see an ordinary RELEASE. It is a no-op
// while THINKING.
func (c *Controller) Abandon(ctx context.Context) error {
	if c.state == model.Thinking {
		return nil
	}
	c.log.Info("abandons request", "ts", c.requestTS, "state", c.state)
	return c.retire(ctx, model.EventAbandon)
}

func (c *Controller) retire(ctx context.Context, kind model.EventKind) error {
	for _, s := range model.Sides {
		c.queue.Purge(c.id, s)
	}
	// Recorded before the RELEASE leaves so that a neighbor's next eat is
	// always logged after it.
	c.record(ctx, kind, c.clock.Value(), 0, -1)

	deferred := c.deferred
	c.deferred = nil
	c.grants = [2]int{}
	c.state = model.Thinking

	var firstErr error
	for _, s := range model.Sides {
		c.clock.Tick()
		if err := c.send(ctx, s, model.Release, c.requestTS); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, d := range deferred {
		if err := c.respond(ctx, d.side, d.peer); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) respond(ctx context.Context, side model.Side, peer model.AgentID) error {
	ts := c.clock.Tick()
	c.log.Debug("grant", "peer", peer, "side", side, "ts", ts)
	c.record(ctx, model.EventGrant, ts, side, peer)
	return c.send(ctx, side, model.Response, ts)
}

// send delivers a message to the neighbor on my side to, stamped with the
// side as that neighbor sees it. A send cut off by ctx returns the context
// error as is; any other failure is a *TransportError.
func (c *Controller) send(ctx context.Context, to model.Side, kind model.Kind, ts int64) error {
	msg := model.Message{Sender: c.id, Timestamp: ts, Kind: kind, Side: to.Opposite()}
	op := func() error { return c.tr.Send(ctx, to, msg) }

	var err error
	if c.retry != nil {
		err = retry.Do(ctx, *c.retry, func(err error) bool { return ctx.Err() == nil && !IsStopped(err) }, op)
	} else {
		err = op()
	}
	if IsStopped(err) {
		return err
	}
	if err != nil {
		return &TransportError{Agent: c.id, Op: "send " + kind.String(), Side: to, Err: err}
	}
	return nil
}

func (c *Controller) record(ctx context.Context, kind model.EventKind, ts int64, side model.Side, peer model.AgentID) {
	e := model.Event{
		AgentID:   c.id,
		LamportTS: ts,
		Kind:      kind,
		Peer:      peer,
		CreatedAt: time.Now().UTC(),
	}
	if side.Valid() {
		e.Side = side.String()
	}
	if err := c.rec.Record(ctx, e); err != nil {
		c.log.Warn("record event failed", "kind", kind, "err", err)
	}
}
