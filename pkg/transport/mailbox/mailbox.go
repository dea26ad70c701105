// Package mailbox is the system-wide queue transport: every agent has one
// mailbox, addressed by its id, in a queue shared by the whole ring.
// Neighbors on both sides enqueue into it and the owner drains it by
// polling.
//
// The queue is the store's mailbox table, so frames survive in the
// database until dequeued and a crashed run can be inspected. Ordering is
// FIFO per mailbox, which keeps each link in order.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daviddao/ringmutex/pkg/agent"
	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/store"
	"github.com/daviddao/ringmutex/pkg/wire"
)

// DefaultPollInterval is used when Open is given a non-positive interval.
const DefaultPollInterval = 5 * time.Millisecond

// batch is how many frames one poll may take.
const batch = 16

// Network is one run's set of mailboxes.
type Network struct {
	q     store.MailboxQueue
	runID string
	ring  model.Ring
	poll  time.Duration
	log   *slog.Logger
}

// Open claims a fresh queue for runID, dropping anything left behind under
// the same id. Failures are *agent.SetupError.
func Open(ctx context.Context, q store.MailboxQueue, runID string, ring model.Ring, poll time.Duration, logger *slog.Logger) (*Network, error) {
	if err := ring.Validate(); err != nil {
		return nil, &agent.SetupError{Resource: "ring", Err: err}
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	stale, err := q.PurgeMailbox(ctx, runID)
	if err != nil {
		return nil, &agent.SetupError{Resource: "mailbox " + runID, Err: err}
	}
	n := &Network{q: q, runID: runID, ring: ring, poll: poll, log: logger.With("component", "mailbox")}
	n.log.Debug("mailboxes open", "run", runID, "agents", ring.N, "stale", stale)
	return n, nil
}

// Endpoint returns agent id's endpoint.
func (n *Network) Endpoint(id model.AgentID) *Endpoint {
	return &Endpoint{n: n, id: id}
}

// Close removes the run's queue, dropping undelivered frames.
func (n *Network) Close() error {
	dropped, err := n.q.PurgeMailbox(context.Background(), n.runID)
	if err != nil {
		return fmt.Errorf("purge mailbox %s: %w", n.runID, err)
	}
	if dropped > 0 {
		n.log.Debug("dropped undelivered frames", "count", dropped)
	}
	return nil
}

// Endpoint is one agent's mailbox plus the addresses of its neighbors. It
// implements agent.Transport. An Endpoint is used by one goroutine.
type Endpoint struct {
	n       *Network
	id      model.AgentID
	pending [][]byte
}

// Send enqueues a frame in the mailbox of the neighbor on side to. An
// enqueue that fails once ctx has ended, including one the driver reports
// as an interrupted statement, returns the context error.
func (e *Endpoint) Send(ctx context.Context, to model.Side, msg model.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	err = e.n.q.Enqueue(ctx, e.n.runID, e.n.ring.Neighbor(e.id, to), e.id, frame)
	if err != nil {
		if cerr := ctxEnded(ctx); cerr != nil {
			return fmt.Errorf("enqueue %s: %w", to, cerr)
		}
	}
	return err
}

// ctxEnded returns ctx's error, or context.DeadlineExceeded once its
// deadline has passed but its timer has not yet cancelled it.
func ctxEnded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

// Recv returns the next frame in this agent's mailbox, polling until one
// arrives or ctx ends. Both neighbors share the mailbox, so frames come
// out in arrival order and neither link can starve the other.
func (e *Endpoint) Recv(ctx context.Context) (model.Message, error) {
	for len(e.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return model.Message{}, err
		}
		// Dequeue is not cancelled mid-flight: frames it removed must end
		// up in pending, not be lost to an expired window.
		frames, err := e.n.q.Dequeue(context.WithoutCancel(ctx), e.n.runID, e.id, batch)
		if err != nil {
			return model.Message{}, err
		}
		if len(frames) > 0 {
			e.pending = frames
			break
		}
		t := time.NewTimer(e.n.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return model.Message{}, ctx.Err()
		case <-t.C:
		}
	}
	frame := e.pending[0]
	e.pending = e.pending[1:]
	msg, err := wire.Decode(frame)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %v", agent.ErrProtocolViolation, err)
	}
	return msg, nil
}

var _ agent.Transport = (*Endpoint)(nil)
