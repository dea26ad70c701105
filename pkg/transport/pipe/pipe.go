// Package pipe is the per-link byte-stream transport: every agent owns one
// outbound OS pipe per side, and its neighbor on that side reads it.
//
// A ring of N agents therefore uses N×2 directed links, all created before
// any agent starts. Frames are the fixed 16 byte wire records, which are
// smaller than PIPE_BUF, so each write lands atomically.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/daviddao/ringmutex/pkg/agent"
	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/wire"
)

// Network owns every link of the ring.
type Network struct {
	ring      model.Ring
	endpoints []*Endpoint
	files     []*os.File
	done      chan struct{}
	readers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	log       *slog.Logger
}

// Endpoint is one agent's view of the network: a writer per side and a
// reader per side. It implements agent.Transport.
type Endpoint struct {
	id     model.AgentID
	out    [2]*os.File
	in     [2]chan inbound
	closed <-chan struct{}
}

type inbound struct {
	msg model.Message
	err error
}

// Open creates all 2N pipes and starts one reader goroutine per inbound
// link. A failure closes whatever was already created and returns an
// *agent.SetupError.
func Open(ring model.Ring, logger *slog.Logger) (*Network, error) {
	if err := ring.Validate(); err != nil {
		return nil, &agent.SetupError{Resource: "ring", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Network{
		ring: ring,
		done: make(chan struct{}),
		log:  logger.With("component", "pipe"),
	}
	for id := 0; id < ring.N; id++ {
		ep := &Endpoint{id: id, closed: n.done}
		for i := range ep.in {
			ep.in[i] = make(chan inbound)
		}
		n.endpoints = append(n.endpoints, ep)
	}

	// Agent id's outbound link on side s is the inbound link on
	// s.Opposite() of its neighbor on s.
	type readEnd struct {
		r    *os.File
		dst  *Endpoint
		side model.Side
	}
	var readEnds []readEnd
	for id := 0; id < ring.N; id++ {
		for _, s := range model.Sides {
			r, w, err := os.Pipe()
			if err != nil {
				n.closeFiles()
				return nil, &agent.SetupError{
					Resource: fmt.Sprintf("pipe %d->%d", id, ring.Neighbor(id, s)),
					Err:      err,
				}
			}
			n.files = append(n.files, r, w)
			n.endpoints[id].out[s.Index()] = w
			readEnds = append(readEnds, readEnd{r, n.endpoints[ring.Neighbor(id, s)], s.Opposite()})
		}
	}
	for _, re := range readEnds {
		n.readers.Add(1)
		go n.read(re.r, re.dst.in[re.side.Index()])
	}
	n.log.Debug("links open", "agents", ring.N, "links", 2*ring.N)
	return n, nil
}

// Endpoint returns agent id's endpoint.
func (n *Network) Endpoint(id model.AgentID) *Endpoint { return n.endpoints[id] }

// read pumps frames from one link into its channel until the link closes.
func (n *Network) read(r *os.File, ch chan<- inbound) {
	defer n.readers.Done()
	buf := make([]byte, wire.FrameSize)
	for {
		var in inbound
		if _, err := io.ReadFull(r, buf); err != nil {
			in.err = err
		} else if in.msg, err = wire.Decode(buf); err != nil {
			in.err = fmt.Errorf("%w: %v", agent.ErrProtocolViolation, err)
		}
		select {
		case ch <- in:
		case <-n.done:
			return
		}
		if in.err != nil && !agent.IsViolation(in.err) {
			return
		}
	}
}

// Close tears every link down and waits for the readers to exit. It is
// safe to call more than once.
func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		n.closeErr = n.closeFiles()
		n.readers.Wait()
		n.log.Debug("links closed")
	})
	return n.closeErr
}

func (n *Network) closeFiles() error {
	var errs []error
	for _, f := range n.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send writes one frame to the neighbor on side to. A context deadline
// bounds the write; a write it cuts off returns context.DeadlineExceeded,
// since the pipe's timer can fire before ctx.Err() reports it.
func (e *Endpoint) Send(ctx context.Context, to model.Side, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	w := e.out[to.Index()]
	deadline, hasDeadline := ctx.Deadline()
	if err := w.SetWriteDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return err
	}
	if _, err = w.Write(frame); err != nil {
		if hasDeadline && errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("write %s: %w", to, context.DeadlineExceeded)
		}
		return err
	}
	return nil
}

// Recv returns the next frame from either link. When both links have a
// frame ready the pick is random, so neither link can starve the other.
func (e *Endpoint) Recv(ctx context.Context) (model.Message, error) {
	var in inbound
	select {
	case in = <-e.in[model.Left.Index()]:
	case in = <-e.in[model.Right.Index()]:
	case <-e.closed:
		return model.Message{}, os.ErrClosed
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
	return in.msg, in.err
}

var _ agent.Transport = (*Endpoint)(nil)
