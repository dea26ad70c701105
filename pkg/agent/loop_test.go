package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/ringmutex/pkg/model"
)

// memNet delivers through one buffered inbox per agent, which keeps every
// link FIFO.
type memNet struct {
	ring    model.Ring
	inboxes []chan model.Message
}

func newMemNet(ring model.Ring) *memNet {
	n := &memNet{ring: ring}
	for i := 0; i < ring.N; i++ {
		n.inboxes = append(n.inboxes, make(chan model.Message, 256))
	}
	return n
}

type memEndpoint struct {
	net *memNet
	id  model.AgentID
}

func (n *memNet) endpoint(id model.AgentID) *memEndpoint { return &memEndpoint{net: n, id: id} }

func (e *memEndpoint) Send(ctx context.Context, to model.Side, msg model.Message) error {
	select {
	case e.net.inboxes[e.net.ring.Neighbor(e.id, to)] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *memEndpoint) Recv(ctx context.Context) (model.Message, error) {
	select {
	case m := <-e.net.inboxes[e.id]:
		return m, nil
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
}

// safetyMonitor fails the test if two neighbors are ever recorded eating
// at once.
type safetyMonitor struct {
	t      *testing.T
	ring   model.Ring
	mu     sync.Mutex
	eating map[model.AgentID]bool
	meals  map[model.AgentID]int
}

func newSafetyMonitor(t *testing.T, ring model.Ring) *safetyMonitor {
	return &safetyMonitor{t: t, ring: ring, eating: map[model.AgentID]bool{}, meals: map[model.AgentID]int{}}
}

func (m *safetyMonitor) Record(_ context.Context, e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Kind {
	case model.EventEat:
		if m.eating[m.ring.Left(e.AgentID)] || m.eating[m.ring.Right(e.AgentID)] {
			m.t.Errorf("agent %d eats next to an eating neighbor", e.AgentID)
		}
		m.eating[e.AgentID] = true
		m.meals[e.AgentID]++
	case model.EventRelease, model.EventAbandon:
		m.eating[e.AgentID] = false
	}
	return nil
}

func runRing(t *testing.T, ring model.Ring, meals int) *safetyMonitor {
	t.Helper()
	net := newMemNet(ring)
	mon := newSafetyMonitor(t, ring)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var remaining atomic.Int32
	remaining.Store(int32(ring.N))
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < ring.N; id++ {
		c, err := New(Config{ID: id, Ring: ring, Transport: net.endpoint(id), Recorder: mon})
		require.NoError(t, err)
		l := &Loop{
			C:      c,
			Timing: Timing{Think: time.Millisecond, Eat: time.Millisecond},
			Meals:  meals,
			OnDone: func() {
				if remaining.Add(-1) == 0 {
					cancel()
				}
			},
			Shutdown: Shutdown{Release: true, Grace: 50 * time.Millisecond},
		}
		g.Go(func() error { return l.Run(gctx) })
	}
	require.NoError(t, g.Wait())
	require.False(t, errors.Is(ctx.Err(), context.DeadlineExceeded), "ring did not finish its meals in time")
	return mon
}

func TestLoop_FiveAgentsAllEat(t *testing.T) {
	mon := runRing(t, model.Ring{N: 5}, 5)
	for id := 0; id < 5; id++ {
		assert.GreaterOrEqual(t, mon.meals[id], 5, "agent %d", id)
	}
}

func TestLoop_TwoAgentsAllEat(t *testing.T) {
	mon := runRing(t, model.Ring{N: 2}, 4)
	assert.GreaterOrEqual(t, mon.meals[0], 4)
	assert.GreaterOrEqual(t, mon.meals[1], 4)
}

func TestLoop_CancelReturnsNil(t *testing.T) {
	net := newMemNet(ring5)
	c, err := New(Config{ID: 0, Ring: ring5, Transport: net.endpoint(0)})
	require.NoError(t, err)
	l := &Loop{C: c, Timing: Timing{Think: time.Millisecond, Eat: time.Millisecond}, Shutdown: Shutdown{Release: true}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	// Nobody answers, so agent 0 waits until cancelled and then withdraws.
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, model.Thinking, c.State())

	var releases int
	for len(net.inboxes[1]) > 0 {
		if m := <-net.inboxes[1]; m.Kind == model.Release {
			releases++
		}
	}
	assert.Equal(t, 1, releases, "right neighbor sees the withdrawal")
}

// A send cut off by the context's deadline before ctx.Err() reports it is
// a shutdown, not a transport failure.
func TestLoop_DeadlineCutSendIsShutdown(t *testing.T) {
	tr := &fakeTransport{failSends: 100, sendErr: fmt.Errorf("write right: %w", context.DeadlineExceeded)}
	rec := &eventLog{}
	c, err := New(Config{ID: 0, Ring: ring5, Transport: tr, Recorder: rec})
	require.NoError(t, err)
	l := &Loop{C: c, Timing: Timing{Think: time.Millisecond}, Shutdown: Shutdown{Release: true}}

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, model.Thinking, c.State(), "the request is withdrawn")
	assert.Contains(t, rec.kinds(), model.EventAbandon)
}

// stopThenFail cancels the agent's context from inside a send and then
// fails the send for a reason of its own.
type stopThenFail struct {
	fakeTransport
	cancel context.CancelFunc
}

func (s *stopThenFail) Send(context.Context, model.Side, model.Message) error {
	s.cancel()
	return io.ErrClosedPipe
}

func TestLoop_TransportFailureDuringCancelIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(Config{ID: 0, Ring: ring5, Transport: &stopThenFail{cancel: cancel}})
	require.NoError(t, err)
	l := &Loop{C: c, Timing: Timing{Think: time.Millisecond}}

	err = l.Run(ctx)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Error(t, ctx.Err())
}

type brokenTransport struct{ fakeTransport }

func (b *brokenTransport) Recv(context.Context) (model.Message, error) {
	return model.Message{}, errors.New("link closed")
}

func TestLoop_RecvFailureIsFatal(t *testing.T) {
	c, err := New(Config{ID: 0, Ring: ring5, Transport: &brokenTransport{}})
	require.NoError(t, err)
	l := &Loop{C: c, Timing: Timing{Think: time.Second, Eat: time.Second}}

	err = l.Run(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "recv", te.Op)
}

type garbledTransport struct {
	fakeTransport
	frames int
}

func (g *garbledTransport) Recv(ctx context.Context) (model.Message, error) {
	if g.frames > 0 {
		g.frames--
		return model.Message{}, ErrProtocolViolation
	}
	return g.fakeTransport.Recv(ctx)
}

func TestLoop_ViolationsAreSkipped(t *testing.T) {
	rec := &eventLog{}
	c, err := New(Config{ID: 0, Ring: ring5, Transport: &garbledTransport{frames: 3}, Recorder: rec})
	require.NoError(t, err)
	l := &Loop{C: c, Timing: Timing{Think: time.Hour}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Run(ctx))

	violations := 0
	for _, k := range rec.kinds() {
		if k == model.EventViolation {
			violations++
		}
	}
	assert.Equal(t, 3, violations)
}
