package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/wire"
)

// ErrProtocolViolation marks an inbound message that does not conform to
// the protocol: a malformed frame, a sender that is not the neighbor on the
// stamped side, or a RESPONSE nobody asked for. Violations are logged and
// discarded; they never count as grants.
var ErrProtocolViolation = errors.New("protocol violation")

// SetupError reports a resource that could not be created before any agent
// started (pipes, the mailbox queue, the store).
type SetupError struct {
	Resource string
	Err      error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Resource, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// TransportError reports a send or receive that failed while agents were
// running. An undelivered protocol message breaks the total order every
// neighbor relies on, so it is fatal for the agent that hit it.
type TransportError struct {
	Agent model.AgentID
	Op    string
	Side  model.Side
	Err   error
}

func (e *TransportError) Error() string {
	if e.Side.Valid() {
		return fmt.Sprintf("agent %d: %s %s: %v", e.Agent, e.Op, e.Side, e.Err)
	}
	return fmt.Sprintf("agent %d: %s: %v", e.Agent, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsViolation reports whether err is a protocol violation, including
// frames the wire codec rejected.
func IsViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation) || errors.Is(err, wire.ErrMalformed)
}

// IsStopped reports whether err means the agent's context ended, not that
// its transport broke. Transports surface a send cut off by the context's
// deadline as context.DeadlineExceeded even before ctx.Err() reports it.
func IsStopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func violationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
