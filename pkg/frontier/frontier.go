// Package frontier computes the progress frontier of outstanding requests.
//
// Every pending request competes only with the pending requests of its two
// ring neighbors. A request is on the frontier when no contender holds a
// request ordered before it in the Lamport total order; those are exactly
// the requests nothing else can overtake. The frontier is an antichain of
// the contention order and is never empty while anything is pending: the
// globally smallest request is always on it, which is the progress half of
// the mutual-exclusion argument.
package frontier

import (
	"github.com/daviddao/ringmutex/pkg/clock"
	"github.com/daviddao/ringmutex/pkg/model"
)

func precedes(q, p model.PendingRequest) bool {
	return clock.TotalOrderLess(q.LamportTS, q.AgentID, p.LamportTS, p.AgentID)
}

func contends(ring model.Ring, a, b model.AgentID) bool {
	return a != b && (ring.Left(a) == b || ring.Right(a) == b)
}

// Compute returns the pending requests that no contending neighbor's
// request precedes, in input order.
func Compute(ring model.Ring, pending []model.PendingRequest) []model.PendingRequest {
	var frontier []model.PendingRequest
	for _, p := range pending {
		dominated := false
		for _, q := range pending {
			if contends(ring, p.AgentID, q.AgentID) && precedes(q, p) {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, p)
		}
	}
	return frontier
}

// Status is the frontier view of one agent.
type Status struct {
	AgentID   model.AgentID          `json:"agent_id"`
	Pending   bool                   `json:"pending"`
	OnFront   bool                   `json:"on_frontier"`
	Frontier  []model.PendingRequest `json:"frontier"`
	BlockedBy []model.PendingRequest `json:"blocked_by,omitempty"`
}

// ComputeStatus reports whether agentID's pending request is on the
// frontier and, if not, which neighbor requests it is queued behind.
func ComputeStatus(ring model.Ring, agentID model.AgentID, pending []model.PendingRequest) Status {
	st := Status{AgentID: agentID, Frontier: Compute(ring, pending)}
	var mine *model.PendingRequest
	for i := range pending {
		if pending[i].AgentID == agentID {
			mine = &pending[i]
			break
		}
	}
	if mine == nil {
		return st
	}
	st.Pending = true
	for _, q := range pending {
		if contends(ring, agentID, q.AgentID) && precedes(q, *mine) {
			st.BlockedBy = append(st.BlockedBy, q)
		}
	}
	st.OnFront = len(st.BlockedBy) == 0
	return st
}
