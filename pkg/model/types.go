// Package model defines the core domain types for ringmutex.
//
// Ringmutex simulates N agents seated on a ring. Every agent repeatedly
// needs exclusive use of the two resources it shares with its immediate
// neighbors (the classic dining philosophers table) and obtains them with
// a fully decentralized protocol built on two ideas:
//
//   - Lamport clocks (1978): every message carries a logical timestamp;
//     on receipt the clock advances to max(own, received) + 1. Ties are
//     broken by agent ID, giving a deterministic total order on requests
//     with no central coordinator.
//
//   - Ricart-Agrawala (1981): an agent asks its contenders directly with
//     REQUEST, a contender grants with RESPONSE or defers the grant until
//     its own critical section is over, and RELEASE retires the request.
package model

import (
	"fmt"
	"time"
)

// AgentID identifies an agent on the ring, in [0, N).
type AgentID = int

// Side names one of the two resources an agent contends for, seen from
// that agent. An agent's RIGHT resource is its right neighbor's LEFT one.
type Side uint8

const (
	Left  Side = 1
	Right Side = 2
)

// Sides lists both sides in a fixed order.
var Sides = [2]Side{Left, Right}

// Valid reports whether s is Left or Right.
func (s Side) Valid() bool { return s == Left || s == Right }

// Opposite returns the other side. A resource that is my Right one is my
// right neighbor's Left one, so a message sent over my Right link is
// stamped Left for its recipient.
func (s Side) Opposite() Side {
	if s == Left {
		return Right
	}
	return Left
}

// Index maps Left to 0 and Right to 1, for per-side arrays.
func (s Side) Index() int { return int(s) - 1 }

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide is the inverse of Side.String.
func ParseSide(s string) (Side, error) {
	switch s {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// Kind enumerates protocol message kinds.
type Kind uint8

const (
	Request  Kind = 1
	Response Kind = 2
	Release  Kind = 3
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool { return k >= Request && k <= Release }

func (k Kind) String() string {
	switch k {
	case Request:
		return "REQUEST"
	case Response:
		return "RESPONSE"
	case Release:
		return "RELEASE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Message is a protocol message. Side is the contested resource from the
// recipient's perspective.
type Message struct {
	Sender    AgentID `json:"sender"`
	Timestamp int64   `json:"timestamp"`
	Kind      Kind    `json:"kind"`
	Side      Side    `json:"side"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s{from=%d ts=%d side=%s}", m.Kind, m.Sender, m.Timestamp, m.Side)
}

// State is the phase of an agent's mutual-exclusion state machine.
type State uint8

const (
	Thinking State = iota
	Requesting
	Waiting
	Eating
)

func (s State) String() string {
	switch s {
	case Thinking:
		return "thinking"
	case Requesting:
		return "requesting"
	case Waiting:
		return "waiting"
	case Eating:
		return "eating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Ring is the fixed topology: N agents, each contending only with its two
// immediate neighbors.
type Ring struct {
	N int `json:"n"`
}

// Validate checks that the ring can host the protocol.
func (r Ring) Validate() error {
	if r.N < 2 {
		return fmt.Errorf("ring needs at least 2 agents, got %d", r.N)
	}
	return nil
}

// Contains reports whether id is a seat on the ring.
func (r Ring) Contains(id AgentID) bool { return id >= 0 && id < r.N }

// Left returns the id of id's left neighbor.
func (r Ring) Left(id AgentID) AgentID { return (id - 1 + r.N) % r.N }

// Right returns the id of id's right neighbor.
func (r Ring) Right(id AgentID) AgentID { return (id + 1) % r.N }

// Neighbor returns the neighbor of id on the given side.
func (r Ring) Neighbor(id AgentID, side Side) AgentID {
	if side == Left {
		return r.Left(id)
	}
	return r.Right(id)
}

// EventKind enumerates the types of events in the protocol event log.
type EventKind string

const (
	EventThink     EventKind = "think"
	EventRequest   EventKind = "request"
	EventGrant     EventKind = "grant"
	EventDefer     EventKind = "defer"
	EventGranted   EventKind = "granted"
	EventPurge     EventKind = "purge"
	EventEat       EventKind = "eat"
	EventRelease   EventKind = "release"
	EventAbandon   EventKind = "abandon"
	EventViolation EventKind = "violation"
)

// Event is a single entry in the append-only protocol event log. Peer is
// the neighbor involved (or -1), Side the resource from AgentID's view.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	AgentID   AgentID   `json:"agent_id"`
	LamportTS int64     `json:"lamport_ts"`
	Kind      EventKind `json:"kind"`
	Side      string    `json:"side,omitempty"`
	Peer      AgentID   `json:"peer"`
	CreatedAt time.Time `json:"created_at"`
}

// Run describes one simulation run.
type Run struct {
	ID         string     `json:"id"`
	Agents     int        `json:"agents"`
	Transport  string     `json:"transport"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// PendingRequest is an issued request not yet retired by a RELEASE.
type PendingRequest struct {
	AgentID   AgentID `json:"agent_id"`
	LamportTS int64   `json:"lamport_ts"`
}
