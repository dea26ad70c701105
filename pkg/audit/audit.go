// Package audit checks a recorded protocol event log after the fact.
//
// The safety check rests on how agents record: an agent logs "eat" only
// after it was admitted and logs "release" (or "abandon") before its
// RELEASE leaves. A neighbor's admission is causally after that RELEASE,
// so in a correct run the row IDs of two neighbors' eat intervals never
// interleave. Any overlap is a mutual-exclusion violation.
package audit

import (
	"math"
	"sort"

	"github.com/daviddao/ringmutex/pkg/model"
)

// Interval is one critical section, as event row IDs. End is math.MaxInt64
// for a critical section still open when the log ends.
type Interval struct {
	Agent model.AgentID `json:"agent"`
	Start int64         `json:"start"`
	End   int64         `json:"end"`
}

// Open reports whether the interval never ended.
func (iv Interval) Open() bool { return iv.End == math.MaxInt64 }

func (iv Interval) overlaps(o Interval) bool {
	return iv.Start < o.End && o.Start < iv.End
}

// Violation is a pair of neighbors caught eating at the same time.
type Violation struct {
	A Interval `json:"a"`
	B Interval `json:"b"`
}

// AgentReport summarizes one agent's run.
type AgentReport struct {
	ID          model.AgentID `json:"id"`
	Requests    int           `json:"requests"`
	Meals       int           `json:"meals"`
	Abandoned   int           `json:"abandoned"`
	Outstanding bool          `json:"outstanding"`
	// MaxOvertakes is the most neighbor meals that started between one of
	// this agent's requests and its eat.
	MaxOvertakes int `json:"max_overtakes"`
}

// Report is the outcome of Check.
type Report struct {
	Agents             []AgentReport `json:"agents"`
	Violations         []Violation   `json:"violations,omitempty"`
	ProtocolViolations int           `json:"protocol_violations"`
	Events             int           `json:"events"`
}

// OK reports whether no two neighbors ever ate at once.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Check audits the event log of a run on ring.
func Check(ring model.Ring, events []model.Event) *Report {
	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rep := &Report{Events: len(sorted)}
	agents := make([]AgentReport, ring.N)
	for i := range agents {
		agents[i].ID = i
	}
	intervals := make([][]Interval, ring.N)
	open := make([]int, ring.N) // index into intervals[id], or -1
	waitingSince := make([]int64, ring.N)
	for i := range waitingSince {
		open[i] = -1
		waitingSince[i] = -1
	}
	var eatStarts []Interval // every eat in log order, for overtake counting

	for _, e := range sorted {
		if !ring.Contains(e.AgentID) {
			continue
		}
		a := &agents[e.AgentID]
		switch e.Kind {
		case model.EventRequest:
			a.Requests++
			a.Outstanding = true
			waitingSince[e.AgentID] = e.ID
		case model.EventEat:
			a.Meals++
			iv := Interval{Agent: e.AgentID, Start: e.ID, End: math.MaxInt64}
			intervals[e.AgentID] = append(intervals[e.AgentID], iv)
			open[e.AgentID] = len(intervals[e.AgentID]) - 1
			if since := waitingSince[e.AgentID]; since >= 0 {
				if n := overtakes(ring, e.AgentID, since, e.ID, eatStarts); n > a.MaxOvertakes {
					a.MaxOvertakes = n
				}
			}
			waitingSince[e.AgentID] = -1
			eatStarts = append(eatStarts, iv)
		case model.EventRelease, model.EventAbandon:
			if e.Kind == model.EventAbandon {
				a.Abandoned++
			}
			if k := open[e.AgentID]; k >= 0 {
				intervals[e.AgentID][k].End = e.ID
				open[e.AgentID] = -1
			}
			a.Outstanding = false
			waitingSince[e.AgentID] = -1
		case model.EventViolation:
			rep.ProtocolViolations++
		}
	}
	rep.Agents = agents

	for id := 0; id < ring.N; id++ {
		right := ring.Right(id)
		if ring.N == 2 && id == 1 {
			break // the only pair was checked from 0
		}
		for _, x := range intervals[id] {
			for _, y := range intervals[right] {
				if x.overlaps(y) {
					rep.Violations = append(rep.Violations, Violation{A: x, B: y})
				}
			}
		}
	}
	return rep
}

func overtakes(ring model.Ring, id model.AgentID, from, to int64, eats []Interval) int {
	n := 0
	for i := len(eats) - 1; i >= 0 && eats[i].Start > from; i-- {
		if eats[i].Start < to && (eats[i].Agent == ring.Left(id) || eats[i].Agent == ring.Right(id)) {
			n++
		}
	}
	return n
}
