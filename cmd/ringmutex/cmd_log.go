package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/store"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	runID := flags.String("run", "", "run ID or prefix (default: latest)")
	agentID := flags.Int("agent", -1, "only events of this agent")
	kind := flags.String("kind", "", "filter by event kind")
	since := flags.Int64("since", 0, "only events with ID greater than this")
	limit := flags.Int("limit", 50, "max events to return (-1 = all)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	run, err := a.resolveRun(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: log: %v\n", err)
		return exitError
	}
	f := store.EventFilter{
		RunID:   run.ID,
		Kind:    model.EventKind(*kind),
		SinceID: *since,
		Limit:   *limit,
	}
	if *agentID >= 0 {
		f.AgentID = agentID
	}

	events, err := a.store.ListEvents(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: log: %v\n", err)
		return exitError
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"run_id": run.ID, "events": events, "count": len(events)})
		return exitOK
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return exitOK
	}
	for _, e := range events {
		fmt.Println(formatEvent(e))
	}
	return exitOK
}

// formatEvent renders one event as a log line.
func formatEvent(e model.Event) string {
	prefix := fmt.Sprintf("#%-5d [ts=%d] agent %d", e.ID, e.LamportTS, e.AgentID)
	switch e.Kind {
	case model.EventGrant:
		return fmt.Sprintf("%s grants %s to %d", prefix, e.Side, e.Peer)
	case model.EventDefer:
		return fmt.Sprintf("%s defers %s grant to %d", prefix, e.Side, e.Peer)
	case model.EventGranted:
		return fmt.Sprintf("%s granted %s by %d", prefix, e.Side, e.Peer)
	case model.EventPurge:
		return fmt.Sprintf("%s purges %s request of %d", prefix, e.Side, e.Peer)
	case model.EventViolation:
		if e.Peer >= 0 {
			return fmt.Sprintf("%s discarded message from %d", prefix, e.Peer)
		}
		return fmt.Sprintf("%s discarded malformed frame", prefix)
	default:
		return fmt.Sprintf("%s %s", prefix, e.Kind)
	}
}
