package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/daviddao/ringmutex/pkg/config"
	"github.com/daviddao/ringmutex/pkg/frontier"
	"github.com/daviddao/ringmutex/pkg/model"
)

// agentStatus is the per-agent view of a run shown by status.
type agentStatus struct {
	ID        model.AgentID   `json:"id"`
	Meals     int             `json:"meals"`
	Frontier  frontier.Status `json:"frontier"`
	RequestTS int64           `json:"request_ts,omitempty"`
}

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	runID := flags.String("run", "", "run ID or prefix to detail (default: latest)")
	limit := flags.Int("limit", 5, "number of recent runs to list")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	runs, err := a.store.ListRuns(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: status: %v\n", err)
		return exitError
	}
	if len(runs) == 0 && *runID == "" {
		if *jsonOut {
			printJSON(map[string]interface{}{"runs": runs})
		} else {
			fmt.Println("no runs recorded (try: ringmutex run --meals 3)")
		}
		return exitOK
	}

	run, err := a.resolveRun(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: status: %v\n", err)
		return exitError
	}
	agents, err := a.agentStatuses(run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: status: %v\n", err)
		return exitError
	}
	events := a.store.CountEvents(run.ID)
	var depth int64
	if run.Transport == config.TransportMailbox {
		depth = a.store.MailboxDepth(run.ID)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"runs":          runs,
			"run":           run,
			"agents":        agents,
			"events":        events,
			"mailbox_depth": depth,
		})
		return exitOK
	}

	fmt.Println("runs:")
	for _, r := range runs {
		marker := ""
		if r.ID == run.ID {
			marker = " <--"
		}
		fmt.Printf("  %s %s  %2d agents  %-8s %-10s started %s%s\n",
			runIndicator(r.Status), shortID(r.ID), r.Agents, r.Transport, r.Status,
			humanize.Time(r.StartedAt), marker)
	}

	fmt.Printf("run %s: %s events\n", shortID(run.ID), humanize.Comma(events))
	for _, as := range agents {
		fmt.Println("  " + agentLine(as))
	}
	if run.Transport == config.TransportMailbox && run.Status == model.RunRunning {
		fmt.Printf("mailbox: %d frame(s) in flight\n", depth)
	}
	return exitOK
}

// agentStatuses combines meal counts and pending requests of run into one
// entry per agent.
func (a *app) agentStatuses(run *model.Run) ([]agentStatus, error) {
	meals, err := a.store.MealCounts(run.ID)
	if err != nil {
		return nil, err
	}
	pending, err := a.store.PendingRequests(run.ID)
	if err != nil {
		return nil, err
	}
	ring := model.Ring{N: run.Agents}
	out := make([]agentStatus, run.Agents)
	for id := range out {
		out[id] = agentStatus{ID: id, Meals: meals[id], Frontier: frontier.ComputeStatus(ring, id, pending)}
		for _, p := range pending {
			if p.AgentID == id {
				out[id].RequestTS = p.LamportTS
			}
		}
	}
	return out, nil
}

// agentLine renders one agent of the status view.
func agentLine(as agentStatus) string {
	line := fmt.Sprintf("agent %-3d meals=%-4d", as.ID, as.Meals)
	fs := as.Frontier
	switch {
	case !fs.Pending:
		return line + " idle"
	case fs.OnFront:
		return line + fmt.Sprintf(" requesting ts=%d %s", as.RequestTS, color.GreenString("on frontier"))
	default:
		ids := make([]string, len(fs.BlockedBy))
		for i, b := range fs.BlockedBy {
			ids[i] = fmt.Sprintf("%d@%d", b.AgentID, b.LamportTS)
		}
		return line + fmt.Sprintf(" requesting ts=%d %s %s",
			as.RequestTS, color.YellowString("behind"), strings.Join(ids, ","))
	}
}

// runIndicator returns a short text indicator for a run status.
func runIndicator(status string) string {
	switch status {
	case model.RunRunning:
		return "[~]"
	case model.RunCompleted:
		return "[+]"
	case model.RunFailed:
		return "[x]"
	default:
		return "[-]"
	}
}
