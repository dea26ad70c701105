package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/daviddao/ringmutex/pkg/audit"
	"github.com/daviddao/ringmutex/pkg/model"
)

func (a *app) cmdAudit(args []string) int {
	flags := flag.NewFlagSet("audit", flag.ContinueOnError)
	runID := flags.String("run", "", "run ID or prefix (default: latest)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	run, err := a.resolveRun(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: audit: %v\n", err)
		return exitError
	}
	events, err := a.store.AllEvents(run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: audit: %v\n", err)
		return exitError
	}
	report := audit.Check(model.Ring{N: run.Agents}, events)

	if *jsonOut {
		printJSON(map[string]interface{}{"run": run, "report": report, "ok": report.OK()})
	} else {
		printReport(run, report)
	}
	if !report.OK() {
		return exitViolation
	}
	return exitOK
}

func printReport(run *model.Run, report *audit.Report) {
	fmt.Printf("run %s (%s, %d agents, %s): %d events\n",
		shortID(run.ID), run.Transport, run.Agents, run.Status, report.Events)
	for _, ar := range report.Agents {
		outstanding := ""
		if ar.Outstanding {
			outstanding = " outstanding"
		}
		fmt.Printf("  agent %-3d requests=%-4d meals=%-4d abandoned=%-3d max_overtakes=%d%s\n",
			ar.ID, ar.Requests, ar.Meals, ar.Abandoned, ar.MaxOvertakes, outstanding)
	}
	if report.ProtocolViolations > 0 {
		fmt.Printf("protocol violations discarded: %d\n", report.ProtocolViolations)
	}
	if report.OK() {
		fmt.Println("mutual exclusion:", color.GreenString("ok"))
		return
	}
	fmt.Println("mutual exclusion:", color.RedString("VIOLATED"))
	for _, v := range report.Violations {
		fmt.Printf("  agents %d and %d ate together (events %s and %s)\n",
			v.A.Agent, v.B.Agent, intervalString(v.A), intervalString(v.B))
	}
}

func intervalString(iv audit.Interval) string {
	if iv.Open() {
		return fmt.Sprintf("%d..", iv.Start)
	}
	return fmt.Sprintf("%d..%d", iv.Start, iv.End)
}
