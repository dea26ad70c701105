package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/daviddao/ringmutex/pkg/audit"
	"github.com/daviddao/ringmutex/pkg/config"
	"github.com/daviddao/ringmutex/pkg/logging"
	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/sim"
)

func (a *app) cmdRun(args []string) int {
	sc := a.cfg.Simulation
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	agents := flags.Int("agents", sc.Agents, "number of agents on the ring")
	transport := flags.String("transport", sc.Transport, "transport: pipe or mailbox")
	think := flags.Duration("think", sc.Think, "think window")
	eat := flags.Duration("eat", sc.Eat, "eat window")
	meals := flags.Int("meals", sc.Meals, "stop once every agent ate this often (0 = until stopped)")
	duration := flags.Duration("duration", 0, "stop after this long (0 = no limit)")
	policy := flags.String("policy", a.cfg.Failure.Policy, "send failure policy: abort or retry")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	cfg := *a.cfg
	cfg.Simulation.Agents = *agents
	cfg.Simulation.Transport = *transport
	cfg.Simulation.Meals = *meals
	cfg.Failure.Policy = *policy
	config.SetDuration(*think, &cfg.Simulation.Think, &cfg.Simulation.ThinkRaw)
	config.SetDuration(*eat, &cfg.Simulation.Eat, &cfg.Simulation.EatRaw)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: run: %v\n", err)
		return exitError
	}
	if *meals == 0 && *duration == 0 && !*jsonOut {
		fmt.Fprintln(os.Stderr, "running until interrupted (ctrl-c to stop)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	res, runErr := sim.Run(ctx, &cfg, a.store, logger)
	if res == nil {
		fmt.Fprintf(os.Stderr, "ringmutex: run: %v\n", runErr)
		return exitCode(runErr)
	}

	events, err := a.store.AllEvents(res.RunID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: run: reading events: %v\n", err)
		return exitError
	}
	report := audit.Check(model.Ring{N: res.Agents}, events)

	if *jsonOut {
		out := map[string]interface{}{
			"result": res,
			"audit":  report,
		}
		if runErr != nil {
			out["error"] = runErr.Error()
		}
		printJSON(out)
	} else {
		printRunSummary(res, report)
	}

	switch {
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "ringmutex: run: %v\n", runErr)
		return exitCode(runErr)
	case !report.OK():
		return exitViolation
	}
	return exitOK
}

func printRunSummary(res *sim.Result, report *audit.Report) {
	total := 0
	for _, n := range res.Meals {
		total += n
	}
	fmt.Printf("run %s: %d agents, %d meals in %s\n",
		shortID(res.RunID), res.Agents, total, res.Duration.Round(time.Millisecond))
	for id := 0; id < res.Agents; id++ {
		fmt.Printf("  agent %-3d meals=%d\n", id, res.Meals[id])
	}
	if report.OK() {
		fmt.Printf("audit: %s (%d events)\n", color.GreenString("ok"), report.Events)
	} else {
		fmt.Printf("audit: %s, %d overlapping critical sections\n",
			color.RedString("VIOLATION"), len(report.Violations))
	}
}
