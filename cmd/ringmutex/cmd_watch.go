package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/store"
)

func (a *app) cmdWatch(args []string) int {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	runID := flags.String("run", "", "run ID or prefix (default: latest)")
	interval := flags.Duration("interval", 500*time.Millisecond, "poll interval")
	since := flags.Int64("since", -1, "start after this event ID (-1 = current end of log)")
	jsonOut := flags.Bool("json", false, "JSON output (one JSON object per line)")
	if err := flags.Parse(args); err != nil {
		return exitError
	}
	if *interval <= 0 {
		fmt.Fprintln(os.Stderr, "ringmutex: watch: --interval must be positive")
		return exitError
	}

	run, err := a.resolveRun(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: watch: %v\n", err)
		return exitError
	}
	cursor := *since
	if cursor < 0 {
		cursor = a.store.MaxEventID(run.ID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "watching run %s (poll every %s, ctrl-c to stop)\n", shortID(run.ID), *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nstopped")
			return exitOK
		case <-ticker.C:
			next, n, err := a.watchOnce(run.ID, cursor, *jsonOut)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ringmutex: watch: %v\n", err)
				continue
			}
			cursor = next
			if n > 0 {
				continue
			}
			// The log is drained; stop once the run is over.
			if r, err := a.store.GetRun(run.ID); err == nil && r.Status != model.RunRunning {
				fmt.Fprintf(os.Stderr, "run %s %s\n", shortID(run.ID), r.Status)
				return exitOK
			}
		}
	}
}

// watchOnce prints the events of runID after cursor and returns the new
// cursor and how many events were printed.
func (a *app) watchOnce(runID string, cursor int64, jsonOut bool) (int64, int, error) {
	events, err := a.store.ListEvents(store.EventFilter{RunID: runID, SinceID: cursor, Limit: 500})
	if err != nil {
		return cursor, 0, err
	}
	for _, e := range events {
		if jsonOut {
			b, _ := json.Marshal(e)
			fmt.Println(string(b))
		} else {
			fmt.Println(formatEvent(e))
		}
		if e.ID > cursor {
			cursor = e.ID
		}
	}
	return cursor, len(events), nil
}
