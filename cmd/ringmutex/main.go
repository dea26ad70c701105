// Command ringmutex runs rings of agents that share one resource with each
// neighbor under the Ricart-Agrawala protocol, records every protocol step
// in SQLite and audits the recorded runs for mutual exclusion.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitViolation = 2
	exitTransport = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("ringmutex", version)
		return
	case "init":
		// init must work before a config or database exists.
		os.Exit(cmdInit(os.Args[2:]))
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	case "run":
		os.Exit(a.cmdRun(os.Args[2:]))
	case "audit":
		os.Exit(a.cmdAudit(os.Args[2:]))
	case "log":
		os.Exit(a.cmdLog(os.Args[2:]))
	case "status":
		os.Exit(a.cmdStatus(os.Args[2:]))
	case "watch":
		os.Exit(a.cmdWatch(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "ringmutex: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'ringmutex --help' for usage.")
		os.Exit(exitError)
	}
}

func printUsage() {
	fmt.Print(`ringmutex - Ricart-Agrawala mutual exclusion on a ring

Each agent shares one resource with its left and right neighbor and eats
only while holding both. Lamport clocks order competing requests.

Usage:
  ringmutex <command> [flags]

Setup:
  init [--force]            Write .ringmutex/config.yaml with defaults

Commands:
  run [--agents N]          Run a ring until Ctrl-C, --duration or --meals
      [--transport T]       pipe (default) or mailbox
      [--think D --eat D]   Think and eat windows
      [--policy P]          Send failure policy: abort or retry
  audit [--run ID]          Check a recorded run for neighbors eating together
  log [--run ID]            Query the protocol event log
  status                    Recent runs, meals per agent, request frontier
  watch [--run ID]          Stream events as they are recorded

Environment:
  RINGMUTEX_CONFIG  Config file (default: .ringmutex/config.yaml if present)
  RINGMUTEX_DB      SQLite database path (default: .ringmutex/ringmutex.db)

Run IDs may be abbreviated to any unique prefix; the latest run is the
default. All commands except init and watch support --json.

Exit codes:
  0  success
  1  setup or usage error
  2  audit found neighbors eating at the same time
  3  fatal transport failure
`)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ringmutex: "+format+"\n", args...)
	os.Exit(exitError)
}
