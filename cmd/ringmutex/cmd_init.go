package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviddao/ringmutex/pkg/config"
)

func cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	path := flags.String("config", filepath.Join(config.DefaultDir, "config.yaml"), "config file to write")
	force := flags.Bool("force", false, "overwrite an existing config file")
	if err := flags.Parse(args); err != nil {
		return exitError
	}

	if err := writeDefaultConfig(*path, *force); err != nil {
		fmt.Fprintf(os.Stderr, "ringmutex: init: %v\n", err)
		return exitError
	}

	cfg := config.Default()
	fmt.Printf("initialized ringmutex (config: %s)\n", *path)
	fmt.Printf("  %d agents over %s, think=%s eat=%s\n",
		cfg.Simulation.Agents, cfg.Simulation.Transport, cfg.Simulation.Think, cfg.Simulation.Eat)
	fmt.Printf("  database: %s\n", cfg.Database.Path)
	fmt.Println()
	fmt.Println("next steps:")
	fmt.Println("  ringmutex run --meals 3   # run the ring until every agent ate 3 times")
	fmt.Println("  ringmutex audit           # check the run for mutual exclusion")
	return exitOK
}

// writeDefaultConfig writes the default configuration to path. An existing
// file is kept unless force is set.
func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# ringmutex configuration. Durations use Go syntax (250ms, 1s).\n")
	buf.WriteString("# ${VAR} references are expanded from the environment.\n")
	if err := config.Default().WriteYAML(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
