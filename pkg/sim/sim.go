// Package sim supervises a ring simulation: it builds the topology, opens
// the configured transport, runs one agent loop per seat and tears it all
// down again.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/ringmutex/pkg/agent"
	"github.com/daviddao/ringmutex/pkg/config"
	"github.com/daviddao/ringmutex/pkg/model"
	"github.com/daviddao/ringmutex/pkg/retry"
	"github.com/daviddao/ringmutex/pkg/store"
	"github.com/daviddao/ringmutex/pkg/transport/mailbox"
	"github.com/daviddao/ringmutex/pkg/transport/pipe"
)

var _ agent.Recorder = (*store.RunRecorder)(nil)

// Result describes a finished run.
type Result struct {
	RunID    string                `json:"run_id"`
	Agents   int                   `json:"agents"`
	Meals    map[model.AgentID]int `json:"meals"`
	Duration time.Duration         `json:"duration"`
	// Completed is true when every agent reached its meal target.
	Completed bool `json:"completed"`
}

// network is what both transports provide to the supervisor.
type network struct {
	endpoint func(model.AgentID) agent.Transport
	close    func() error
}

func openNetwork(ctx context.Context, cfg *config.Config, st store.StoreInterface, runID string, ring model.Ring, logger *slog.Logger) (*network, error) {
	switch cfg.Simulation.Transport {
	case config.TransportPipe:
		n, err := pipe.Open(ring, logger)
		if err != nil {
			return nil, err
		}
		return &network{
			endpoint: func(id model.AgentID) agent.Transport { return n.Endpoint(id) },
			close:    n.Close,
		}, nil
	case config.TransportMailbox:
		n, err := mailbox.Open(ctx, st, runID, ring, cfg.Mailbox.PollInterval, logger)
		if err != nil {
			return nil, err
		}
		return &network{
			endpoint: func(id model.AgentID) agent.Transport { return n.Endpoint(id) },
			close:    n.Close,
		}, nil
	}
	return nil, &agent.SetupError{Resource: "transport", Err: fmt.Errorf("unknown transport %q", cfg.Simulation.Transport)}
}

// Run executes one simulation and records it in st. It returns when ctx is
// cancelled, when every agent reached cfg.Simulation.Meals (if set), or
// when an agent fails. Setup failures are *agent.SetupError and fatal
// transport failures are *agent.TransportError; in both cases Result is
// still returned when a run was created.
func Run(ctx context.Context, cfg *config.Config, st store.StoreInterface, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ring := model.Ring{N: cfg.Simulation.Agents}
	if err := ring.Validate(); err != nil {
		return nil, &agent.SetupError{Resource: "ring", Err: err}
	}

	started := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String(),
		Agents:    ring.N,
		Transport: cfg.Simulation.Transport,
		StartedAt: started,
		Status:    model.RunRunning,
	}
	if err := st.CreateRun(run); err != nil {
		return nil, &agent.SetupError{Resource: "store", Err: err}
	}
	log := logger.With("run", run.ID[:8])
	res := &Result{RunID: run.ID, Agents: ring.N, Meals: make(map[model.AgentID]int)}

	finish := func(err error) (*Result, error) {
		res.Duration = time.Since(started)
		status := model.RunCompleted
		if err != nil {
			status = model.RunFailed
		}
		if ferr := st.FinishRun(run.ID, status); ferr != nil {
			log.Warn("finish run failed", "err", ferr)
		}
		return res, err
	}

	net, err := openNetwork(ctx, cfg, st, run.ID, ring, log)
	if err != nil {
		return finish(err)
	}

	var sendRetry *retry.Config
	if cfg.Failure.Policy == config.PolicyRetry {
		sendRetry = &retry.Config{
			MaxRetries: cfg.Failure.MaxRetries,
			BaseDelay:  cfg.Failure.BaseDelay,
			MaxDelay:   cfg.Failure.MaxDelay,
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		remaining = ring.N
	)
	onDone := func() {
		mu.Lock()
		defer mu.Unlock()
		remaining--
		if remaining == 0 {
			log.Info("all agents reached their meal target")
			res.Completed = true
			cancel()
		}
	}

	controllers := make([]*agent.Controller, ring.N)
	for id := 0; id < ring.N; id++ {
		c, err := agent.New(agent.Config{
			ID:        id,
			Ring:      ring,
			Transport: net.endpoint(id),
			Recorder:  st.Recorder(run.ID),
			Logger:    log,
			Retry:     sendRetry,
		})
		if err != nil {
			net.close()
			return finish(&agent.SetupError{Resource: fmt.Sprintf("agent %d", id), Err: err})
		}
		controllers[id] = c
	}

	log.Info("run started", "agents", ring.N, "transport", cfg.Simulation.Transport,
		"think", cfg.Simulation.Think, "eat", cfg.Simulation.Eat, "meals", cfg.Simulation.Meals)

	g, gctx := errgroup.WithContext(runCtx)
	for _, c := range controllers {
		l := &agent.Loop{
			C:        c,
			Timing:   agent.Timing{Think: cfg.Simulation.Think, Eat: cfg.Simulation.Eat},
			Meals:    cfg.Simulation.Meals,
			OnDone:   onDone,
			Shutdown: agent.Shutdown{Release: cfg.Shutdown.Release, Grace: cfg.Shutdown.Grace},
		}
		g.Go(func() error { return l.Run(gctx) })
	}
	runErr := g.Wait()
	cancel()

	if err := net.close(); err != nil {
		log.Warn("transport teardown failed", "err", err)
	}
	for _, c := range controllers {
		res.Meals[c.ID()] = c.Meals()
	}

	var te *agent.TransportError
	if errors.As(runErr, &te) {
		log.Error("agent failed", "agent", te.Agent, "err", te.Err)
	}
	log.Info("run finished", "meals", res.Meals, "err", runErr)
	return finish(runErr)
}
