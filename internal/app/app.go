package app

import (
	"context"
	"sync"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/coordinator"
	"main/internal/eventlog"
	"main/internal/gateway"
	"main/internal/intent"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/orchestrator"
	"main/internal/planner"
	"main/internal/readmodel"
	"main/internal/risk"
	"main/internal/venue"
)

// App wires the execution core: bus, coordinator, planner, orchestrator,
// intent manager, and gateway around the given stores and venue adapter.
type App struct {
	Broker       *bus.Broker
	Coordinator  *coordinator.Coordinator
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator
	Manager      *intent.Manager
	Gateway      *gateway.Gateway
	Breaker      *risk.CircuitBreaker
	Metrics      *obs.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the components. Nothing runs until Start.
func New(loaded ops.Loaded, logStore eventlog.Store, models *readmodel.Store, adapter venue.Adapter) *App {
	broker := bus.NewBroker(loaded.Bus)
	metrics := obs.NewMetrics()
	broker.SetMetrics(metrics)
	breaker := risk.NewCircuitBreaker()

	coord := coordinator.New(loaded.Coordinator, broker, logStore, models, metrics)
	return &App{
		Broker:       broker,
		Coordinator:  coord,
		Planner:      planner.New(loaded.Planner, broker, planner.AdapterRoute(adapter), coord),
		Orchestrator: orchestrator.New(loaded.Orchestrator, broker, adapter, coord, metrics),
		Manager:      intent.NewManager(intent.Config{}, broker, risk.NewEngine(loaded.Risk, breaker)),
		Gateway:      gateway.New(loaded.Gateway, broker, coord),
		Breaker:      breaker,
		Metrics:      metrics,
	}
}

// Start launches the worker loops.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	for name, runner := range map[string]func(context.Context) error{
		"coordinator":  a.Coordinator.Run,
		"planner":      a.Planner.Run,
		"orchestrator": a.Orchestrator.Run,
	} {
		a.wg.Add(1)
		go func(name string, runner func(context.Context) error) {
			defer a.wg.Done()
			if err := runner(ctx); err != nil {
				logs.Errorf("%s stopped, err: %+v", name, err)
			}
		}(name, runner)
	}
}

// Stop cancels the workers, waits for in-flight envelopes, and closes
// the broker.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Broker.Close()
}
