package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/app"
	"main/internal/eventlog"
	"main/internal/intent"
	"main/internal/ops"
	"main/internal/readmodel"
	"main/internal/venue"
	"main/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	intentPath := flag.String("intent", "", "Submit one intent from a JSON file after startup")
	mineDelay := flag.Duration("sim-mine-delay", 500*time.Millisecond, "Simulated chain mining delay")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	startProfiler()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, loaded, *intentPath, *mineDelay); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

func run(ctx context.Context, loaded ops.Loaded, intentPath string, mineDelay time.Duration) error {
	logStore, models, cleanup, err := openStores(loaded.Stores)
	if err != nil {
		return err
	}
	defer cleanup()

	chain := venue.NewSimChain(mineDelay, nil)
	adapter := venue.NewUniswapV3(loaded.VenueAdapter, chain)

	application := app.New(loaded, logStore, models, adapter)
	application.Start(ctx)
	defer application.Stop()

	server := &http.Server{Addr: loaded.GatewayListen, Handler: application.Gateway}
	go func() {
		logs.Infof("gateway listening on %s", loaded.GatewayListen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("gateway server, err: %+v", err)
		}
	}()

	if intentPath != "" {
		if err := submitFromFile(ctx, application.Manager, intentPath); err != nil {
			logs.Errorf("submit intent, err: %+v", err)
		}
	}

	<-ctx.Done()
	logs.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	snapshot := application.Metrics.Snapshot()
	logs.Infof("published=%d conflicts=%d gaps=%d invalid=%d attempts=%d",
		snapshot.Published, snapshot.SequenceConflicts, snapshot.SequenceGaps,
		snapshot.InvalidTransitions, snapshot.ExecAttempts)
	return nil
}

// openStores selects Postgres/Redis when configured, in-memory stores
// otherwise.
func openStores(cfg ops.StoresConfig) (eventlog.Store, *readmodel.Store, func(), error) {
	cleanup := func() {}

	var logStore eventlog.Store
	if cfg.PostgresDSN != "" {
		client, err := conn.NewPostgres(conn.PostgresOption{ConnString: cfg.PostgresDSN})
		if err != nil {
			return nil, nil, cleanup, err
		}
		store, err := eventlog.NewPostgresStore(client.DB())
		if err != nil {
			_ = client.Close()
			return nil, nil, cleanup, err
		}
		logStore = store
		cleanup = func() { _ = client.Close() }
	} else {
		logs.Info("no postgres DSN configured, using in-memory event log")
		logStore = eventlog.NewMemoryStore()
	}

	var kv readmodel.KV
	if cfg.RedisAddr != "" {
		client, err := conn.NewRedis(conn.RedisOption{Addr: cfg.RedisAddr})
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		kv = readmodel.NewRedisKV(client)
		prev := cleanup
		cleanup = func() {
			_ = client.Close()
			prev()
		}
	} else {
		logs.Info("no redis address configured, using in-memory read models")
		kv = readmodel.NewMemoryKV()
	}

	return logStore, readmodel.NewStore(kv), cleanup, nil
}

// submitFromFile submits one intent, the demo analog of a client call.
func submitFromFile(ctx context.Context, manager *intent.Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sub intent.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return err
	}
	id, err := manager.Submit(ctx, sub)
	if err != nil {
		return err
	}
	logs.Infof("submitted intent %s", id)
	return nil
}

// startProfiler attaches pyroscope when an endpoint is configured.
func startProfiler() {
	addr := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if addr == "" {
		return
	}
	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "intent-platform",
		ServerAddress:   addr,
	})
	if err != nil {
		logs.Warnf("pyroscope start, err: %+v", err)
	}
}
