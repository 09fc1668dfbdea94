package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"main/internal/bus"
	"main/internal/coordinator"
	"main/internal/eventlog"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/readmodel"
	"main/pkg/conn"
)

// Rebuilds a correlation's read models from the durable log and prints
// them, optionally verifying against the stored models first.
func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	correlationID := flag.String("correlation", "", "Correlation id to rebuild (intent-<id>)")
	verify := flag.Bool("verify", true, "Compare the rebuilt intent model against the stored one")
	flag.Parse()

	if *correlationID == "" {
		log.Fatal("missing -correlation")
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if loaded.Stores.PostgresDSN == "" || loaded.Stores.RedisAddr == "" {
		log.Fatal("replay requires postgres and redis stores")
	}

	pg, err := conn.NewPostgres(conn.PostgresOption{ConnString: loaded.Stores.PostgresDSN})
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}
	defer pg.Close()
	logStore, err := eventlog.NewPostgresStore(pg.DB())
	if err != nil {
		log.Fatalf("event log init failed: %v", err)
	}

	redisClient, err := conn.NewRedis(conn.RedisOption{Addr: loaded.Stores.RedisAddr})
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer redisClient.Close()
	models := readmodel.NewStore(readmodel.NewRedisKV(redisClient))

	broker := bus.NewBroker(loaded.Bus)
	defer broker.Close()
	coord := coordinator.New(loaded.Coordinator, broker, logStore, models, obs.NewMetrics())

	ctx := context.Background()
	intentID := coordinator.IntentIDOf(*correlationID)

	var before *readmodel.Intent
	if *verify {
		stored, err := models.GetIntent(ctx, intentID)
		if err == nil {
			before = &stored
		}
	}

	state, err := coord.Rebuild(ctx, *correlationID)
	if err != nil {
		log.Fatalf("rebuild failed: %v", err)
	}

	if before != nil {
		if before.State != state.Intent.State || before.LastSequence != state.Intent.LastSequence {
			log.Fatalf("rebuild mismatch: stored %s@%d, rebuilt %s@%d",
				before.State, before.LastSequence, state.Intent.State, state.Intent.LastSequence)
		}
		fmt.Println("verify: stored and rebuilt models agree")
	}

	dump, err := json.MarshalIndent(state.Intent, "", "  ")
	if err != nil {
		log.Fatalf("encode failed: %v", err)
	}
	fmt.Println(string(dump))
	for _, plan := range state.Plans {
		dump, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			log.Fatalf("encode failed: %v", err)
		}
		fmt.Println(string(dump))
	}
}
