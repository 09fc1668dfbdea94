package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/bus"
	"main/internal/coordinator"
	"main/internal/gateway"
	"main/internal/orchestrator"
	"main/internal/planner"
	"main/internal/risk"
	"main/internal/venue"
	"main/pkg/backoff"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Bus     BusConfig     `json:"bus"`
	Risk    risk.Config   `json:"risk"`
	Planner PlannerConfig `json:"planner"`
	Exec    ExecConfig    `json:"exec"`
	Venue   VenueConfig   `json:"venue"`
	Gateway GatewayConfig `json:"gateway"`
	Stores  StoresConfig  `json:"stores"`
}

// BusConfig holds broker knobs.
type BusConfig struct {
	DedupWindowSeconds int `json:"dedupWindowSeconds"`
	AckTimeoutSeconds  int `json:"ackTimeoutSeconds"`
}

// PlannerConfig holds planner knobs.
type PlannerConfig struct {
	RouteTimeoutMS  int64  `json:"routeTimeoutMs"`
	RouteRetries    int    `json:"routeRetries"`
	EstimatedCost   string `json:"estimatedCost"`
	EstimatedStepMS int64  `json:"estimatedStepMs"`
}

// ExecConfig holds orchestrator and coordinator knobs.
type ExecConfig struct {
	MaxAttempts           int   `json:"maxAttempts"`
	AwaitReceiptTimeoutMS int64 `json:"awaitReceiptTimeoutMs"`
	GapWindow             int   `json:"gapWindow"`
	GapTimeoutSeconds     int   `json:"gapTimeoutSeconds"`
}

// VenueConfig describes the venue adapter.
type VenueConfig struct {
	Name      string             `json:"name"`
	ChainID   uint64             `json:"chainId"`
	RPCURL    string             `json:"rpcUrl"`
	Recipient string             `json:"recipient"`
	Pools     []venue.PoolConfig `json:"pools"`
}

// GatewayConfig holds gateway knobs.
type GatewayConfig struct {
	Listen     string `json:"listen"`
	QueueDepth int    `json:"queueDepth"`
}

// StoresConfig points at the durable backends. Empty DSNs select the
// in-memory implementations.
type StoresConfig struct {
	PostgresDSN string `json:"postgresDsn"`
	RedisAddr   string `json:"redisAddr"`
}

// Loaded is the resolved configuration ready for wiring.
type Loaded struct {
	Bus           bus.Config
	Risk          risk.Config
	Planner       planner.Config
	Orchestrator  orchestrator.Config
	Coordinator   coordinator.Config
	Gateway       gateway.Config
	GatewayListen string
	Venue         VenueConfig
	VenueAdapter  venue.Config
	Stores        StoresConfig
}

// Load reads a JSON config file, applies env overrides, and resolves
// defaults. An empty path yields the defaults.
func Load(path string) (Loaded, error) {
	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, err
		}
	}
	applyEnv(&cfg)
	return resolve(cfg)
}

// applyEnv lets the environment override the secrets and endpoints.
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Venue.RPCURL = v
	}
	if v := os.Getenv("RECIPIENT_ADDRESS"); v != "" {
		cfg.Venue.Recipient = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Stores.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Stores.RedisAddr = v
	}
}

func resolve(cfg FileConfig) (Loaded, error) {
	loaded := Loaded{
		Bus:          bus.DefaultConfig(),
		Risk:         cfg.Risk,
		Planner:      planner.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Coordinator:  coordinator.DefaultConfig(),
		Gateway:      gateway.DefaultConfig(),
		Venue:        cfg.Venue,
		Stores:       cfg.Stores,
	}

	if cfg.Bus.DedupWindowSeconds > 0 {
		loaded.Bus.DedupWindow = time.Duration(cfg.Bus.DedupWindowSeconds) * time.Second
	}
	if cfg.Bus.AckTimeoutSeconds > 0 {
		loaded.Bus.AckTimeout = time.Duration(cfg.Bus.AckTimeoutSeconds) * time.Second
	}

	if cfg.Planner.RouteTimeoutMS > 0 {
		loaded.Planner.RouteTimeout = time.Duration(cfg.Planner.RouteTimeoutMS) * time.Millisecond
	}
	if cfg.Planner.RouteRetries > 0 {
		loaded.Planner.RouteRetries = cfg.Planner.RouteRetries
	}
	if cfg.Planner.EstimatedStepMS > 0 {
		loaded.Planner.EstimatedStepMS = cfg.Planner.EstimatedStepMS
	}
	if cfg.Planner.EstimatedCost != "" {
		cost, err := decimal.NewFromString(cfg.Planner.EstimatedCost)
		if err != nil {
			return Loaded{}, fmt.Errorf("invalid planner estimatedCost: %w", err)
		}
		loaded.Planner.EstimatedCost = cost
	}

	if cfg.Exec.MaxAttempts > 0 {
		loaded.Orchestrator.MaxAttempts = cfg.Exec.MaxAttempts
	}
	if cfg.Exec.AwaitReceiptTimeoutMS > 0 {
		loaded.Orchestrator.AwaitReceiptTimeout = time.Duration(cfg.Exec.AwaitReceiptTimeoutMS) * time.Millisecond
	}
	loaded.Orchestrator.Retry = backoff.Default()
	if cfg.Exec.GapWindow > 0 {
		loaded.Coordinator.GapWindow = cfg.Exec.GapWindow
	}
	if cfg.Exec.GapTimeoutSeconds > 0 {
		loaded.Coordinator.GapTimeout = time.Duration(cfg.Exec.GapTimeoutSeconds) * time.Second
	}

	if cfg.Gateway.QueueDepth > 0 {
		loaded.Gateway.QueueDepth = cfg.Gateway.QueueDepth
	}

	if loaded.Venue.Name == "" {
		loaded.Venue.Name = venue.VenueUniswapV3
	}
	if loaded.Venue.Name != venue.VenueUniswapV3 {
		return Loaded{}, fmt.Errorf("unsupported venue: %s", loaded.Venue.Name)
	}
	if loaded.Venue.Recipient == "" {
		return Loaded{}, fmt.Errorf("venue recipient is empty")
	}
	loaded.Planner.Venue = loaded.Venue.Name
	loaded.Planner.Recipient = loaded.Venue.Recipient
	loaded.VenueAdapter = venue.Config{
		ChainID: loaded.Venue.ChainID,
		Pools:   loaded.Venue.Pools,
	}

	loaded.GatewayListen = cfg.Gateway.Listen
	if loaded.GatewayListen == "" {
		loaded.GatewayListen = ":8080"
	}
	return loaded, nil
}
