// Package params loads the engine's process tunables — ports, timer
// intervals, admission thresholds, data directories — from environment
// variables and an optional .env file. The asset/market catalogue is
// structured nested data and is loaded separately via
// pkg/market.LoadRegistry (viper), not through this package.
package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Admission holds the downstream-queue thresholds behind the admission
// gate.
type Admission struct {
	MaxPendingOperlog int
	MaxPendingHistory int
	MaxPendingMessage int
}

// Timers holds the periodic-task intervals.
type Timers struct {
	DepthCacheTimeout time.Duration
	SliceInterval     time.Duration
	SliceKeepTime     time.Duration
}

// Storage holds connection strings and data directories for the operlog,
// history, and snapshot stores.
type Storage struct {
	OperlogDSN  string
	HistoryDSN  string
	SnapshotDir string
	HistoryHashNum uint64
	HistoryWorkers int
}

// Node holds process-level settings: listen addresses, the asset/market
// catalogue path, and the process log file.
type Node struct {
	APIAddr       string
	AdminAddr     string
	CatalogueFile string
	LogFile       string
	SourceMaxLen  int
}

type Config struct {
	Node      Node
	Admission Admission
	Timers    Timers
	Storage   Storage
}

// Default returns the built-in defaults; every field can be overridden
// from the environment.
func Default() Config {
	return Config{
		Node: Node{
			APIAddr:       ":8080",
			AdminAddr:     ":8081",
			CatalogueFile: "config/catalogue.yaml",
			LogFile:       "data/matchcore.log",
			SourceMaxLen:  64,
		},
		Admission: Admission{
			MaxPendingOperlog: 100,
			MaxPendingHistory: 1000,
			MaxPendingMessage: 1000,
		},
		Timers: Timers{
			DepthCacheTimeout: 450 * time.Millisecond,
			SliceInterval:     10 * time.Minute,
			SliceKeepTime:     72 * time.Hour,
		},
		Storage: Storage{
			OperlogDSN:     "postgres://localhost/matchcore?sslmode=disable",
			HistoryDSN:     "postgres://localhost/matchcore?sslmode=disable",
			SnapshotDir:    "data/snapshots",
			HistoryHashNum: 16,
			HistoryWorkers: 4,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("ADMIN_ADDR"); v != "" {
		cfg.Node.AdminAddr = v
	}
	if v := os.Getenv("CATALOGUE_FILE"); v != "" {
		cfg.Node.CatalogueFile = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("SOURCE_MAX_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.SourceMaxLen = n
		}
	}

	if v := os.Getenv("MAX_PENDING_OPERLOG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.MaxPendingOperlog = n
		}
	}
	if v := os.Getenv("MAX_PENDING_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.MaxPendingHistory = n
		}
	}
	if v := os.Getenv("MAX_PENDING_MESSAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.MaxPendingMessage = n
		}
	}

	if v := os.Getenv("DEPTH_CACHE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.DepthCacheTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SLICE_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.SliceInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SLICE_KEEPTIME_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timers.SliceKeepTime = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("OPERLOG_DSN"); v != "" {
		cfg.Storage.OperlogDSN = v
	}
	if v := os.Getenv("HISTORY_DSN"); v != "" {
		cfg.Storage.HistoryDSN = v
	}
	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		cfg.Storage.SnapshotDir = v
	}
	if v := os.Getenv("HISTORY_HASH_NUM"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Storage.HistoryHashNum = n
		}
	}
	if v := os.Getenv("HISTORY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.HistoryWorkers = n
		}
	}

	return cfg
}
