// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"

	"github.com/lakerail/lakerail/internal/executor"
	"github.com/lakerail/lakerail/internal/logging"
	"github.com/lakerail/lakerail/internal/metrics"
	"github.com/lakerail/lakerail/internal/notify"
	"github.com/lakerail/lakerail/internal/objectstore"
)

type Config struct {
	Logging     logging.Config
	Store       objectstore.Config
	Executor    executor.Config
	Notify      notify.Config
	Metrics     metrics.Config
	Lock        LockConfig
	Query       QueryConfig
	RelationSpec string
}

type LockConfig struct {
	// URL is a docstore URL for the lock table, e.g.
	// "dynamodb://lakerail-locks?partition_key=lock_id&region=us-east-1"
	// or "mem://locks/lock_id" for testing.
	URL string
}

type QueryConfig struct {
	Endpoint string
}

// MustLoad reads configuration from environment variables, applying defaults
// where a variable is unset.
func MustLoad() Config {
	return Config{
		Logging: logging.Config{
			Format: getenvDefault("LOG_FORMAT", "json"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Store: objectstore.Config{
			Backend:  getenvDefault("STORE_BACKEND", "s3"),
			Endpoint: os.Getenv("STORE_ENDPOINT"),
			Region:   getenvDefault("STORE_REGION", "us-east-1"),
			LocalDir: getenvDefault("STORE_LOCAL_DIR", "./data"),
		},
		Executor: executor.Config{
			Mode:           getenvDefault("EXECUTOR_MODE", "noop"),
			Endpoint:       os.Getenv("EXECUTOR_ENDPOINT"),
			TimeoutSeconds: parseInt(getenvDefault("EXECUTOR_TIMEOUT_SECONDS", "0")),
		},
		Notify: notify.Config{
			Mode:     getenvDefault("NOTIFY_MODE", "noop"),
			Endpoint: os.Getenv("NOTIFY_ENDPOINT"),
		},
		Metrics: metrics.Config{
			Enabled:   os.Getenv("METRICS_ENABLED") == "true",
			Address:   getenvDefault("METRICS_ADDRESS", ":9090"),
			Namespace: getenvDefault("METRICS_NAMESPACE", "lakerail"),
		},
		Lock: LockConfig{
			URL: os.Getenv("LOCK_TABLE_URL"),
		},
		Query: QueryConfig{
			Endpoint: os.Getenv("QUERY_ENDPOINT"),
		},
		RelationSpec: getenvDefault("RELATION_SPEC", "relation.yaml"),
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseInt(v string) int {
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return parsed
}
