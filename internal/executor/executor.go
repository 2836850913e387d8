// Package executor defines the transform executor contract: the external
// compute engine that reads raw source files, applies the relation's
// transforms, and writes partitioned output tagged with the batch ID.
package executor

import (
	"context"
	"log/slog"

	"github.com/lakerail/lakerail/internal/relation"
)

// LoadRequest describes one transform invocation. The executor reads every
// source path, applies the relation's casting and null-reject rules, tags
// rows with the batch ID, and writes partitioned output to the target
// location.
type LoadRequest struct {
	Relation         string            `json:"relation"`
	BatchID          string            `json:"batch_id"`
	SourcePaths      []string          `json:"source_paths"`
	SourceFormat     string            `json:"source_format"`
	TargetLocation   string            `json:"target_location"`
	Columns          []relation.Column `json:"columns,omitempty"`
	PartitionColumns []string          `json:"partition_columns,omitempty"`
	EstimatedBytes   uint64            `json:"estimated_bytes"`
	FileCount        int               `json:"file_count"`
	PartitionTarget  int               `json:"partition_target"`
	CapacityUnits    int               `json:"capacity_units,omitempty"`
}

// Executor drives the external compute engine. Load blocks until the engine
// either completes or fails; the caller owns the engine session and only
// forwards a handle.
type Executor interface {
	Load(ctx context.Context, req LoadRequest) error
}

// Config selects and configures the executor client.
type Config struct {
	Mode     string // "http" | "noop"
	Endpoint string
	// TimeoutSeconds bounds one load call. Zero means no client timeout;
	// transform jobs routinely run for many minutes.
	TimeoutSeconds int
}

// New creates an executor client based on configuration.
func New(cfg Config) Executor {
	switch cfg.Mode {
	case "http":
		return NewHTTPExecutor(cfg)
	default:
		slog.Info("transform executor disabled, using no-op client")
		return &noopExecutor{}
	}
}

// noopExecutor logs the request and reports success. Used when the engine is
// driven out-of-band.
type noopExecutor struct{}

func (n *noopExecutor) Load(ctx context.Context, req LoadRequest) error {
	slog.Info("noop executor load",
		"relation", req.Relation,
		"batch_id", req.BatchID,
		"files", req.FileCount,
		"estimated_bytes", req.EstimatedBytes,
	)
	return nil
}
