// Package relation defines the source-to-target relation vocabulary shared by
// the batch control engine: the relation spec, source file records, diff
// strategy selection, and the storage path layout for state and control logs.
package relation

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileRecord describes one source object as seen by a listing or inventory
// query.
type FileRecord struct {
	Key  string `json:"key" yaml:"key"`
	Size uint64 `json:"size" yaml:"size"`
}

// Column describes one column of the relation schema.
type Column struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// DiffStrategy selects how the set of not-yet-loaded files is computed.
type DiffStrategy int

const (
	// StrategyDefault resolves to API when no inventory table is configured
	// and streaming inventory is disabled, otherwise to the inventory query.
	StrategyDefault DiffStrategy = iota
	// StrategyAPI lists the source prefix and anti-joins client-side against
	// the control ledger.
	StrategyAPI
	// StrategyS3Inventory anti-joins against a batch inventory snapshot
	// server-side.
	StrategyS3Inventory
	// StrategyStreamingInventory anti-joins against a streaming inventory,
	// deduplicated by sequence number.
	StrategyStreamingInventory
)

func (s DiffStrategy) String() string {
	switch s {
	case StrategyAPI:
		return "api"
	case StrategyS3Inventory:
		return "s3-inventory"
	case StrategyStreamingInventory:
		return "streaming-inventory"
	default:
		return "default"
	}
}

// ParseDiffStrategy converts the configured strategy name.
func ParseDiffStrategy(s string) (DiffStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return StrategyDefault, nil
	case "api":
		return StrategyAPI, nil
	case "s3-inventory", "s3":
		return StrategyS3Inventory, nil
	case "streaming-inventory", "streaming":
		return StrategyStreamingInventory, nil
	default:
		return StrategyDefault, fmt.Errorf("unknown diff strategy %q", s)
	}
}

// Spec is the immutable per-run description of a relation.
type Spec struct {
	// DeploymentID scopes all state paths for one deployment.
	DeploymentID string `yaml:"deployment_id"`
	// Name is the dotted full relation name, e.g. "prod.ecommerce.v1.orders".
	Name string `yaml:"name"`

	// SourceBucket is "bucket" or "bucket/prefix" holding the raw files.
	SourceBucket string `yaml:"source_bucket"`
	// TargetBucket is "bucket" or "bucket/prefix" the executor writes to.
	TargetBucket string `yaml:"target_bucket"`
	// StateBucket holds the state object and control logs.
	StateBucket string `yaml:"state_bucket"`
	// TempBucket holds transient query results.
	TempBucket string `yaml:"temp_bucket"`

	SourceFormat     string   `yaml:"source_format"`
	Columns          []Column `yaml:"columns"`
	PartitionColumns []string `yaml:"partition_columns"`

	// ControlTable is the "database.table" reference of the control ledger.
	ControlTable string `yaml:"control_table"`

	DiffStrategy            string `yaml:"diff_strategy"`
	InventoryTable          string `yaml:"inventory_table"`
	StreamingInventory      bool   `yaml:"streaming_inventory"`
	StreamingInventoryTable string `yaml:"streaming_inventory_table"`

	NotifyTarget     string `yaml:"notify_target"`
	MetricsNamespace string `yaml:"metrics_namespace"`

	// CapacityUnits is the compute capacity hint for the transform executor.
	// Zero means unknown, in which case sizing assumes a single core.
	CapacityUnits int `yaml:"capacity_units"`
}

// LoadSpec reads and validates a relation spec from a YAML document.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read relation spec %s: %w", path, err)
	}
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("parse relation spec %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, fmt.Errorf("relation spec %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the fields every run depends on.
func (s Spec) Validate() error {
	switch {
	case s.DeploymentID == "":
		return fmt.Errorf("deployment_id is required")
	case s.Name == "":
		return fmt.Errorf("name is required")
	case s.SourceBucket == "":
		return fmt.Errorf("source_bucket is required")
	case s.TargetBucket == "":
		return fmt.Errorf("target_bucket is required")
	case s.StateBucket == "":
		return fmt.Errorf("state_bucket is required")
	case s.ControlTable == "" || !strings.Contains(s.ControlTable, "."):
		return fmt.Errorf("control_table must be a database.table reference")
	}
	if _, err := ParseDiffStrategy(s.DiffStrategy); err != nil {
		return err
	}
	return nil
}

// ResolveStrategy applies the default-alias rules once, up front.
func (s Spec) ResolveStrategy() (DiffStrategy, error) {
	strat, err := ParseDiffStrategy(s.DiffStrategy)
	if err != nil {
		return strat, err
	}
	if strat != StrategyDefault {
		return strat, nil
	}
	if s.StreamingInventory {
		return StrategyStreamingInventory, nil
	}
	if s.InventoryTable != "" {
		return StrategyS3Inventory, nil
	}
	return StrategyAPI, nil
}

// InventoryTableFor returns the inventory table reference for a resolved
// strategy, or "" for the API strategy.
func (s Spec) InventoryTableFor(strat DiffStrategy) string {
	switch strat {
	case StrategyStreamingInventory:
		return s.StreamingInventoryTable
	case StrategyS3Inventory:
		return s.InventoryTable
	default:
		return ""
	}
}

// splitBucket separates a "bucket/prefix" reference into its parts.
func splitBucket(ref string) (bucket, prefix string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// SourceBucketName returns the bucket portion of the source reference.
func (s Spec) SourceBucketName() string { b, _ := splitBucket(s.SourceBucket); return b }

// SourcePrefix returns the key prefix portion of the source reference.
func (s Spec) SourcePrefix() string { _, p := splitBucket(s.SourceBucket); return p }

// TargetBucketName returns the bucket portion of the target reference.
func (s Spec) TargetBucketName() string { b, _ := splitBucket(s.TargetBucket); return b }

// TargetPrefix returns the key prefix portion of the target reference.
func (s Spec) TargetPrefix() string { _, p := splitBucket(s.TargetBucket); return p }

// StateBucketName returns the bucket portion of the state reference.
func (s Spec) StateBucketName() string { b, _ := splitBucket(s.StateBucket); return b }

// StatePrefix returns the relation-scoped folder for state objects.
func (s Spec) StatePrefix() string {
	return s.DeploymentID + "/state/" + s.Name
}

// StateKey returns the key of the single current-state object.
func (s Spec) StateKey() string {
	return s.StatePrefix() + "/state.json"
}

// ControlKey returns the key of the per-batch control log object.
func (s Spec) ControlKey(batchID string) string {
	return s.StatePrefix() + "/control/" + batchID + ".json.gz"
}

// ControlDatabase returns the database portion of the control table reference.
func (s Spec) ControlDatabase() string {
	return strings.SplitN(s.ControlTable, ".", 2)[0]
}

// ControlTableName returns the table portion of the control table reference.
func (s Spec) ControlTableName() string {
	parts := strings.SplitN(s.ControlTable, ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return parts[0]
}

// TargetDatabase derives the catalog database name from the first three
// segments of the dotted relation name.
func (s Spec) TargetDatabase() string {
	parts := strings.Split(s.Name, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "__")
}

// TargetTable derives the catalog table name from the last segment of the
// dotted relation name.
func (s Spec) TargetTable() string {
	parts := strings.Split(s.Name, ".")
	return parts[len(parts)-1]
}

// TempResultsLocation returns the query-service output location for
// transient results.
func (s Spec) TempResultsLocation() string {
	bucket := s.TempBucket
	if bucket == "" {
		bucket = s.StateBucketName()
	}
	return "s3://" + bucket + "/" + s.DeploymentID + "/tmp/"
}

// S3APaths converts source object keys into the s3a:// paths the transform
// executor reads from.
func (s Spec) S3APaths(keys []string) []string {
	bucket := s.SourceBucketName()
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = "s3a://" + bucket + "/" + k
	}
	return paths
}

// BatchID generates a sortable batch identifier from a UTC timestamp. The
// fixed suffix keeps identifiers width-stable so lexical order matches time
// order to the second.
func BatchID(t time.Time) string {
	return t.UTC().Format("20060102150405") + "000"
}

// SQLTimestamp formats a timestamp the way the control ledger and state
// records store times.
func SQLTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000")
}
