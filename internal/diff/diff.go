// Package diff computes the set of source files not yet represented in the
// control ledger, either from an API listing or a server-side inventory
// anti-join.
package diff

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lakerail/lakerail/internal/objectstore"
	"github.com/lakerail/lakerail/internal/query"
	"github.com/lakerail/lakerail/internal/relation"
)

// LoadedSource reports the set of source keys already committed by a
// completed batch. The control ledger implements it.
type LoadedSource interface {
	LoadedKeys(ctx context.Context) (map[string]struct{}, error)
}

// Engine computes the file-level diff for one relation.
type Engine struct {
	spec     relation.Spec
	strategy relation.DiffStrategy
	store    objectstore.Client
	runner   *query.Runner
	catalog  query.Catalog
	loaded   LoadedSource
	log      *slog.Logger
}

// New resolves the diff strategy once and returns an engine bound to it.
func New(spec relation.Spec, store objectstore.Client, runner *query.Runner, catalog query.Catalog, loaded LoadedSource) (*Engine, error) {
	strat, err := spec.ResolveStrategy()
	if err != nil {
		return nil, err
	}
	return &Engine{
		spec:     spec,
		strategy: strat,
		store:    store,
		runner:   runner,
		catalog:  catalog,
		loaded:   loaded,
		log:      slog.With("component", "diff", "relation", spec.Name),
	}, nil
}

// Strategy returns the resolved diff strategy.
func (e *Engine) Strategy() relation.DiffStrategy {
	return e.strategy
}

// Diff returns the files available at the source but absent from the control
// ledger. Ordering beyond the returned slice order is not guaranteed.
func (e *Engine) Diff(ctx context.Context) ([]relation.FileRecord, error) {
	switch e.strategy {
	case relation.StrategyAPI:
		return e.apiDiff(ctx)
	default:
		return e.inventoryDiff(ctx)
	}
}

// apiDiff lists the source prefix and removes everything the ledger already
// holds, all client-side.
func (e *Engine) apiDiff(ctx context.Context) ([]relation.FileRecord, error) {
	e.log.Info("computing diff from source listing")
	start := time.Now()

	available, err := e.store.List(ctx, e.spec.SourceBucketName(), e.spec.SourcePrefix())
	if err != nil {
		return nil, fmt.Errorf("list source files: %w", err)
	}
	e.log.Info("available files", "count", len(available))

	loaded, err := e.loaded.LoadedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("read loaded keys: %w", err)
	}
	e.log.Info("loaded files", "count", len(loaded))

	var d []relation.FileRecord
	for _, f := range available {
		if _, ok := loaded[f.Key]; !ok {
			d = append(d, f)
		}
	}

	e.log.Info("diff computed", "count", len(d), "duration", time.Since(start).String())
	return d, nil
}

// inventoryDiff runs the anti-join server-side and parses the result CSV.
func (e *Engine) inventoryDiff(ctx context.Context) ([]relation.FileRecord, error) {
	e.log.Info("computing diff from inventory query", "strategy", e.strategy.String())
	start := time.Now()

	invTable := e.spec.InventoryTableFor(e.strategy)
	invDB, invName, err := splitTable(invTable)
	if err != nil {
		return nil, err
	}

	// Batch inventory snapshots need a partition refresh to expose the
	// latest dt partition. Best effort: a concurrent run may already be
	// repairing the same table.
	if e.strategy == relation.StrategyS3Inventory {
		if err := e.catalog.RepairPartitions(ctx, invDB, invName); err != nil {
			e.log.Warn("inventory partition repair failed", "table", invTable, "error", err)
		}
	}

	meta, err := e.catalog.DescribeTable(ctx, invDB, invName)
	if err != nil {
		return nil, fmt.Errorf("describe inventory table %s: %w", invTable, err)
	}

	sql, err := inventorySQL(e.strategy, e.spec, meta)
	if err != nil {
		return nil, err
	}

	queryID, err := e.runner.Run(ctx, sql, "default", e.spec.TempResultsLocation())
	if err != nil {
		return nil, fmt.Errorf("inventory diff query: %w", err)
	}

	loc, err := e.runner.ResultsLocation(ctx, queryID)
	if err != nil {
		return nil, err
	}
	csv, err := e.store.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("fetch diff results: %w", err)
	}

	d, err := parseDiffCSV(csv)
	if err != nil {
		return nil, err
	}
	e.log.Info("diff computed", "count", len(d), "duration", time.Since(start).String())
	return d, nil
}

// parseDiffCSV parses the two-column (key, size) result CSV. The header row
// repeats the column names; the trailing line is empty.
func parseDiffCSV(data []byte) ([]relation.FileRecord, error) {
	var d []relation.FileRecord
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(strings.ReplaceAll(line, `"`, ""), ",")
		if len(fields) == 1 {
			break
		}
		if fields[1] == "size" {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse size in diff row %q: %w", line, err)
		}
		d = append(d, relation.FileRecord{Key: fields[0], Size: size})
	}
	return d, nil
}

func splitTable(ref string) (database, table string, err error) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("inventory table %q is not a database.table reference", ref)
	}
	return parts[0], parts[1], nil
}
