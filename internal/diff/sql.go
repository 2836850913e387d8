package diff

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/lakerail/lakerail/internal/query"
	"github.com/lakerail/lakerail/internal/relation"
)

// s3InventorySQL anti-joins the freshest batch inventory snapshot against the
// control ledger.
var s3InventorySQL = template.Must(template.New("s3_inventory").Parse(`
with i as
  (select
    key,
    size
  from
    {{.InventoryTable}}
  where
    dt = (select max(dt) from {{.InventoryTable}})
    and
    {{.Predicates}}),
c as
  (select
     source_key
   from
     {{.ControlTable}}),
diff as
  (select
    i.key,
    i.size,
    c.source_key
  from
    i
    left join
    c
      on
        i.key = c.source_key
  where
    c.source_key is null)
select
  key
  ,size
from
  diff;
`))

// streamingInventorySQL deduplicates the streaming inventory by the maximum
// sequencer per key before anti-joining against the control ledger.
var streamingInventorySQL = template.Must(template.New("streaming_inventory").Parse(`
with max_sequences as
(
  select
    "key",
    max(sequencer) as sequencer
  from
    {{.InventoryTable}} inv
  where
    {{.Predicates}}
  group by
    "key"
),
streaming_inventory as
(
  select
    "key"
    ,size
  from
    {{.InventoryTable}} inv
  where
    {{.Predicates}}
    and exists (
      select 1
      from
        max_sequences
      where
        max_sequences."key" = inv."key"
        and
        max_sequences.sequencer = inv.sequencer)),
control as
  (select
     source_key
   from
     {{.ControlTable}}),
diff as
  (select
    i.key,
    i.size,
    c.source_key
  from
    streaming_inventory i
    left join
    control c
      on
        i.key = c.source_key
  where
    c.source_key is null)
select
  key,
  size
from
  diff;
`))

type sqlParams struct {
	InventoryTable string
	ControlTable   string
	Predicates     string
}

// wherePredicates builds the inventory WHERE clause from the source bucket
// and prefix, adding version predicates only when the inventory schema
// carries those columns.
func wherePredicates(spec relation.Spec, meta query.TableMeta) string {
	predicates := []string{
		fmt.Sprintf(`"bucket"='%s'`, spec.SourceBucketName()),
	}
	if prefix := spec.SourcePrefix(); prefix != "" {
		predicates = append(predicates, fmt.Sprintf(`"key" like '%s%%'`, prefix))
	} else {
		predicates = append(predicates, `"key" like '%'`)
	}
	if meta.HasColumn("is_latest") {
		predicates = append(predicates, "is_latest=true")
	}
	if meta.HasColumn("is_delete_marker") {
		predicates = append(predicates, "is_delete_marker=false")
	}
	return strings.Join(predicates, " and ")
}

// inventorySQL renders the anti-join query for the resolved strategy.
func inventorySQL(strat relation.DiffStrategy, spec relation.Spec, meta query.TableMeta) (string, error) {
	params := sqlParams{
		InventoryTable: spec.InventoryTableFor(strat),
		ControlTable:   spec.ControlTable,
		Predicates:     wherePredicates(spec, meta),
	}
	if params.InventoryTable == "" {
		return "", fmt.Errorf("no inventory table configured for strategy %s", strat)
	}

	tmpl := s3InventorySQL
	if strat == relation.StrategyStreamingInventory {
		tmpl = streamingInventorySQL
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("render %s query: %w", strat, err)
	}
	return sb.String(), nil
}
