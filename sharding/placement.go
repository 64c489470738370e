package sharding

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/gomlx/embdist/internal/xslices"
)

// Placement maps every table to the units holding it: model-parallel tables
// are sharded over a subset of the units, data-parallel tables are resident
// in full on every unit. Immutable after construction.
type Placement struct {
	numUnits    int
	assignments []Assignment // Indexed by tableID; only meaningful for MP tables.

	// resident[u] holds the table ids with at least one shard on unit u.
	resident []*roaring.Bitmap
}

// PlacementOption configures NewPlacement.
type PlacementOption func(*placementOptions)

type placementOptions struct {
	hash        HashKind
	tableShards map[int][]int
}

// WithHash selects the key-to-shard hash for all model-parallel tables.
// Default is Modulo.
func WithHash(hash HashKind) PlacementOption {
	return func(o *placementOptions) { o.hash = hash }
}

// WithTableShards places the shards of a model-parallel table on an explicit
// list of units (shard i on units[i]). By default every MP table is sharded
// over all units in order.
func WithTableShards(tableID int, units ...int) PlacementOption {
	return func(o *placementOptions) { o.tableShards = setTableShards(o.tableShards, tableID, units) }
}

func setTableShards(m map[int][]int, tableID int, units []int) map[int][]int {
	if m == nil {
		m = make(map[int][]int)
	}
	m[tableID] = xslices.Copy(units)
	return m
}

// NewPlacement builds the table placement for the collection over the given
// topology.
func NewPlacement(col *Collection, topo Topology, opts ...PlacementOption) (*Placement, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	options := placementOptions{hash: Modulo}
	for _, opt := range opts {
		opt(&options)
	}
	for tableID := range options.tableShards {
		if tableID < 0 || tableID >= len(col.Tables) {
			return nil, errors.Errorf("WithTableShards references table #%d, but only %d tables are configured",
				tableID, len(col.Tables))
		}
		if col.TableKind(tableID) != ModelParallel {
			return nil, errors.Errorf("WithTableShards on table %q (#%d): only model-parallel tables are sharded",
				col.Tables[tableID].Name, tableID)
		}
	}

	p := &Placement{
		numUnits:    topo.NumUnits,
		assignments: make([]Assignment, len(col.Tables)),
		resident:    make([]*roaring.Bitmap, topo.NumUnits),
	}
	for unit := range p.resident {
		p.resident[unit] = roaring.New()
	}
	for tableID := range col.Tables {
		switch col.TableKind(tableID) {
		case DataParallel:
			for unit := 0; unit < topo.NumUnits; unit++ {
				p.resident[unit].Add(uint32(tableID))
			}
		case ModelParallel:
			shardUnits, ok := options.tableShards[tableID]
			if !ok {
				shardUnits = xslices.Iota(0, topo.NumUnits)
			}
			p.assignments[tableID] = NewAssignment(options.hash, topo.NumUnits, shardUnits)
			for _, unit := range shardUnits {
				p.resident[unit].Add(uint32(tableID))
			}
		}
	}
	return p, nil
}

// NumUnits returns the number of units of the topology the placement was
// built for.
func (p *Placement) NumUnits() int { return p.numUnits }

// Assignment returns the key-to-shard assignment of a model-parallel table.
func (p *Placement) Assignment(tableID int) Assignment { return p.assignments[tableID] }

// Resident reports whether the unit holds (a shard of) the table.
func (p *Placement) Resident(unitID, tableID int) bool {
	return p.resident[unitID].Contains(uint32(tableID))
}

// ResidentTables returns the set of tables with at least one shard on the
// unit. The returned bitmap is owned by the Placement, don't mutate it.
func (p *Placement) ResidentTables(unitID int) *roaring.Bitmap {
	return p.resident[unitID]
}
