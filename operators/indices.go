package operators

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/embdist/sharding"
)

// conversionMode selects how a table's raw keys map to local indices on one
// unit.
type conversionMode int

const (
	// modeAbsent: the table has no shard on this unit; converting a key of
	// it is a configuration error.
	modeAbsent conversionMode = iota

	// modeIdentity: full table resident (data-parallel), local index == key.
	modeIdentity

	// modeModulo: modulo-sharded table, local index == key / numShards.
	modeModulo

	// modeDictionary: hash-sharded table, local index from a dictionary
	// built at construction over the table's vocabulary.
	modeDictionary
)

type tableConversion struct {
	mode       conversionMode
	vocabulary int

	// Modulo fields.
	numShards int
	shard     int

	// Dictionary: raw key -> dense local index, in ascending key order.
	dict map[uint64]int32
}

// KeysToIndices converts raw (global) keys into local table indices: the
// key's position within the table shard resident on one unit. The conversion
// structure is built once from the static placement; Convert is called per
// distribution call on the keys actually routed to the unit.
type KeysToIndices[K sharding.Key] struct {
	unitID int
	tables []tableConversion
}

// NewKeysToIndices builds the converter for one unit.
//
// For hash-sharded tables a dictionary is precomputed by scanning the
// table's vocabulary once, assigning dense local indices in ascending key
// order: every unit derives the identical dictionary from the static
// assignment.
func NewKeysToIndices[K sharding.Key](col *sharding.Collection, place *sharding.Placement, unitID int) *KeysToIndices[K] {
	c := &KeysToIndices[K]{
		unitID: unitID,
		tables: make([]tableConversion, len(col.Tables)),
	}
	for tableID, table := range col.Tables {
		tc := &c.tables[tableID]
		tc.vocabulary = table.VocabularySize
		if !place.Resident(unitID, tableID) {
			tc.mode = modeAbsent
			continue
		}
		if col.TableKind(tableID) == sharding.DataParallel {
			tc.mode = modeIdentity
			continue
		}
		assignment := place.Assignment(tableID)
		tc.numShards = assignment.NumShards()
		tc.shard = assignment.ShardOf(unitID)
		if assignment.Hash() == sharding.Modulo {
			tc.mode = modeModulo
			continue
		}
		tc.mode = modeDictionary
		tc.dict = make(map[uint64]int32)
		next := int32(0)
		for key := 0; key < table.VocabularySize; key++ {
			if assignment.Shard(uint64(key)) == tc.shard {
				tc.dict[uint64(key)] = next
				next++
			}
		}
	}
	return c
}

// Convert maps keys of one table to local indices, writing into
// indices[0:len(keys)]. A key outside the table's vocabulary, or routed to a
// unit not owning its shard, is a fatal configuration error: it means the
// shard assignment and the table placement disagree.
func (c *KeysToIndices[K]) Convert(keys []K, tableID int, indices []int32) {
	tc := &c.tables[tableID]
	if tc.mode == modeAbsent {
		exceptions.Panicf("KeysToIndices: table #%d has no shard on unit %d, but %d of its keys were routed here",
			tableID, c.unitID, len(keys))
	}
	if len(indices) < len(keys) {
		exceptions.Panicf("KeysToIndices: indices buffer holds %d entries, need %d", len(indices), len(keys))
	}
	for ii, key := range keys {
		k := uint64(key)
		if k >= uint64(tc.vocabulary) {
			exceptions.Panicf("KeysToIndices: key %d of table #%d outside vocabulary [0, %d)",
				key, tableID, tc.vocabulary)
		}
		switch tc.mode {
		case modeIdentity:
			indices[ii] = int32(k)
		case modeModulo:
			if int(k)%tc.numShards != tc.shard {
				exceptions.Panicf("KeysToIndices: key %d of table #%d belongs to shard %d, unit %d owns shard %d",
					key, tableID, int(k)%tc.numShards, c.unitID, tc.shard)
			}
			indices[ii] = int32(int(k) / tc.numShards)
		case modeDictionary:
			local, ok := tc.dict[k]
			if !ok {
				exceptions.Panicf("KeysToIndices: key %d of table #%d is not assigned to unit %d",
					key, tableID, c.unitID)
			}
			indices[ii] = local
		}
	}
}

// LocalRows returns how many rows of the table live on this unit, or 0 when
// the table is absent.
func (c *KeysToIndices[K]) LocalRows(tableID int) int {
	tc := &c.tables[tableID]
	switch tc.mode {
	case modeIdentity:
		return tc.vocabulary
	case modeModulo:
		rows := tc.vocabulary / tc.numShards
		if tc.vocabulary%tc.numShards > tc.shard {
			rows++
		}
		return rows
	case modeDictionary:
		return len(tc.dict)
	default:
		return 0
	}
}
