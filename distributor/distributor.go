/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package distributor orchestrates the distribution of a sharded minibatch
// of sparse embedding keys across compute units, so that every unit ends up
// holding exactly the keys it must resolve against the table shards it owns.
//
// Data-parallel feature groups take a fast path with no communication:
// indices are the converted local keys. Model-parallel groups run the
// key-filtered path: label keys by destination, reorder them
// destination-contiguous, exchange them in a two-phase (counts, then
// payload) all-to-all, and compute local indices from the keys received.
//
// Every participating unit must drive its Distribute calls through the same
// sequence -- the collective exchanges synchronize the group, and a unit
// that skips or reorders a call desynchronizes the protocol (a fatal error,
// see the comm package).
package distributor

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/embdist/buffers"
	"github.com/gomlx/embdist/comm"
	"github.com/gomlx/embdist/operators"
	"github.com/gomlx/embdist/sharding"
)

// Distributor distributes per-unit key minibatches for one embedding
// collection. Construction does all one-time work: shard-assignment
// precomputation, operator instantiation and scratch allocation sized to the
// maximum batch. After that Distribute may be called repeatedly; identical
// inputs produce byte-identical results.
type Distributor[K sharding.Key] struct {
	col   *sharding.Collection
	place *sharding.Placement
	topo  sharding.Topology
	alloc buffers.Allocator

	keyDType   dtypes.DType
	maxSamples int // maximum per-unit samples, MaxBatchSize/NumUnits

	units []*unitContext[K] // indexed by local unit index
}

// Option configures New.
type Option func(*config)

type config struct {
	alloc buffers.Allocator
}

// WithAllocator sets the buffer allocator backing scratch storage and
// AllocateOutput. Default is a fresh buffers.Pool.
func WithAllocator(alloc buffers.Allocator) Option {
	return func(c *config) { c.alloc = alloc }
}

// New builds a Distributor for the collection over the given topology and
// placement. comms must hold one Communicator per local unit, in local unit
// order (comms[i].Rank() == topo.GlobalUnit(i)).
func New[K sharding.Key](col *sharding.Collection, place *sharding.Placement, topo sharding.Topology, comms []comm.Communicator, opts ...Option) (*Distributor[K], error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if col.MaxBatchSize%topo.NumUnits != 0 {
		return nil, errors.Errorf("max batch size %d is not divisible by %d units", col.MaxBatchSize, topo.NumUnits)
	}
	if len(comms) != topo.NumLocalUnits {
		return nil, errors.Errorf("got %d communicators for %d local units", len(comms), topo.NumLocalUnits)
	}
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.alloc == nil {
		cfg.alloc = buffers.NewPool()
	}

	d := &Distributor[K]{
		col:        col,
		place:      place,
		topo:       topo,
		alloc:      cfg.alloc,
		keyDType:   dtypes.FromGenericsType[K](),
		maxSamples: col.MaxBatchSize / topo.NumUnits,
		units:      make([]*unitContext[K], topo.NumLocalUnits),
	}
	for localIdx := range d.units {
		unitID := topo.GlobalUnit(localIdx)
		c := comms[localIdx]
		if c == nil || c.Rank() != unitID {
			return nil, errors.Errorf("communicator #%d must have rank %d", localIdx, unitID)
		}
		if c.NumUnits() != topo.NumUnits {
			return nil, errors.Errorf("communicator #%d spans %d units, topology has %d",
				localIdx, c.NumUnits(), topo.NumUnits)
		}
		unit, err := d.newUnitContext(unitID, c)
		if err != nil {
			return nil, err
		}
		d.units[localIdx] = unit
	}
	if klog.V(1).Enabled() {
		klog.Infof("distributor: %d features in %d groups over %d units (%d local), max batch %d",
			col.NumFeatures(), len(col.Groups), topo.NumUnits, topo.NumLocalUnits, col.MaxBatchSize)
	}
	return d, nil
}

func (d *Distributor[K]) newUnitContext(unitID int, c comm.Communicator) (*unitContext[K], error) {
	unit := &unitContext[K]{
		unitID:        unitID,
		comm:          c,
		converter:     operators.NewKeysToIndices[K](d.col, d.place, unitID),
		outputScratch: make([]operators.FeatureOutput, 0, d.col.NumFeatures()),
	}
	unit.cache.lastBatchSize = -1
	unit.cache.groupRanges = make([][]int32, len(d.col.Groups))
	unit.cache.groupCompressed = make([][]int32, len(d.col.Groups))
	unit.groups = make([]*groupState[K], len(d.col.Groups))
	for groupID, group := range d.col.Groups {
		state := &groupState[K]{
			groupID:  groupID,
			kind:     group.Kind,
			features: group.Features,
			poolings: make([]int, 0, len(group.Features)),
		}
		for _, featureID := range group.Features {
			state.poolings = append(state.poolings, d.col.Features[featureID].PoolingFactor)
		}
		state.maxLocalKeys = d.maxSamples * d.col.GroupMaxNNZ(groupID)
		state.fullBatchKeys = d.alloc.Alloc(d.keyDType, state.maxLocalKeys)
		state.fullBatchRange = make([]int32, len(group.Features)*d.maxSamples+1)
		switch group.Kind {
		case sharding.DataParallel:
			state.dpSelector = operators.NewDPKeySelector[K](d.col, groupID)
			state.dpCalc = operators.NewDPIndexCalculation(d.col, unit.converter, groupID)
		case sharding.ModelParallel:
			state.label = operators.NewLabelAndCountKeys[K](d.col, d.place, groupID)
			state.mpCalc = operators.NewMPIndexCalculation(d.col, unit.converter, groupID)
			state.temp = newMPTempStorage[K](d.alloc, d.keyDType,
				d.topo.NumUnits, len(group.Features), d.maxSamples, state.maxLocalKeys)
		}
		unit.groups[groupID] = state
		unit.cache.groupRanges[groupID] = make([]int32, len(group.Features)*d.maxSamples+1)
		unit.cache.groupCompressed[groupID] = make([]int32, len(group.Features)+1)
	}
	return unit, nil
}

// MaxBatchSize the distributor was sized for.
func (d *Distributor[K]) MaxBatchSize() int { return d.col.MaxBatchSize }

// localUnit returns the unit context of a global unit id, or panics if the
// unit is not driven by this process.
func (d *Distributor[K]) localUnit(unitID int) *unitContext[K] {
	if !d.topo.IsLocal(unitID) {
		exceptions.Panicf("unit %d is not local to this process (local units are [%d, %d))",
			unitID, d.topo.FirstLocalUnit, d.topo.FirstLocalUnit+d.topo.NumLocalUnits)
	}
	return d.units[unitID-d.topo.FirstLocalUnit]
}

// checkBatchSize validates the per-call batch size against the static
// configuration and returns the per-unit sample count.
func (d *Distributor[K]) checkBatchSize(batchSize int) int {
	if batchSize <= 0 {
		exceptions.Panicf("batch size must be positive, got %d", batchSize)
	}
	if batchSize > d.col.MaxBatchSize {
		exceptions.Panicf("batch size %d exceeds the maximum of %d the distributor was sized for",
			batchSize, d.col.MaxBatchSize)
	}
	if batchSize%d.topo.NumUnits != 0 {
		exceptions.Panicf("batch size %d is not divisible by %d units", batchSize, d.topo.NumUnits)
	}
	return batchSize / d.topo.NumUnits
}

// Distribute runs one distribution call for one local unit.
//
// keys[g]/bucketRanges[g] is group g's feature-major stream of the unit's
// own samples. A nil bucketRanges[g] means the stream is at full hotness and
// the cached fixed bucket range is used. output must come from
// AllocateOutput (or match its sizing) and is refilled in place.
//
// Every unit of the group must issue its Distribute calls in the same
// relative order with the same batch size, or the collective exchange
// desynchronizes.
func (d *Distributor[K]) Distribute(unitID int, keys [][]K, bucketRanges [][]int32, output Result, batchSize int) error {
	var commErr error
	err := exceptions.TryCatch[error](func() {
		commErr = d.distribute(unitID, keys, bucketRanges, output, batchSize)
	})
	if err != nil {
		return err
	}
	return commErr
}

func (d *Distributor[K]) distribute(unitID int, keys [][]K, bucketRanges [][]int32, output Result, batchSize int) error {
	samples := d.checkBatchSize(batchSize)
	unit := d.localUnit(unitID)
	if len(keys) != len(d.col.Groups) || len(bucketRanges) != len(d.col.Groups) {
		exceptions.Panicf("got %d key streams and %d bucket ranges for %d groups",
			len(keys), len(bucketRanges), len(d.col.Groups))
	}
	if len(output) != d.col.NumFeatures() {
		exceptions.Panicf("output has %d entries for %d features", len(output), d.col.NumFeatures())
	}
	fixed := unit.fixedBucketRanges(batchSize, samples)
	for groupID, state := range unit.groups {
		bucketRange := bucketRanges[groupID]
		if bucketRange == nil {
			bucketRange = fixed[groupID][:state.numFeatures()*samples+1]
		}
		if err := d.runGroup(unit, state, keys[groupID], bucketRange, samples, batchSize, output); err != nil {
			return err
		}
	}
	return nil
}

// DistributeFullBatch is the single-buffer variant of Distribute for callers
// that already materialized a full-batch key stream: keys holds the whole
// global batch for all features, feature-major (bucket = featureID*batchSize
// + sample), with bucketRange delimiting it. The unit's own slice of each
// group is extracted and distributed as in Distribute.
func (d *Distributor[K]) DistributeFullBatch(unitID int, keys []K, bucketRange []int32, output Result, batchSize int) error {
	var commErr error
	err := exceptions.TryCatch[error](func() {
		commErr = d.distributeFullBatch(unitID, keys, bucketRange, output, batchSize)
	})
	if err != nil {
		return err
	}
	return commErr
}

func (d *Distributor[K]) distributeFullBatch(unitID int, keys []K, bucketRange []int32, output Result, batchSize int) error {
	samples := d.checkBatchSize(batchSize)
	unit := d.localUnit(unitID)
	if len(bucketRange) != d.col.NumFeatures()*batchSize+1 {
		exceptions.Panicf("full-batch bucket range has %d offsets, expected %d features x %d samples + 1",
			len(bucketRange), d.col.NumFeatures(), batchSize)
	}
	operators.ValidateBucketRange(bucketRange, len(keys))
	if len(output) != d.col.NumFeatures() {
		exceptions.Panicf("output has %d entries for %d features", len(output), d.col.NumFeatures())
	}
	unit.fixedBucketRanges(batchSize, samples)
	firstSample := unitID * samples
	for _, state := range unit.groups {
		groupKeys, groupRange := state.extractFullBatchGroup(keys, bucketRange, batchSize, firstSample, samples)
		if err := d.runGroup(unit, state, groupKeys, groupRange, samples, batchSize, output); err != nil {
			return err
		}
	}
	return nil
}

// runGroup dispatches one group's pipeline by its kind tag and publishes the
// per-feature outputs into the Result.
func (d *Distributor[K]) runGroup(unit *unitContext[K], state *groupState[K], keys []K, bucketRange []int32, samples, batchSize int, output Result) error {
	outputs := unit.outputScratch[:0]
	for _, featureID := range state.features {
		input := output[featureID]
		if input == nil || !input.Indices.Valid() || !input.BucketRange.Valid() {
			exceptions.Panicf("output for feature #%d is missing or freed", featureID)
		}
		outputs = append(outputs, operators.FeatureOutput{
			Indices:     buffers.Flat[int32](input.Indices),
			BucketRange: buffers.Flat[int32](input.BucketRange),
		})
	}
	switch state.kind {
	case sharding.DataParallel:
		state.dpRun(keys, bucketRange, samples, outputs)
	case sharding.ModelParallel:
		if err := state.keyFilteredRun(unit, keys, bucketRange, d.topo.NumUnits, samples, outputs); err != nil {
			return errors.WithMessagef(err, "distributing group #%d on unit %d", state.groupID, unit.unitID)
		}
	}
	numBuckets := samples
	if state.kind == sharding.ModelParallel {
		numBuckets = batchSize
	}
	for fIdx, featureID := range state.features {
		input := output[featureID]
		input.FeatureID = featureID
		input.NumBuckets = numBuckets
		input.NumKeys = int(outputs[fIdx].BucketRange[numBuckets])
	}
	return nil
}

// GroupCompressedOffsets returns the per-feature-boundary offsets of one
// group's fixed (full-hotness) bucket range on one unit, for the given batch
// size: offset f is where feature f's keys start in the group stream, the
// compact form the embedding engine uses to address per-feature blocks when
// every bucket is at full hotness. len is numGroupFeatures+1.
//
// The returned slice is backed by the unit's cache: it stays valid until a
// call with a different batch size, and must not be mutated.
func (d *Distributor[K]) GroupCompressedOffsets(unitID, groupID, batchSize int) []int32 {
	samples := d.checkBatchSize(batchSize)
	unit := d.localUnit(unitID)
	if groupID < 0 || groupID >= len(d.col.Groups) {
		exceptions.Panicf("group #%d does not exist, collection has %d groups", groupID, len(d.col.Groups))
	}
	unit.fixedBucketRanges(batchSize, samples)
	return unit.cache.groupCompressed[groupID][:unit.groups[groupID].numFeatures()+1]
}

// FixedBucketRanges fills out with the full-hotness feature-major bucket
// range of the whole global batch, the layout DistributeFullBatch consumes.
// out must hold NumFeatures*batchSize+1 offsets.
func (d *Distributor[K]) FixedBucketRanges(out []int32, batchSize int) {
	poolings := make([]int, d.col.NumFeatures())
	for featureID, feature := range d.col.Features {
		poolings[featureID] = feature.PoolingFactor
	}
	operators.FixedFullBatchBucketRange(out, poolings, batchSize)
}
