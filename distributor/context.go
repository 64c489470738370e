package distributor

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/embdist/buffers"
	"github.com/gomlx/embdist/comm"
	"github.com/gomlx/embdist/internal/xslices"
	"github.com/gomlx/embdist/operators"
	"github.com/gomlx/embdist/sharding"
)

// unitContext holds everything one unit mutates during a distribution call:
// its bucket-range cache, its scratch storage and its operator instances.
// It is exclusively owned by the unit it was built for and never shared.
type unitContext[K sharding.Key] struct {
	unitID int
	comm   comm.Communicator

	cache     bucketRangeCache
	groups    []*groupState[K]
	converter *operators.KeysToIndices[K]

	// outputScratch holds the current call's per-feature output views,
	// rebuilt per group from the caller's Result.
	outputScratch []operators.FeatureOutput
}

// bucketRangeCache caches the last computed fixed (full-hotness) bucket
// ranges of a unit, one per feature group, keyed by the batch size of the
// previous call. For an unchanged batch size the cached buffers are
// byte-identical to freshly computed ones, so no recomputation happens.
type bucketRangeCache struct {
	lastBatchSize int

	// groupRanges[g] is the feature-major fixed bucket range of group g for
	// this unit's samples, len numGroupFeatures*samples+1.
	groupRanges [][]int32

	// groupCompressed[g] is the compressed form of groupRanges[g]: one
	// offset per feature boundary.
	groupCompressed [][]int32
}

// fixedBucketRanges returns this unit's per-group fixed bucket ranges for
// the given batch size, recomputing only when the batch size changed since
// the previous call.
func (u *unitContext[K]) fixedBucketRanges(batchSize, samples int) [][]int32 {
	if batchSize == u.cache.lastBatchSize {
		return u.cache.groupRanges
	}
	for g, state := range u.groups {
		bucketRange := u.cache.groupRanges[g][:state.numFeatures()*samples+1]
		operators.FixedFullBatchBucketRange(bucketRange, state.poolings, samples)
		operators.CompressOffset(bucketRange, samples, u.cache.groupCompressed[g][:state.numFeatures()+1])
	}
	u.cache.lastBatchSize = batchSize
	return u.cache.groupRanges
}

// groupState is one feature group's operator pipeline on one unit: either
// the data-parallel pair (selector + index calculation) or the
// model-parallel chain (labeling, reorder, exchange, index calculation).
// Dispatch is by the group's kind tag.
type groupState[K sharding.Key] struct {
	groupID  int
	kind     sharding.GroupKind
	features []int // feature ids, in group order
	poolings []int // pooling factor per feature, in group order

	// maxLocalKeys bounds one unit's keys for this group at the maximum
	// batch size.
	maxLocalKeys int

	// Data-parallel pipeline.
	dpSelector *operators.DPKeySelector[K]
	dpCalc     *operators.DPIndexCalculation[K]

	// Model-parallel pipeline.
	label  *operators.LabelAndCountKeys[K]
	mpCalc *operators.MPIndexCalculation[K]
	temp   *mpTempStorage[K]

	// Staging for the full-batch entry point: this group's slice of the
	// full-batch stream, repacked group-local.
	fullBatchKeys  *buffers.Buffer // key dtype [maxLocalKeys]
	fullBatchRange []int32
}

func (g *groupState[K]) numFeatures() int { return len(g.features) }

// mpTempStorage is the scratch a unit needs for one model-parallel group:
// sort/scan workspace, per-bucket and per-unit counts, the reordered send
// stream and the receive buffers. Sized once from (max batch, group hotness,
// unit count) and reused across calls.
type mpTempStorage[K sharding.Key] struct {
	labels          *buffers.Buffer // int32 [maxLocalKeys]
	countsFeatMajor *buffers.Buffer // int32 [numFeatures*numUnits*maxSamples]
	countsUnitMajor *buffers.Buffer // int32 [numUnits*numFeatures*maxSamples]
	cursors         *buffers.Buffer // int32 [numUnits*numFeatures*maxSamples]
	sortedKeys      *buffers.Buffer // key dtype [maxLocalKeys]

	// Host-visible count staging: phase 1 must complete before phase 2 can
	// be sized.
	keysPerUnitSend *buffers.Buffer // int32 [numUnits]
	keysPerUnitRecv *buffers.Buffer // int32 [numUnits]

	bucketCountsRecv *buffers.Buffer // int32 [numUnits*numFeatures*maxSamples]
	recvBucketRange  *buffers.Buffer // int32 [numUnits*numFeatures*maxSamples+1]
	recvKeys         *buffers.Buffer // key dtype [numUnits*maxLocalKeys]
}

func newMPTempStorage[K sharding.Key](alloc buffers.Allocator, keyDType dtypes.DType, numUnits, numFeatures, maxSamples, maxLocalKeys int) *mpTempStorage[K] {
	numBuckets := numUnits * numFeatures * maxSamples
	return &mpTempStorage[K]{
		labels:           alloc.Alloc(dtypes.Int32, maxLocalKeys),
		countsFeatMajor:  alloc.Alloc(dtypes.Int32, numBuckets),
		countsUnitMajor:  alloc.Alloc(dtypes.Int32, numBuckets),
		cursors:          alloc.Alloc(dtypes.Int32, numBuckets),
		sortedKeys:       alloc.Alloc(keyDType, maxLocalKeys),
		keysPerUnitSend:  alloc.Alloc(dtypes.Int32, numUnits),
		keysPerUnitRecv:  alloc.Alloc(dtypes.Int32, numUnits),
		bucketCountsRecv: alloc.Alloc(dtypes.Int32, numBuckets),
		recvBucketRange:  alloc.Alloc(dtypes.Int32, numBuckets+1),
		recvKeys:         alloc.Alloc(keyDType, numUnits*maxLocalKeys),
	}
}

// dpRun executes the data-parallel fast path of one group: no exchange,
// indices are the converted local keys.
func (g *groupState[K]) dpRun(keys []K, bucketRange []int32, samples int, outputs []operators.FeatureOutput) {
	g.dpSelector.Select(keys, bucketRange, samples)
	g.dpCalc.Run(keys, bucketRange, samples, outputs)
}

// keyFilteredRun executes the model-parallel chain of one group on one unit:
// label and count, reorder into destination-contiguous order, the two-phase
// all-to-all, then index calculation on the received keys.
func (g *groupState[K]) keyFilteredRun(u *unitContext[K], keys []K, bucketRange []int32, numUnits, samples int, outputs []operators.FeatureOutput) error {
	operators.ValidateBucketRange(bucketRange, len(keys))
	if len(keys) > g.maxLocalKeys {
		exceptions.Panicf("group #%d on unit %d: %d keys exceed the scratch capacity of %d sized at construction",
			g.groupID, u.unitID, len(keys), g.maxLocalKeys)
	}
	numFeatures := g.numFeatures()
	numBuckets := numUnits * numFeatures * samples
	temp := g.temp
	labels := buffers.Flat[int32](temp.labels)[:g.maxLocalKeys]
	countsFeatMajor := buffers.Flat[int32](temp.countsFeatMajor)[:numBuckets]
	countsUnitMajor := buffers.Flat[int32](temp.countsUnitMajor)[:numBuckets]
	cursors := buffers.Flat[int32](temp.cursors)[:numBuckets]
	keysPerUnitSend := buffers.Flat[int32](temp.keysPerUnitSend)
	keysPerUnitRecv := buffers.Flat[int32](temp.keysPerUnitRecv)
	sortedKeys := buffers.Flat[K](temp.sortedKeys)

	// Local reshuffle: one stable O(n) partition by destination unit.
	g.label.Run(keys, bucketRange, samples, labels, countsFeatMajor)
	operators.TransposeBuckets(countsFeatMajor, countsUnitMajor, numFeatures, numUnits, samples)
	operators.CountKeys(countsUnitMajor, numUnits, keysPerUnitSend, cursors)
	operators.SwizzleKeys(keys, bucketRange, labels, cursors, numFeatures, numUnits, samples, sortedKeys)

	// Phase 1: exchange per-bucket counts. Must complete before phase 2, it
	// sizes the receive side.
	bucketCountsRecv := buffers.Flat[int32](temp.bucketCountsRecv)[:numBuckets]
	if err := u.comm.ExchangeCounts(countsUnitMajor, bucketCountsRecv); err != nil {
		return err
	}
	recvBucketRange := buffers.Flat[int32](temp.recvBucketRange)[:numBuckets+1]
	recvBucketRange[0] = 0
	copy(recvBucketRange[1:], bucketCountsRecv)
	receivedNumKeys := int(xslices.CumSum(recvBucketRange[1:]))
	bucketsPerUnit := numFeatures * samples
	for source := 0; source < numUnits; source++ {
		keysPerUnitRecv[source] = xslices.Sum(bucketCountsRecv[source*bucketsPerUnit : (source+1)*bucketsPerUnit])
	}
	if receivedNumKeys > temp.recvKeys.Size() {
		exceptions.Panicf("group #%d on unit %d: receiving %d keys exceeds the scratch capacity of %d sized at construction",
			g.groupID, u.unitID, receivedNumKeys, temp.recvKeys.Size())
	}

	// Phase 2: exchange the reordered key payload, sized by phase 1.
	if err := u.comm.ExchangePayload(temp.sortedKeys, keysPerUnitSend, temp.recvKeys, keysPerUnitRecv); err != nil {
		return err
	}

	recvKeys := buffers.Flat[K](temp.recvKeys)[:receivedNumKeys]
	g.mpCalc.Run(recvKeys, recvBucketRange, numUnits, samples, outputs)
	return nil
}

// extractFullBatchGroup copies this group's keys for the unit's own samples
// out of a full-batch feature-major stream into the group-local staging
// buffers, returning the staged stream. A bucket wider than its feature's
// pooling factor would overflow the staging sized at construction, so it is
// rejected before copying.
func (g *groupState[K]) extractFullBatchGroup(keys []K, bucketRange []int32, batchSize, firstSample, samples int) ([]K, []int32) {
	staged := buffers.Flat[K](g.fullBatchKeys)
	stagedRange := g.fullBatchRange[:g.numFeatures()*samples+1]
	stagedRange[0] = 0
	n := int32(0)
	for fIdx, featureID := range g.features {
		for s := 0; s < samples; s++ {
			bucket := featureID*batchSize + firstSample + s
			start, end := bucketRange[bucket], bucketRange[bucket+1]
			if int(end-start) > g.poolings[fIdx] {
				exceptions.Panicf("group #%d: full-batch bucket of feature #%d, sample %d carries %d keys, pooling factor is %d",
					g.groupID, featureID, firstSample+s, end-start, g.poolings[fIdx])
			}
			n += int32(copy(staged[n:], keys[start:end]))
			stagedRange[fIdx*samples+s+1] = n
		}
	}
	return staged[:n], stagedRange
}
