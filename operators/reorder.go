package operators

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/embdist/internal/xslices"
	"github.com/gomlx/embdist/sharding"
)

// TransposeBuckets converts per-bucket counts between the feature-major
// layout produced by labeling and the unit-major layout the all-to-all
// needs (or back, it is its own inverse with the dimensions swapped).
func TransposeBuckets(featMajor, unitMajor []int32, numFeatures, numUnits, samples int) {
	if len(featMajor) != numFeatures*numUnits*samples || len(unitMajor) != len(featMajor) {
		exceptions.Panicf("TransposeBuckets: buffers have %d/%d entries, expected %d",
			len(featMajor), len(unitMajor), numFeatures*numUnits*samples)
	}
	for f := 0; f < numFeatures; f++ {
		for d := 0; d < numUnits; d++ {
			src := (f*numUnits + d) * samples
			dst := (d*numFeatures + f) * samples
			copy(unitMajor[dst:dst+samples], featMajor[src:src+samples])
		}
	}
}

// CountKeys reduces unit-major per-bucket counts into per-destination-unit
// totals and the exclusive prefix sums addressing every bucket's slot in the
// reordered stream. offsets and counts may not alias.
func CountKeys(unitMajorCounts []int32, numUnits int, keysPerUnit, offsets []int32) {
	if len(unitMajorCounts)%numUnits != 0 {
		exceptions.Panicf("CountKeys: %d bucket counts not divisible by %d units", len(unitMajorCounts), numUnits)
	}
	if len(keysPerUnit) != numUnits || len(offsets) != len(unitMajorCounts) {
		exceptions.Panicf("CountKeys: output sizes %d/%d, expected %d/%d",
			len(keysPerUnit), len(offsets), numUnits, len(unitMajorCounts))
	}
	xslices.ExclusiveCumSum(unitMajorCounts, offsets)
	bucketsPerUnit := len(unitMajorCounts) / numUnits
	for d := 0; d < numUnits; d++ {
		block := unitMajorCounts[d*bucketsPerUnit : (d+1)*bucketsPerUnit]
		keysPerUnit[d] = xslices.Sum(block)
	}
}

// SwizzleKeys reorders the keys of a group stream into destination-unit
// contiguous order, using the labels from LabelAndCountKeys and the bucket
// offsets from CountKeys.
//
// cursors must contain the exclusive prefix sums of the unit-major bucket
// counts (CountKeys' offsets output) and is consumed: on return it holds the
// end offset of every bucket. The reorder is stable: keys of the same
// (destination, feature, sample) bucket keep their original relative order.
// This is a bucketed partition, not a comparison sort -- one O(n) pass.
func SwizzleKeys[K sharding.Key](keys []K, bucketRange, labels, cursors []int32, numFeatures, numUnits, samples int, sorted []K) {
	if len(sorted) < len(keys) {
		exceptions.Panicf("SwizzleKeys: sorted buffer holds %d keys, stream has %d", len(sorted), len(keys))
	}
	if len(labels) < len(keys) {
		exceptions.Panicf("SwizzleKeys: labels buffer holds %d entries, stream has %d", len(labels), len(keys))
	}
	for f := 0; f < numFeatures; f++ {
		for s := 0; s < samples; s++ {
			bucket := f*samples + s
			start, end := bucketRange[bucket], bucketRange[bucket+1]
			for ii := start; ii < end; ii++ {
				d := int(labels[ii])
				destBucket := (d*numFeatures+f)*samples + s
				sorted[cursors[destBucket]] = keys[ii]
				cursors[destBucket]++
			}
		}
	}
}
