// Package operators implements the compute kernels of the key distributor:
// bucket-range computation, key labeling and counting, the reorder primitives
// (count, transpose, swizzle), compressed offsets, key-to-local-index
// conversion and the final model-parallel / data-parallel index calculation.
//
// All kernels are single-pass, allocation-free and write into preallocated
// outputs; the caller (the distributor) owns the scratch buffers and reuses
// them across calls.
//
// # Layouts
//
// Within one feature group the keys of one unit form a single stream,
// delimited by a bucket range. A bucket is one (feature, sample) slot; the
// stream is "feature-major": bucket index = feature*samples + sample, where
// feature is the position of the feature within the group and samples is the
// per-unit batch size.
//
// Per-bucket count arrays come in two layouts:
//   - feature-major: index = (feature*numUnits + destUnit)*samples + sample;
//     this is what labeling naturally produces.
//   - unit-major: index = (destUnit*numFeatures + feature)*samples + sample;
//     this is what the all-to-all needs, since everything bound to one
//     destination must be contiguous.
package operators

import (
	"github.com/gomlx/exceptions"
)

// ValidateBucketRange checks the bucket-range invariants: first offset zero,
// non-decreasing, and the last offset equal to the total key count. It panics
// on violation: a malformed bucket range is a configuration error on the
// caller's side, not a data error.
func ValidateBucketRange(bucketRange []int32, numKeys int) {
	if len(bucketRange) == 0 {
		exceptions.Panicf("bucket range is empty")
	}
	if bucketRange[0] != 0 {
		exceptions.Panicf("bucket range must start at 0, got %d", bucketRange[0])
	}
	for ii := 1; ii < len(bucketRange); ii++ {
		if bucketRange[ii] < bucketRange[ii-1] {
			exceptions.Panicf("bucket range must be non-decreasing, got %d after %d at #%d",
				bucketRange[ii], bucketRange[ii-1], ii)
		}
	}
	if int(bucketRange[len(bucketRange)-1]) != numKeys {
		exceptions.Panicf("bucket range covers %d keys, stream has %d",
			bucketRange[len(bucketRange)-1], numKeys)
	}
}
