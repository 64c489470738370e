package operators

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/embdist/sharding"
)

// LabelAndCountKeys assigns every key of a model-parallel group stream to the
// unit owning its table shard, and counts keys per (feature, destination
// unit, sample) bucket.
//
// Built once per (group, unit); Run is called once per distribution call.
type LabelAndCountKeys[K sharding.Key] struct {
	numUnits    int
	assignments []sharding.Assignment // one per feature of the group, in group order
}

// NewLabelAndCountKeys builds the labeling operator for one model-parallel
// group.
func NewLabelAndCountKeys[K sharding.Key](col *sharding.Collection, place *sharding.Placement, groupID int) *LabelAndCountKeys[K] {
	group := col.Groups[groupID]
	if group.Kind != sharding.ModelParallel {
		exceptions.Panicf("LabelAndCountKeys: group #%d is %s, labeling only applies to model-parallel groups",
			groupID, group.Kind)
	}
	op := &LabelAndCountKeys[K]{
		numUnits:    place.NumUnits(),
		assignments: make([]sharding.Assignment, 0, len(group.Features)),
	}
	for _, featureID := range group.Features {
		op.assignments = append(op.assignments, place.Assignment(col.Features[featureID].TableID))
	}
	return op
}

// Run labels and counts the group stream of one unit.
//
//   - keys/bucketRange: the feature-major stream, samples buckets per feature.
//   - labels: per-key destination unit, len(keys). Later stages use it to
//     avoid re-evaluating the shard assignment.
//   - countsFeatMajor: per-bucket counts in feature-major layout (see package
//     doc), len numFeatures*numUnits*samples. Zeroed and filled.
//
// Buckets with zero keys for a destination keep their zero-length slot, so
// offset arithmetic stays uniform across units.
func (op *LabelAndCountKeys[K]) Run(keys []K, bucketRange []int32, samples int, labels, countsFeatMajor []int32) {
	numFeatures := len(op.assignments)
	if len(bucketRange) != numFeatures*samples+1 {
		exceptions.Panicf("LabelAndCountKeys: bucket range has %d offsets, expected %d features x %d samples + 1",
			len(bucketRange), numFeatures, samples)
	}
	if len(countsFeatMajor) != numFeatures*op.numUnits*samples {
		exceptions.Panicf("LabelAndCountKeys: counts buffer has %d entries, expected %d",
			len(countsFeatMajor), numFeatures*op.numUnits*samples)
	}
	clear(countsFeatMajor)
	for f := 0; f < numFeatures; f++ {
		assignment := op.assignments[f]
		for s := 0; s < samples; s++ {
			bucket := f*samples + s
			start, end := bucketRange[bucket], bucketRange[bucket+1]
			for ii := start; ii < end; ii++ {
				dest := assignment.Owner(uint64(keys[ii]))
				labels[ii] = int32(dest)
				countsFeatMajor[(f*op.numUnits+dest)*samples+s]++
			}
		}
	}
}

// NumUnits the operator labels for.
func (op *LabelAndCountKeys[K]) NumUnits() int { return op.numUnits }

// NumFeatures of the group.
func (op *LabelAndCountKeys[K]) NumFeatures() int { return len(op.assignments) }
