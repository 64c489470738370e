package operators

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/embdist/sharding"
)

// FeatureOutput is where index calculation writes one feature's result: the
// local index sequence plus the bucket range partitioning it into samples.
// Both slices are preallocated by the caller (Indices to the feature's
// maximum key count, BucketRange to sample count + 1).
type FeatureOutput struct {
	Indices     []int32
	BucketRange []int32
}

// MPIndexCalculation computes the final per-feature indices of a
// model-parallel group on one unit, from the keys actually received in the
// exchange -- the keys whose table shard this unit owns -- correlated back
// to their originating (sample, feature) buckets through the exchanged
// bucket-range metadata.
type MPIndexCalculation[K sharding.Key] struct {
	converter *KeysToIndices[K]
	tableIDs  []int // per feature of the group, in group order
}

// NewMPIndexCalculation builds the model-parallel index calculation for one
// (group, unit) pair.
func NewMPIndexCalculation[K sharding.Key](col *sharding.Collection, converter *KeysToIndices[K], groupID int) *MPIndexCalculation[K] {
	group := col.Groups[groupID]
	if group.Kind != sharding.ModelParallel {
		exceptions.Panicf("MPIndexCalculation: group #%d is %s", groupID, group.Kind)
	}
	m := &MPIndexCalculation[K]{
		converter: converter,
		tableIDs:  make([]int, 0, len(group.Features)),
	}
	for _, featureID := range group.Features {
		m.tableIDs = append(m.tableIDs, col.Features[featureID].TableID)
	}
	return m
}

// Run converts the received keys and fills one FeatureOutput per group
// feature. recvKeys is the unit-major received stream ([source unit]
// [feature][sample] buckets) and recvBucketRange its bucket range, both
// assembled from the two-phase exchange. The produced bucket ranges cover
// the global batch: sample id = sourceUnit*samples + sample.
func (m *MPIndexCalculation[K]) Run(recvKeys []K, recvBucketRange []int32, numUnits, samples int, outputs []FeatureOutput) {
	numFeatures := len(m.tableIDs)
	if len(outputs) != numFeatures {
		exceptions.Panicf("MPIndexCalculation: %d outputs for %d features", len(outputs), numFeatures)
	}
	if len(recvBucketRange) != numUnits*numFeatures*samples+1 {
		exceptions.Panicf("MPIndexCalculation: received bucket range has %d offsets, expected %d",
			len(recvBucketRange), numUnits*numFeatures*samples+1)
	}
	batchSize := numUnits * samples
	for f := 0; f < numFeatures; f++ {
		out := &outputs[f]
		if len(out.BucketRange) < batchSize+1 {
			exceptions.Panicf("MPIndexCalculation: feature #%d bucket range holds %d offsets, need %d",
				f, len(out.BucketRange), batchSize+1)
		}
		out.BucketRange[0] = 0
		total := int32(0)
		for u := 0; u < numUnits; u++ {
			for s := 0; s < samples; s++ {
				bucket := (u*numFeatures+f)*samples + s
				start, end := recvBucketRange[bucket], recvBucketRange[bucket+1]
				m.converter.Convert(recvKeys[start:end], m.tableIDs[f], out.Indices[total:])
				total += end - start
				out.BucketRange[u*samples+s+1] = total
			}
		}
	}
}

// DPKeySelector is the data-parallel counterpart of labeling: every key of a
// data-parallel group already lives on the right unit, so selection is the
// identity and no exchange happens. It only validates the stream against the
// group's layout.
type DPKeySelector[K sharding.Key] struct {
	numFeatures int
}

// NewDPKeySelector builds the selector for one data-parallel group.
func NewDPKeySelector[K sharding.Key](col *sharding.Collection, groupID int) *DPKeySelector[K] {
	group := col.Groups[groupID]
	if group.Kind != sharding.DataParallel {
		exceptions.Panicf("DPKeySelector: group #%d is %s", groupID, group.Kind)
	}
	return &DPKeySelector[K]{numFeatures: len(group.Features)}
}

// Select validates the feature-major stream of one unit's local samples.
func (d *DPKeySelector[K]) Select(keys []K, bucketRange []int32, samples int) {
	if len(bucketRange) != d.numFeatures*samples+1 {
		exceptions.Panicf("DPKeySelector: bucket range has %d offsets, expected %d features x %d samples + 1",
			len(bucketRange), d.numFeatures, samples)
	}
	ValidateBucketRange(bucketRange, len(keys))
}

// DPIndexCalculation computes the per-feature indices of a data-parallel
// group: the full table is resident everywhere, so local indices equal the
// converted keys directly and bucket ranges cover only the unit's own
// samples.
type DPIndexCalculation[K sharding.Key] struct {
	converter *KeysToIndices[K]
	tableIDs  []int
}

// NewDPIndexCalculation builds the data-parallel index calculation for one
// (group, unit) pair.
func NewDPIndexCalculation[K sharding.Key](col *sharding.Collection, converter *KeysToIndices[K], groupID int) *DPIndexCalculation[K] {
	group := col.Groups[groupID]
	if group.Kind != sharding.DataParallel {
		exceptions.Panicf("DPIndexCalculation: group #%d is %s", groupID, group.Kind)
	}
	d := &DPIndexCalculation[K]{
		converter: converter,
		tableIDs:  make([]int, 0, len(group.Features)),
	}
	for _, featureID := range group.Features {
		d.tableIDs = append(d.tableIDs, col.Features[featureID].TableID)
	}
	return d
}

// Run converts the local stream and fills one FeatureOutput per group
// feature, bucket ranges over the unit's samples.
func (d *DPIndexCalculation[K]) Run(keys []K, bucketRange []int32, samples int, outputs []FeatureOutput) {
	numFeatures := len(d.tableIDs)
	if len(outputs) != numFeatures {
		exceptions.Panicf("DPIndexCalculation: %d outputs for %d features", len(outputs), numFeatures)
	}
	for f := 0; f < numFeatures; f++ {
		out := &outputs[f]
		if len(out.BucketRange) < samples+1 {
			exceptions.Panicf("DPIndexCalculation: feature #%d bucket range holds %d offsets, need %d",
				f, len(out.BucketRange), samples+1)
		}
		out.BucketRange[0] = 0
		total := int32(0)
		for s := 0; s < samples; s++ {
			bucket := f*samples + s
			start, end := bucketRange[bucket], bucketRange[bucket+1]
			d.converter.Convert(keys[start:end], d.tableIDs[f], out.Indices[total:])
			total += end - start
			out.BucketRange[s+1] = total
		}
	}
}
