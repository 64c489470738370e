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

// Package sharding defines the static descriptors that drive the distribution
// of sparse embedding keys across compute units: which features exist, how
// they are grouped (data-parallel vs. model-parallel), which unit owns which
// embedding table shard, and how a key maps to its owning unit.
//
// All descriptors are built once at construction from static configuration
// and are immutable afterwards. Constructors validate and return errors;
// nothing here is mutated during a distribution call.
package sharding

import (
	"github.com/pkg/errors"
)

// Key is the constraint for the integer type used for the raw embedding
// lookup keys. Uniqueness of a key is feature-scoped, not global.
type Key interface {
	int32 | int64 | uint32 | uint64
}

// FeatureConfig describes one sparse categorical feature.
type FeatureConfig struct {
	// Name is used for error messages and logging only.
	Name string

	// TableID is the embedding table this feature looks up into. Several
	// features may share one table.
	TableID int

	// PoolingFactor is the maximum number of keys one sample may carry for
	// this feature (its "hotness"). Must be > 0.
	PoolingFactor int
}

// TableConfig describes one embedding table, as far as key distribution is
// concerned. The table's actual storage belongs to the embedding engine and
// is out of scope here.
type TableConfig struct {
	Name string

	// VocabularySize is the number of rows (distinct keys) of the table.
	// Keys must be in the range [0, VocabularySize).
	VocabularySize int
}

// GroupKind tags a feature group as data-parallel or model-parallel.
type GroupKind int

const (
	// DataParallel means every unit holds the full tables of the group and
	// only samples are partitioned across units. No key exchange is needed.
	DataParallel GroupKind = iota

	// ModelParallel means the tables of the group are sharded by key across
	// units, so keys must be exchanged to the unit owning their shard.
	ModelParallel
)

// String implements fmt.Stringer.
func (k GroupKind) String() string {
	switch k {
	case DataParallel:
		return "DataParallel"
	case ModelParallel:
		return "ModelParallel"
	default:
		return "InvalidGroupKind"
	}
}

// FeatureGroup is a set of features processed jointly through the same
// operator pipeline and sharding scheme. A feature belongs to exactly one
// group.
type FeatureGroup struct {
	Kind GroupKind

	// Features are feature ids (indices into Collection.Features), in the
	// order their keys appear in the group's concatenated key stream.
	Features []int
}

// Collection is the validated static configuration for one embedding
// collection: its features, tables, feature grouping and the maximum batch
// size the distributor must support.
type Collection struct {
	Features []FeatureConfig
	Tables   []TableConfig
	Groups   []FeatureGroup

	// MaxBatchSize is the largest (global) batch size a distribution call may
	// use. Scratch buffers are sized from it once, at construction.
	MaxBatchSize int

	featureToGroup []int
	tableKind      []GroupKind
}

// NewCollection validates the given configuration and returns an immutable
// Collection. It fails if any feature is left without a group or is assigned
// to more than one, if a table is shared between groups of different kinds,
// or if any pooling factor, vocabulary size or the max batch size is not
// positive.
func NewCollection(features []FeatureConfig, tables []TableConfig, groups []FeatureGroup, maxBatchSize int) (*Collection, error) {
	if len(features) == 0 {
		return nil, errors.New("Collection requires at least one feature")
	}
	if maxBatchSize <= 0 {
		return nil, errors.Errorf("Collection maxBatchSize must be positive, got %d", maxBatchSize)
	}
	for tableID, table := range tables {
		if table.VocabularySize <= 0 {
			return nil, errors.Errorf("table %q (#%d) has non-positive vocabulary size %d",
				table.Name, tableID, table.VocabularySize)
		}
	}
	for featureID, feature := range features {
		if feature.PoolingFactor <= 0 {
			return nil, errors.Errorf("feature %q (#%d) has non-positive pooling factor %d",
				feature.Name, featureID, feature.PoolingFactor)
		}
		if feature.TableID < 0 || feature.TableID >= len(tables) {
			return nil, errors.Errorf("feature %q (#%d) references table #%d, but only %d tables are configured",
				feature.Name, featureID, feature.TableID, len(tables))
		}
	}

	featureToGroup := make([]int, len(features))
	for ii := range featureToGroup {
		featureToGroup[ii] = -1
	}
	tableKind := make([]GroupKind, len(tables))
	tableGroup := make([]int, len(tables))
	for ii := range tableGroup {
		tableGroup[ii] = -1
	}
	for groupID, group := range groups {
		if group.Kind != DataParallel && group.Kind != ModelParallel {
			return nil, errors.Errorf("group #%d has invalid kind %d", groupID, group.Kind)
		}
		if len(group.Features) == 0 {
			return nil, errors.Errorf("group #%d has no features", groupID)
		}
		for _, featureID := range group.Features {
			if featureID < 0 || featureID >= len(features) {
				return nil, errors.Errorf("group #%d references feature #%d, but only %d features are configured",
					groupID, featureID, len(features))
			}
			if featureToGroup[featureID] != -1 {
				return nil, errors.Errorf("feature %q (#%d) is assigned to both group #%d and group #%d",
					features[featureID].Name, featureID, featureToGroup[featureID], groupID)
			}
			featureToGroup[featureID] = groupID
			tableID := features[featureID].TableID
			if tableGroup[tableID] == -1 {
				tableGroup[tableID] = groupID
				tableKind[tableID] = group.Kind
			} else if tableKind[tableID] != group.Kind {
				return nil, errors.Errorf("table %q (#%d) is shared between a %s and a %s group",
					tables[tableID].Name, tableID, tableKind[tableID], group.Kind)
			}
		}
	}
	for featureID, groupID := range featureToGroup {
		if groupID == -1 {
			return nil, errors.Errorf("feature %q (#%d) is not assigned to any group",
				features[featureID].Name, featureID)
		}
	}

	return &Collection{
		Features:       features,
		Tables:         tables,
		Groups:         groups,
		MaxBatchSize:   maxBatchSize,
		featureToGroup: featureToGroup,
		tableKind:      tableKind,
	}, nil
}

// NumFeatures returns the number of configured features.
func (c *Collection) NumFeatures() int { return len(c.Features) }

// GroupOf returns the id of the group the feature belongs to.
func (c *Collection) GroupOf(featureID int) int { return c.featureToGroup[featureID] }

// TableKind returns the sharding scheme of the groups using the table.
func (c *Collection) TableKind(tableID int) GroupKind { return c.tableKind[tableID] }

// SampleMaxNNZ returns the maximum number of keys one sample may carry across
// all features, that is, the sum of all pooling factors.
func (c *Collection) SampleMaxNNZ() int {
	total := 0
	for _, feature := range c.Features {
		total += feature.PoolingFactor
	}
	return total
}

// GroupMaxNNZ returns the sum of pooling factors of the features of one group.
func (c *Collection) GroupMaxNNZ(groupID int) int {
	total := 0
	for _, featureID := range c.Groups[groupID].Features {
		total += c.Features[featureID].PoolingFactor
	}
	return total
}
