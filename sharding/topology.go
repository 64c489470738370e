package sharding

import (
	"github.com/pkg/errors"
)

// Topology describes the set of compute units participating in the
// distribution and which of them live in this host process. Unit ids are
// global: 0 <= unit < NumUnits; units [FirstLocalUnit, FirstLocalUnit+
// NumLocalUnits) are driven by this process.
type Topology struct {
	NumUnits       int
	NumLocalUnits  int
	FirstLocalUnit int
}

// LocalTopology returns a single-process topology where all units are local.
func LocalTopology(numUnits int) Topology {
	return Topology{NumUnits: numUnits, NumLocalUnits: numUnits, FirstLocalUnit: 0}
}

// Validate checks that the topology is internally consistent.
func (t Topology) Validate() error {
	if t.NumUnits <= 0 {
		return errors.Errorf("topology must have at least one unit, got %d", t.NumUnits)
	}
	if t.NumLocalUnits <= 0 || t.NumLocalUnits > t.NumUnits {
		return errors.Errorf("topology has %d local units, must be in [1, %d]", t.NumLocalUnits, t.NumUnits)
	}
	if t.FirstLocalUnit < 0 || t.FirstLocalUnit+t.NumLocalUnits > t.NumUnits {
		return errors.Errorf("local units [%d, %d) fall outside the global range [0, %d)",
			t.FirstLocalUnit, t.FirstLocalUnit+t.NumLocalUnits, t.NumUnits)
	}
	return nil
}

// IsLocal reports whether the given global unit id is driven by this process.
func (t Topology) IsLocal(unitID int) bool {
	return unitID >= t.FirstLocalUnit && unitID < t.FirstLocalUnit+t.NumLocalUnits
}

// GlobalUnit converts a local unit index into its global unit id.
func (t Topology) GlobalUnit(localIdx int) int {
	return t.FirstLocalUnit + localIdx
}
