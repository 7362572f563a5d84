package models

type LifecycleStatus string

const (
	LifecycleReported           LifecycleStatus = "reported"
	LifecycleUnderInvestigation LifecycleStatus = "under-investigation"
	LifecycleAcknowledged       LifecycleStatus = "acknowledged"
	LifecycleInProgress         LifecycleStatus = "in-progress"
	LifecycleScheduled          LifecycleStatus = "scheduled"
	LifecycleResolved           LifecycleStatus = "resolved"
	LifecycleClosed             LifecycleStatus = "closed"
)

// lifecycleOrder ranks every lifecycle state; transitions only move forward.
var lifecycleOrder = map[LifecycleStatus]int{
	LifecycleReported:           0,
	LifecycleUnderInvestigation: 1,
	LifecycleAcknowledged:       2,
	LifecycleInProgress:         3,
	LifecycleScheduled:          4,
	LifecycleResolved:           5,
	LifecycleClosed:             6,
}

var floodLifecycle = map[LifecycleStatus]bool{
	LifecycleReported:           true,
	LifecycleUnderInvestigation: true,
	LifecycleInProgress:         true,
	LifecycleResolved:           true,
	LifecycleClosed:             true,
}

func (s LifecycleStatus) Valid() bool {
	_, ok := lifecycleOrder[s]
	return ok
}

func (s LifecycleStatus) Rank() int {
	if r, ok := lifecycleOrder[s]; ok {
		return r
	}
	return -1
}

// ValidFor reports whether the status belongs to the lifecycle of kind.
// Flood reports skip the municipal acknowledged/scheduled stages.
func (s LifecycleStatus) ValidFor(kind ReportKind) bool {
	if !s.Valid() {
		return false
	}
	if kind == ReportKindFlood {
		return floodLifecycle[s]
	}
	return true
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s LifecycleStatus) CanAdvanceTo(next LifecycleStatus) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// AtLeast returns whichever of s and floor is further along.
func (s LifecycleStatus) AtLeast(floor LifecycleStatus) LifecycleStatus {
	if floor.Rank() > s.Rank() {
		return floor
	}
	return s
}
