// ABOUTME: Task status enumeration and the fixed status-to-partition table
// ABOUTME: Partition membership is always derived from status, never stored

package fleet

// TaskStatus is the lifecycle status reported for a Task.
type TaskStatus string

// Known task statuses.
const (
	StatusPending   TaskStatus = "pending"
	StatusRequested TaskStatus = "requested"
	StatusReceived  TaskStatus = "received"
	StatusSearching TaskStatus = "searching"
	StatusScheduled TaskStatus = "scheduled"

	StatusAssigned      TaskStatus = "assigned"
	StatusAccepted      TaskStatus = "accepted"
	StatusEnRoute       TaskStatus = "en_route"
	StatusDriverArrived TaskStatus = "driver_arrived"
	StatusArrived       TaskStatus = "arrived"
	StatusPickedUp      TaskStatus = "picked_up"
	StatusRideOngoing   TaskStatus = "ride_ongoing"
	StatusInProgress    TaskStatus = "in_progress"

	StatusCompleted TaskStatus = "completed"
	StatusCancelled TaskStatus = "cancelled"
	StatusCanceled  TaskStatus = "canceled"
	StatusRejected  TaskStatus = "rejected"
	StatusExpired   TaskStatus = "expired"
	StatusFailed    TaskStatus = "failed"
	StatusNoShow    TaskStatus = "no_show"
)

// Partition is a named subset of Tasks derived from their status.
type Partition string

// Partitions. Terminal tasks are never observable.
const (
	PartitionPending  Partition = "pending"
	PartitionActive   Partition = "active"
	PartitionTerminal Partition = "terminal"
)

// ObservablePartitions lists the partitions that hold tasks in the local view.
var ObservablePartitions = []Partition{PartitionPending, PartitionActive}

var partitionTable = map[TaskStatus]Partition{
	StatusPending:   PartitionPending,
	StatusRequested: PartitionPending,
	StatusReceived:  PartitionPending,
	StatusSearching: PartitionPending,
	StatusScheduled: PartitionPending,

	StatusAssigned:      PartitionActive,
	StatusAccepted:      PartitionActive,
	StatusEnRoute:       PartitionActive,
	StatusDriverArrived: PartitionActive,
	StatusArrived:       PartitionActive,
	StatusPickedUp:      PartitionActive,
	StatusRideOngoing:   PartitionActive,
	StatusInProgress:    PartitionActive,

	StatusCompleted: PartitionTerminal,
	StatusCancelled: PartitionTerminal,
	StatusCanceled:  PartitionTerminal,
	StatusRejected:  PartitionTerminal,
	StatusExpired:   PartitionTerminal,
	StatusFailed:    PartitionTerminal,
	StatusNoShow:    PartitionTerminal,
}

// PartitionOf returns the partition implied by status. Unknown statuses map to
// PartitionPending.
func PartitionOf(status TaskStatus) Partition {
	if p, ok := partitionTable[status]; ok {
		return p
	}
	return PartitionPending
}

// Known reports whether status is listed in the partition table.
func (s TaskStatus) Known() bool {
	_, ok := partitionTable[s]
	return ok
}

// Valid reports whether p names one of the three partitions.
func (p Partition) Valid() bool {
	switch p {
	case PartitionPending, PartitionActive, PartitionTerminal:
		return true
	}
	return false
}
