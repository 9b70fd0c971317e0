package scheduler

// TaskPriority identifies one of the three scheduling priorities, ordered
// from highest to lowest dispatch precedence:
//
//	"user-blocking" > "user-visible" > "background"
//
// As long as a higher priority has queued tasks, no lower-priority task
// dispatches.
type TaskPriority string

const (
	// PriorityUserBlocking is the highest priority, for work that blocks the
	// user's ability to interact.
	PriorityUserBlocking TaskPriority = "user-blocking"

	// PriorityUserVisible is the middle priority and the default for tasks
	// submitted without an explicit priority or a prioritized signal.
	PriorityUserVisible TaskPriority = "user-visible"

	// PriorityBackground is the lowest priority, for work with no user-visible
	// deadline. Background wakeups prefer the host's idle-callback primitive.
	PriorityBackground TaskPriority = "background"
)

// numPriorities is the number of distinct priority levels.
const numPriorities = 3

// priorityRanks lists all priorities in descending dispatch precedence.
// Index into this array is the canonical rank (0 = highest).
var priorityRanks = [numPriorities]TaskPriority{
	PriorityUserBlocking,
	PriorityUserVisible,
	PriorityBackground,
}

// Valid reports whether p is one of the three recognized priority tags.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityUserBlocking, PriorityUserVisible, PriorityBackground:
		return true
	}
	return false
}

// String returns the priority tag.
func (p TaskPriority) String() string { return string(p) }

// rank returns the dispatch rank of p (0 = highest precedence).
// p must be valid.
func (p TaskPriority) rank() int {
	switch p {
	case PriorityUserBlocking:
		return 0
	case PriorityUserVisible:
		return 1
	default:
		return 2
	}
}

// checkPriority validates a priority tag supplied by a caller.
func checkPriority(p TaskPriority) error {
	if !p.Valid() {
		return newTypeError("invalid task priority %q", string(p))
	}
	return nil
}
