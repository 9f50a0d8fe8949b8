package worker

// State is the lifecycle position of a worker.
type State int32

// Worker states. Gating, Fetching and Processing count as busy.
const (
	StateIdle State = iota
	StateDequeuing
	StateGating
	StateFetching
	StateProcessing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDequeuing:
		return "dequeuing"
	case StateGating:
		return "gating"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Busy reports whether the worker holds an entry it has not finished.
func (s State) Busy() bool {
	return s == StateGating || s == StateFetching || s == StateProcessing
}

// Outcome classifies how a dequeued entry was handled.
type Outcome int

// Outcomes of a single entry.
const (
	OutcomeProcessed Outcome = iota
	OutcomeSkippedRobots
	OutcomeSkippedDuplicate
	OutcomeFetchFailed
	OutcomeCallbackFailed
	OutcomeBudgetExhausted
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkippedRobots:
		return "skipped_robots"
	case OutcomeSkippedDuplicate:
		return "skipped_duplicate"
	case OutcomeFetchFailed:
		return "fetch_failed"
	case OutcomeCallbackFailed:
		return "callback_failed"
	case OutcomeBudgetExhausted:
		return "budget_exhausted"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is what Process returns for one entry.
type Result struct {
	Outcome Outcome
	// Links is the number of valid outlinks the visitor reported.
	Links int
	// Enqueued is how many of them were new to the frontier.
	Enqueued int
	Bytes    int
	Err      error
}
