package solver

// BackendState is the lifecycle state of one child backend.
type BackendState int

const (
	BackendIdle BackendState = iota
	BackendRunning
	BackendSucceeded
	BackendFailed
	BackendAborted
)

func (s BackendState) String() string {
	switch s {
	case BackendIdle:
		return "idle"
	case BackendRunning:
		return "running"
	case BackendSucceeded:
		return "succeeded"
	case BackendFailed:
		return "failed"
	case BackendAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s BackendState) Terminal() bool {
	return s == BackendSucceeded || s == BackendFailed || s == BackendAborted
}

// Completion is the single message a backend delivers when it reaches a
// terminal state. State is one of Succeeded, Failed or Aborted; payloads are
// only set on success and are never partial.
type Completion struct {
	Partition  int
	State      BackendState
	Extraction *ExtractionResult
	Solution   *Solution
	WCS        *WCS
	Err        error
}

// Backend runs extraction and/or solving for one partition. Begin calls never
// block; they spawn the work and return. Abort is idempotent and safe to call
// from any goroutine; after it the backend reaches a terminal state within the
// configured grace period. Every started backend delivers exactly one
// Completion to the sink it was constructed with.
type Backend interface {
	BeginExtraction(req *SolveRequest, part Partition) error
	BeginSolving(req *SolveRequest, part Partition, hints SearchHints) error
	Abort()
	State() BackendState
}

// BackendFactory builds one backend per partition. notify is the backend's
// completion sink; implementations must call it exactly once per started run.
type BackendFactory func(part Partition, notify func(Completion)) (Backend, error)
