package solver

import "errors"

// Request-level and backend-level failure categories. Per-partition failures
// are absorbed by the race; only ErrInvalidRequest, ErrAllPartitionsExhausted,
// ErrAborted and ErrTimedOut ever reach the caller as terminal errors.
var (
	ErrInvalidRequest         = errors.New("invalid solve request")
	ErrSpawn                  = errors.New("could not spawn backend")
	ErrAllPartitionsExhausted = errors.New("all partitions exhausted")
	ErrAborted                = errors.New("aborted")
	ErrTimedOut               = errors.New("timed out")
	ErrWorkerCrashed          = errors.New("worker process crashed")
	ErrArtifactParse          = errors.New("malformed solution artifact")
	ErrNoSolution             = errors.New("no solution found")
	ErrNotTerminal            = errors.New("result read before terminal state")
)
