package solver

import "sync"

// ResultStore holds the best-known extraction result and solution for a run.
// The first successful publish of each kind wins; once frozen no further
// mutation is possible and late publishes are only counted.
type ResultStore struct {
	mu         sync.Mutex
	frozen     bool
	extraction *ExtractionResult
	solution   *Solution
	wcs        *WCS
	discarded  int
}

// PublishExtraction stores the extraction result if none is held yet.
// It reports whether the publish was accepted.
func (s *ResultStore) PublishExtraction(r *ExtractionResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen || s.extraction != nil || r == nil {
		if r != nil {
			s.discarded++
		}
		return false
	}
	s.extraction = r
	return true
}

// PublishSolution stores the solution and its WCS if none is held yet.
func (s *ResultStore) PublishSolution(sol *Solution, wcs *WCS) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen || s.solution != nil || sol == nil {
		if sol != nil {
			s.discarded++
		}
		return false
	}
	s.solution = sol
	s.wcs = wcs
	return true
}

// Freeze makes the store read-only. Called at the orchestrator's terminal
// transition.
func (s *ResultStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Extraction returns the held extraction result, or nil.
func (s *ResultStore) Extraction() *ExtractionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extraction
}

// Solution returns the held solution, or nil.
func (s *ResultStore) Solution() *Solution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solution
}

// WCS returns the coordinate transform of the held solution, or nil.
func (s *ResultStore) WCS() *WCS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wcs
}

// Discarded is the number of publishes dropped after a winner was accepted.
func (s *ResultStore) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}
