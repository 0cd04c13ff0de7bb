package solver

// Parameters is a named extraction/solving tuning profile.
type Parameters struct {
	Name string `json:"name"`

	// Extraction
	KSigma      float64 `json:"k_sigma"`      // detection threshold, sigma above background
	MinArea     int     `json:"min_area"`     // smallest accepted blob, pixels
	MaxArea     int     `json:"max_area"`     // largest accepted blob, pixels (0 = no limit)
	KeepNum     int     `json:"keep_num"`     // stars kept after brightness sort
	InitialKeep int     `json:"initial_keep"` // candidates kept before shape filtering

	// Solving
	MaxDepth       int     `json:"max_depth"`       // deepest star rank attempted in matching
	SolveTolerance float64 `json:"solve_tolerance"` // match tolerance passed to the engine
}

// DefaultProfile is tuned for typical guide/imaging frames.
func DefaultProfile() Parameters {
	return Parameters{
		Name:           "default",
		KSigma:         3.0,
		MinArea:        5,
		MaxArea:        5000,
		KeepNum:        200,
		InitialKeep:    500,
		MaxDepth:       100,
		SolveTolerance: 0.01,
	}
}

// AllStarsProfile keeps every detection, for HFR surveys.
func AllStarsProfile() Parameters {
	p := DefaultProfile()
	p.Name = "all-stars"
	p.KSigma = 2.0
	p.MinArea = 3
	p.KeepNum = 0 // unlimited
	p.InitialKeep = 0
	return p
}

// FastSolveProfile trades completeness for speed.
func FastSolveProfile() Parameters {
	p := DefaultProfile()
	p.Name = "fast-solve"
	p.KSigma = 5.0
	p.KeepNum = 80
	p.MaxDepth = 50
	return p
}

// Profiles returns the built-in profiles keyed by name.
func Profiles() map[string]Parameters {
	out := map[string]Parameters{}
	for _, p := range []Parameters{DefaultProfile(), AllStarsProfile(), FastSolveProfile()} {
		out[p.Name] = p
	}
	return out
}
