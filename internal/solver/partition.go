package solver

// Partition is one disjoint slice of the solving search space, assigned to a
// single child backend. Partitions are computed once per request and never
// mutated afterwards.
type Partition struct {
	Index int

	DepthLow  int
	DepthHigh int

	UseScale   bool
	ScaleLow   float64
	ScaleHigh  float64
	ScaleUnits ScaleUnits
}

// ComputePartitions splits a request's search space deterministically. With no
// parallelism or no hints the whole space goes to one partition, so a
// partitioned run never searches less than an unpartitioned one would. With a
// scale hint the scale range is divided into contiguous sub-ranges; otherwise
// successive depth bands step through the star list.
func ComputePartitions(req *SolveRequest) []Partition {
	maxDepth := req.Profile.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultProfile().MaxDepth
	}

	whole := Partition{
		DepthLow:   1,
		DepthHigh:  maxDepth,
		UseScale:   req.Hints.UseScale,
		ScaleLow:   req.Hints.ScaleLow,
		ScaleHigh:  req.Hints.ScaleHigh,
		ScaleUnits: req.Hints.ScaleUnits,
	}

	n := req.Parallelism
	if n <= 1 || !req.Process.Solving() {
		return []Partition{whole}
	}
	if n > maxDepth {
		n = maxDepth
	}

	if req.Hints.UseScale && req.Hints.ScaleHigh > req.Hints.ScaleLow {
		return scalePartitions(whole, n)
	}
	return depthPartitions(whole, n, maxDepth)
}

func scalePartitions(whole Partition, n int) []Partition {
	parts := make([]Partition, 0, n)
	span := (whole.ScaleHigh - whole.ScaleLow) / float64(n)
	for i := 0; i < n; i++ {
		p := whole
		p.Index = i
		p.ScaleLow = whole.ScaleLow + float64(i)*span
		p.ScaleHigh = whole.ScaleLow + float64(i+1)*span
		if i == n-1 {
			// Close the range exactly so float stepping cannot leave a gap.
			p.ScaleHigh = whole.ScaleHigh
		}
		parts = append(parts, p)
	}
	return parts
}

func depthPartitions(whole Partition, n, maxDepth int) []Partition {
	parts := make([]Partition, 0, n)
	inc := maxDepth / n
	for i := 0; i < n; i++ {
		p := whole
		p.Index = i
		p.DepthLow = i*inc + 1
		p.DepthHigh = (i + 1) * inc
		if i == n-1 {
			p.DepthHigh = maxDepth
		}
		parts = append(parts, p)
	}
	return parts
}
