package solver

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ParseSolutionArtifact reads the key=value solution file an external solver
// writes on success (the shape ASTAP and Watney use for their .ini output).
// A missing or unreadable required field is an ErrArtifactParse; the caller
// treats that as this partition's failure only.
func ParseSolutionArtifact(path string) (*Solution, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactParse, err)
	}
	defer f.Close()

	fields := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %q", ErrArtifactParse, line)
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactParse, err)
	}

	sol := &Solution{Parity: ParityUnknown}
	var perr error
	need := func(keys ...string) float64 {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					perr = fmt.Errorf("%w: field %s=%q", ErrArtifactParse, k, v)
					return 0
				}
				return f
			}
		}
		perr = fmt.Errorf("%w: missing field %s", ErrArtifactParse, keys[0])
		return 0
	}
	opt := func(keys ...string) float64 {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					return f
				}
			}
		}
		return 0
	}

	sol.RA = need("ra", "crval1")
	sol.Dec = need("dec", "crval2")
	sol.PixScale = need("pixscale", "cdelt")
	if perr != nil {
		return nil, perr
	}
	sol.Orientation = opt("orientation", "crota2", "rotation")
	sol.FieldWidth = opt("fieldw")
	sol.FieldHeight = opt("fieldh")
	switch strings.ToLower(fields["parity"]) {
	case "pos", "positive", "normal":
		sol.Parity = ParityNormal
	case "neg", "negative", "flipped":
		sol.Parity = ParityFlipped
	}
	sol.IndexUsed = fields["index"]

	if sol.Dec < -90 || sol.Dec > 90 {
		return nil, fmt.Errorf("%w: declination %g out of range", ErrArtifactParse, sol.Dec)
	}
	return sol, nil
}
