package solver

// ProcessType selects what a solve run should do.
type ProcessType int

const (
	ProcessExtract ProcessType = iota
	ProcessExtractWithHFR
	ProcessSolve
	ProcessExtractAndSolve
)

func (t ProcessType) String() string {
	switch t {
	case ProcessExtract:
		return "extract"
	case ProcessExtractWithHFR:
		return "extract-hfr"
	case ProcessSolve:
		return "solve"
	case ProcessExtractAndSolve:
		return "extract-and-solve"
	default:
		return "unknown"
	}
}

// Solving returns true if the process type includes plate solving.
func (t ProcessType) Solving() bool {
	return t == ProcessSolve || t == ProcessExtractAndSolve
}

// ScaleUnits are the units used for the image scale search hint.
type ScaleUnits int

const (
	DegWidth ScaleUnits = iota
	ArcminWidth
	ArcsecPerPix
	FocalMM
)

func (u ScaleUnits) String() string {
	switch u {
	case DegWidth:
		return "degwidth"
	case ArcminWidth:
		return "arcminwidth"
	case ArcsecPerPix:
		return "arcsecperpix"
	case FocalMM:
		return "focalmm"
	default:
		return ""
	}
}

// ParseScaleUnits maps the wire strings back to ScaleUnits.
func ParseScaleUnits(s string) (ScaleUnits, bool) {
	switch s {
	case "degwidth", "dw":
		return DegWidth, true
	case "arcminwidth", "aw":
		return ArcminWidth, true
	case "arcsecperpix", "app":
		return ArcsecPerPix, true
	case "focalmm":
		return FocalMM, true
	default:
		return DegWidth, false
	}
}

// Parity describes the handedness of the solved field.
type Parity int

const (
	ParityNormal Parity = iota
	ParityFlipped
	ParityUnknown
)

func (p Parity) String() string {
	switch p {
	case ParityNormal:
		return "positive"
	case ParityFlipped:
		return "negative"
	default:
		return "unknown"
	}
}

// Statistics describes the pixel buffer a request borrows.
type Statistics struct {
	Width        int
	Height       int
	Channels     int
	BitsPerPixel int // 8 or 16, mono
}

// BytesPerPixel returns the per-sample byte width.
func (s Statistics) BytesPerPixel() int {
	if s.BitsPerPixel <= 8 {
		return 1
	}
	return 2
}

// BufferSize returns the expected length of the pixel buffer.
func (s Statistics) BufferSize() int {
	ch := s.Channels
	if ch < 1 {
		ch = 1
	}
	return s.Width * s.Height * ch * s.BytesPerPixel()
}

// Star is one extracted source.
type Star struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Flux float64 `json:"flux"`
	Peak float64 `json:"peak"`
	Mag  float64 `json:"mag"`
	HFR  float64 `json:"hfr"`
	RA   float64 `json:"ra"`  // decimal degrees, filled in after a solve
	Dec  float64 `json:"dec"` // decimal degrees, filled in after a solve
}

// Background summarizes the image background model from extraction.
type Background struct {
	GlobalMean float64 `json:"global_mean"`
	GlobalRMS  float64 `json:"global_rms"`
	NumPixels  int     `json:"num_pixels"`
}

// ExtractionResult is the star list plus background report from one extraction.
type ExtractionResult struct {
	Background Background `json:"background"`
	Stars      []Star     `json:"stars"`
}

// Solution is the sky calibration returned by a successful solve.
type Solution struct {
	RA          float64 `json:"ra"`  // field center, decimal degrees
	Dec         float64 `json:"dec"` // field center, decimal degrees
	FieldWidth  float64 `json:"field_width"`  // arcminutes
	FieldHeight float64 `json:"field_height"` // arcminutes
	PixScale    float64 `json:"pixscale"`     // arcsec per pixel
	Orientation float64 `json:"orientation"`  // degrees east of north
	Parity      Parity  `json:"parity"`
	IndexUsed   string  `json:"index_used,omitempty"`
}

// SearchHints narrow the solver's search space.
type SearchHints struct {
	UseScale   bool
	ScaleLow   float64
	ScaleHigh  float64
	ScaleUnits ScaleUnits

	UsePosition bool
	RA          float64 // decimal degrees
	Dec         float64 // decimal degrees
	Radius      float64 // degrees
}
