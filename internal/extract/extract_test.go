package extract

import (
	"context"
	"image"
	"math"
	"testing"

	"skysolve/internal/solver"
)

// syntheticField renders Gaussian-ish stars onto a flat background with no
// noise, so detections are exact.
type syntheticStar struct {
	x, y  float64
	peak  float64
	sigma float64
}

func renderField(width, height int, background float64, stars []syntheticStar) ([]byte, solver.Statistics) {
	stats := solver.Statistics{Width: width, Height: height, Channels: 1, BitsPerPixel: 16}
	pixels := make([]byte, stats.BufferSize())
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := background
			for _, s := range stars {
				dx := float64(x) - s.x
				dy := float64(y) - s.y
				v += s.peak * math.Exp(-(dx*dx+dy*dy)/(2*s.sigma*s.sigma))
			}
			if v > 65535 {
				v = 65535
			}
			u := uint16(v)
			i := 2 * (y*width + x)
			pixels[i] = byte(u)
			pixels[i+1] = byte(u >> 8)
		}
	}
	return pixels, stats
}

func TestStarsFindsSyntheticSources(t *testing.T) {
	field := []syntheticStar{
		{x: 30.0, y: 40.0, peak: 20000, sigma: 1.8},
		{x: 90.5, y: 25.25, peak: 12000, sigma: 1.5},
		{x: 64.0, y: 100.0, peak: 6000, sigma: 2.0},
	}
	pixels, stats := renderField(128, 128, 1000, field)

	res, err := Stars(context.Background(), pixels, stats, solver.DefaultProfile(), image.Rectangle{}, false)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if len(res.Stars) != len(field) {
		t.Fatalf("expected %d stars, got %d: %+v", len(field), len(res.Stars), res.Stars)
	}

	// Sorted brightest first; centroids within half a pixel.
	for i, want := range field {
		got := res.Stars[i]
		if math.Abs(got.X-want.x) > 0.5 || math.Abs(got.Y-want.y) > 0.5 {
			t.Fatalf("star %d centroid (%g, %g), want near (%g, %g)", i, got.X, got.Y, want.x, want.y)
		}
		if got.Flux <= 0 || got.Peak <= 0 {
			t.Fatalf("star %d has no photometry: %+v", i, got)
		}
	}
	if res.Stars[0].Mag != 0 {
		t.Fatalf("brightest star magnitude %g, want 0", res.Stars[0].Mag)
	}
	if res.Stars[1].Mag <= res.Stars[0].Mag {
		t.Fatal("fainter star must have larger magnitude")
	}
	if math.Abs(res.Background.GlobalMean-1000) > 50 {
		t.Fatalf("background estimate %g, want near 1000", res.Background.GlobalMean)
	}
}

func TestStarsMeasuresHFR(t *testing.T) {
	tight := []syntheticStar{{x: 40, y: 40, peak: 20000, sigma: 1.2}}
	wide := []syntheticStar{{x: 40, y: 40, peak: 20000, sigma: 3.0}}

	measure := func(field []syntheticStar) float64 {
		pixels, stats := renderField(80, 80, 500, field)
		res, err := Stars(context.Background(), pixels, stats, solver.DefaultProfile(), image.Rectangle{}, true)
		if err != nil {
			t.Fatalf("extraction failed: %v", err)
		}
		if len(res.Stars) != 1 {
			t.Fatalf("expected one star, got %d", len(res.Stars))
		}
		return res.Stars[0].HFR
	}

	tightHFR := measure(tight)
	wideHFR := measure(wide)
	if tightHFR <= 0 || wideHFR <= 0 {
		t.Fatalf("hfr not measured: %g %g", tightHFR, wideHFR)
	}
	if wideHFR <= tightHFR {
		t.Fatalf("wider star must have larger hfr: tight %g wide %g", tightHFR, wideHFR)
	}
}

func TestStarsHonorsSubframe(t *testing.T) {
	field := []syntheticStar{
		{x: 20, y: 20, peak: 20000, sigma: 1.5},   // inside the subframe
		{x: 100, y: 100, peak: 20000, sigma: 1.5}, // outside
	}
	pixels, stats := renderField(128, 128, 800, field)

	res, err := Stars(context.Background(), pixels, stats, solver.DefaultProfile(), image.Rect(0, 0, 64, 64), false)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if len(res.Stars) != 1 {
		t.Fatalf("expected only the subframe star, got %d", len(res.Stars))
	}
	if math.Abs(res.Stars[0].X-20) > 0.5 {
		t.Fatalf("wrong star detected at %g", res.Stars[0].X)
	}
}

func TestStarsKeepLimit(t *testing.T) {
	var field []syntheticStar
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			field = append(field, syntheticStar{
				x: 12 + float64(i)*20, y: 12 + float64(j)*20,
				peak: 5000 + float64(i*6+j)*300, sigma: 1.4,
			})
		}
	}
	pixels, stats := renderField(132, 132, 600, field)

	params := solver.DefaultProfile()
	params.KeepNum = 10
	res, err := Stars(context.Background(), pixels, stats, params, image.Rectangle{}, false)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if len(res.Stars) != 10 {
		t.Fatalf("keep limit ignored: got %d stars", len(res.Stars))
	}
	for i := 1; i < len(res.Stars); i++ {
		if res.Stars[i].Flux > res.Stars[i-1].Flux {
			t.Fatal("stars not sorted brightest first")
		}
	}
}

func TestStarsCancellation(t *testing.T) {
	pixels, stats := renderField(256, 256, 700, []syntheticStar{{x: 128, y: 128, peak: 9000, sigma: 2}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Stars(ctx, pixels, stats, solver.DefaultProfile(), image.Rectangle{}, false); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestStarsRejectsColorBuffers(t *testing.T) {
	stats := solver.Statistics{Width: 8, Height: 8, Channels: 3, BitsPerPixel: 8}
	if _, err := Stars(context.Background(), make([]byte, 8*8*3), stats, solver.DefaultProfile(), image.Rectangle{}, false); err == nil {
		t.Fatal("expected rejection of multi-channel buffer")
	}
}
