// Package extract implements the star-extraction capability consumed by the
// solver backends: background estimation, thresholding, connected-component
// labeling, centroiding and optional HFR measurement on a read-only mono
// pixel buffer.
package extract

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	"skysolve/internal/solver"
)

type frame struct {
	pixels []byte
	stats  solver.Statistics
	rect   image.Rectangle
}

func (f *frame) at(x, y int) float64 {
	if f.stats.BitsPerPixel <= 8 {
		return float64(f.pixels[y*f.stats.Width+x])
	}
	i := 2 * (y*f.stats.Width + x)
	return float64(uint16(f.pixels[i]) | uint16(f.pixels[i+1])<<8)
}

// Stars detects star-like sources. It checks ctx between rows and between
// blobs, so cooperative cancellation takes effect within one scan step.
func Stars(ctx context.Context, pixels []byte, stats solver.Statistics, params solver.Parameters, subframe image.Rectangle, withHFR bool) (*solver.ExtractionResult, error) {
	if stats.Channels > 1 {
		return nil, fmt.Errorf("extraction needs a mono buffer, got %d channels", stats.Channels)
	}
	rect := subframe
	if rect.Empty() {
		rect = image.Rect(0, 0, stats.Width, stats.Height)
	}
	f := &frame{pixels: pixels, stats: stats, rect: rect}

	bg, err := measureBackground(ctx, f)
	if err != nil {
		return nil, err
	}
	threshold := bg.GlobalMean + max(params.KSigma, 1)*bg.GlobalRMS

	stars, err := findStars(ctx, f, bg, threshold, params, withHFR)
	if err != nil {
		return nil, err
	}

	sort.Slice(stars, func(i, j int) bool { return stars[i].Flux > stars[j].Flux })
	if params.InitialKeep > 0 && len(stars) > params.InitialKeep {
		stars = stars[:params.InitialKeep]
	}
	if params.KeepNum > 0 && len(stars) > params.KeepNum {
		stars = stars[:params.KeepNum]
	}
	assignMagnitudes(stars)

	bg.NumPixels = rect.Dx() * rect.Dy()
	return &solver.ExtractionResult{Background: bg, Stars: stars}, nil
}

// measureBackground estimates the sky level and noise with a sigma-clipped
// mean over the frame.
func measureBackground(ctx context.Context, f *frame) (solver.Background, error) {
	var bg solver.Background

	mean, rms := meanRMS(ctx, f, math.Inf(1), 0)
	// Two clipping rounds knock the stars out of the estimate.
	for i := 0; i < 2; i++ {
		if err := ctx.Err(); err != nil {
			return bg, err
		}
		mean, rms = meanRMS(ctx, f, mean+3*rms, mean)
	}
	if rms <= 0 {
		rms = 1
	}
	bg.GlobalMean = mean
	bg.GlobalRMS = rms
	return bg, nil
}

func meanRMS(ctx context.Context, f *frame, clipAbove, prevMean float64) (float64, float64) {
	var sum, sumSq float64
	var n int
	for y := f.rect.Min.Y; y < f.rect.Max.Y; y++ {
		if ctx.Err() != nil {
			return prevMean, 0
		}
		for x := f.rect.Min.X; x < f.rect.Max.X; x++ {
			v := f.at(x, y)
			if v > clipAbove {
				continue
			}
			sum += v
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return prevMean, 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func findStars(ctx context.Context, f *frame, bg solver.Background, threshold float64, params solver.Parameters, withHFR bool) ([]solver.Star, error) {
	w := f.rect.Dx()
	h := f.rect.Dy()
	visited := make([]bool, w*h)
	idx := func(x, y int) int { return (y-f.rect.Min.Y)*w + (x - f.rect.Min.X) }

	minArea := params.MinArea
	if minArea < 1 {
		minArea = 1
	}

	var stars []solver.Star
	for y := f.rect.Min.Y; y < f.rect.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := f.rect.Min.X; x < f.rect.Max.X; x++ {
			if visited[idx(x, y)] || f.at(x, y) < threshold {
				continue
			}
			blob := floodFill(f, visited, idx, x, y, threshold)
			if len(blob) < minArea {
				continue
			}
			if params.MaxArea > 0 && len(blob) > params.MaxArea {
				continue
			}
			if star, ok := measureStar(f, blob, bg, withHFR); ok {
				stars = append(stars, star)
			}
		}
	}
	return stars, nil
}

// floodFill collects the 4-connected blob of pixels above the threshold.
func floodFill(f *frame, visited []bool, idx func(int, int) int, x0, y0 int, threshold float64) []image.Point {
	stack := []image.Point{{X: x0, Y: y0}}
	visited[idx(x0, y0)] = true
	var blob []image.Point
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		blob = append(blob, p)
		for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := p.X+d.X, p.Y+d.Y
			if nx < f.rect.Min.X || nx >= f.rect.Max.X || ny < f.rect.Min.Y || ny >= f.rect.Max.Y {
				continue
			}
			if visited[idx(nx, ny)] || f.at(nx, ny) < threshold {
				continue
			}
			visited[idx(nx, ny)] = true
			stack = append(stack, image.Point{X: nx, Y: ny})
		}
	}
	return blob
}

func measureStar(f *frame, blob []image.Point, bg solver.Background, withHFR bool) (solver.Star, bool) {
	var flux, cx, cy, peak float64
	for _, p := range blob {
		v := f.at(p.X, p.Y) - bg.GlobalMean
		if v <= 0 {
			continue
		}
		flux += v
		cx += float64(p.X) * v
		cy += float64(p.Y) * v
		if v > peak {
			peak = v
		}
	}
	if flux <= 0 {
		return solver.Star{}, false
	}
	star := solver.Star{
		X:    cx / flux,
		Y:    cy / flux,
		Flux: flux,
		Peak: peak,
	}
	if withHFR {
		star.HFR = halfFluxRadius(f, blob, bg, star)
	}
	return star, true
}

// halfFluxRadius is the radius containing half the star's flux, the focus
// metric imaging callers chart.
func halfFluxRadius(f *frame, blob []image.Point, bg solver.Background, star solver.Star) float64 {
	type sample struct {
		r, v float64
	}
	samples := make([]sample, 0, len(blob))
	var total float64
	for _, p := range blob {
		v := f.at(p.X, p.Y) - bg.GlobalMean
		if v <= 0 {
			continue
		}
		dx := float64(p.X) - star.X
		dy := float64(p.Y) - star.Y
		samples = append(samples, sample{r: math.Hypot(dx, dy), v: v})
		total += v
	}
	if total <= 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].r < samples[j].r })
	var acc float64
	for _, s := range samples {
		acc += s.v
		if acc >= total/2 {
			return s.r
		}
	}
	return samples[len(samples)-1].r
}

// assignMagnitudes converts flux to an instrumental magnitude relative to the
// brightest star.
func assignMagnitudes(stars []solver.Star) {
	if len(stars) == 0 {
		return
	}
	ref := stars[0].Flux
	for i := range stars {
		stars[i].Mag = -2.5 * math.Log10(stars[i].Flux/ref)
	}
}
