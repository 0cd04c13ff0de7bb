package solver

import (
	"fmt"
	"math"
)

// WCS is a tangent-plane (TAN) pixel/sky transform built from a Solution.
// The reference pixel is the image center, which is where solvers report the
// field center.
type WCS struct {
	ra0, dec0        float64 // tangent point, radians
	crpix1, crpix2   float64
	cd               [4]float64 // degrees per pixel
	inv              [4]float64
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

// NewWCS derives the linear transform from the solution's pixel scale,
// orientation and parity.
func NewWCS(sol *Solution, stats Statistics) (*WCS, error) {
	if sol == nil || sol.PixScale <= 0 {
		return nil, fmt.Errorf("cannot build WCS: missing pixel scale")
	}
	scale := sol.PixScale / 3600.0 // degrees per pixel
	theta := deg2rad(sol.Orientation)
	par := 1.0
	if sol.Parity == ParityFlipped {
		par = -1.0
	}

	w := &WCS{
		ra0:    deg2rad(sol.RA),
		dec0:   deg2rad(sol.Dec),
		crpix1: float64(stats.Width) / 2,
		crpix2: float64(stats.Height) / 2,
	}
	w.cd = [4]float64{
		-scale * math.Cos(theta), par * scale * math.Sin(theta),
		scale * math.Sin(theta), par * scale * math.Cos(theta),
	}
	det := w.cd[0]*w.cd[3] - w.cd[1]*w.cd[2]
	if det == 0 {
		return nil, fmt.Errorf("cannot build WCS: degenerate CD matrix")
	}
	w.inv = [4]float64{w.cd[3] / det, -w.cd[1] / det, -w.cd[2] / det, w.cd[0] / det}
	return w, nil
}

// PixelToSky converts image coordinates to RA/Dec in decimal degrees.
func (w *WCS) PixelToSky(x, y float64) (ra, dec float64, err error) {
	dx := x - w.crpix1
	dy := y - w.crpix2
	xi := deg2rad(w.cd[0]*dx + w.cd[1]*dy)
	eta := deg2rad(w.cd[2]*dx + w.cd[3]*dy)

	sinD0, cosD0 := math.Sin(w.dec0), math.Cos(w.dec0)
	den := cosD0 - eta*sinD0
	if den == 0 {
		return 0, 0, fmt.Errorf("pixel (%g, %g) projects to the pole", x, y)
	}
	raR := w.ra0 + math.Atan2(xi, den)
	decR := math.Atan2(math.Cos(raR-w.ra0)*(eta*cosD0+sinD0), den)

	ra = math.Mod(rad2deg(raR)+360, 360)
	dec = rad2deg(decR)
	return ra, dec, nil
}

// SkyToPixel converts RA/Dec in decimal degrees to image coordinates.
func (w *WCS) SkyToPixel(ra, dec float64) (x, y float64, err error) {
	raR := deg2rad(ra)
	decR := deg2rad(dec)

	sinD, cosD := math.Sin(decR), math.Cos(decR)
	sinD0, cosD0 := math.Sin(w.dec0), math.Cos(w.dec0)
	cosDRA := math.Cos(raR - w.ra0)

	den := sinD*sinD0 + cosD*cosD0*cosDRA
	if den <= 0 {
		return 0, 0, fmt.Errorf("(%g, %g) is outside the tangent hemisphere", ra, dec)
	}
	xi := rad2deg(cosD * math.Sin(raR-w.ra0) / den)
	eta := rad2deg((sinD*cosD0 - cosD*sinD0*cosDRA) / den)

	x = w.crpix1 + w.inv[0]*xi + w.inv[1]*eta
	y = w.crpix2 + w.inv[2]*xi + w.inv[3]*eta
	return x, y, nil
}

// AppendRADec fills in the sky coordinates of every star in place.
func (w *WCS) AppendRADec(stars []Star) {
	for i := range stars {
		if ra, dec, err := w.PixelToSky(stars[i].X, stars[i].Y); err == nil {
			stars[i].RA = ra
			stars[i].Dec = dec
		}
	}
}
