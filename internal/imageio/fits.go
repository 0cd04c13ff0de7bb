// Package imageio serializes borrowed pixel buffers to files external solvers
// can read.
package imageio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"skysolve/internal/solver"
)

// ImageMagick is initialized once for the process lifetime. Terminating it
// while another partition holds a wand is not safe.
var initOnce sync.Once

// WriteFITS writes a mono pixel buffer to a FITS file at path. The buffer is
// read-only; conversion for 16-bit data happens into a private copy.
func WriteFITS(path string, pixels []byte, stats solver.Statistics) error {
	if stats.Channels > 1 {
		return fmt.Errorf("FITS export needs a mono buffer, got %d channels", stats.Channels)
	}
	if want := stats.BufferSize(); len(pixels) < want {
		return fmt.Errorf("pixel buffer is %d bytes, statistics imply %d", len(pixels), want)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	initOnce.Do(imagick.Initialize)

	wand := imagick.NewMagickWand()
	defer wand.Destroy()

	var err error
	if stats.BitsPerPixel <= 8 {
		err = wand.ConstituteImage(uint(stats.Width), uint(stats.Height), "I", imagick.PIXEL_CHAR, pixels[:stats.Width*stats.Height])
	} else {
		samples := make([]uint16, stats.Width*stats.Height)
		for i := range samples {
			samples[i] = uint16(pixels[2*i]) | uint16(pixels[2*i+1])<<8
		}
		err = wand.ConstituteImage(uint(stats.Width), uint(stats.Height), "I", imagick.PIXEL_SHORT, samples)
	}
	if err != nil {
		return fmt.Errorf("constitute image: %w", err)
	}

	if err := wand.SetImageFormat("FITS"); err != nil {
		return fmt.Errorf("set FITS format: %w", err)
	}
	if err := wand.SetImageDepth(uint(stats.BitsPerPixel)); err != nil {
		return fmt.Errorf("set image depth: %w", err)
	}
	if err := wand.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
