package capture

import (
	"context"
	"image"
	"sync/atomic"
	"time"

	"github.com/screenrelay/screenrelay/internal/conf"
)

// TestPatternSource generates a moving gradient instead of grabbing a real
// monitor. It stands in for a platform grabber during development and in
// deployments without display access. Safe for concurrent use by multiple
// streams.
type TestPatternSource struct {
	// Monitor dimensions. 1280x720 when zero.
	Width  int
	Height int

	frameCount atomic.Uint64
}

func (s *TestPatternSource) monitorBounds() (int, int) {
	w, h := s.Width, s.Height
	if w == 0 {
		w = 1280
	}
	if h == 0 {
		h = 720
	}
	return w, h
}

// Capture implements Source.
func (s *TestPatternSource) Capture(ctx context.Context, region *conf.Region) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	monW, monH := s.monitorBounds()

	x0, y0, w, h := 0, 0, monW, monH
	if region != nil {
		x0, y0 = region.X, region.Y
		w, h = region.Width, region.Height
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	phase := uint8(s.frameCount.Add(1) - 1)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			row[x*4] = uint8(x+x0) + phase
			row[x*4+1] = uint8(y + y0)
			row[x*4+2] = phase
			row[x*4+3] = 0xff
		}
	}

	return &Frame{
		Image:     img,
		Width:     w,
		Height:    h,
		Timestamp: time.Now(),
	}, nil
}
