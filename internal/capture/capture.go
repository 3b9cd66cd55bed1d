// Package capture contains the frame source interface and its in-tree
// implementations.
package capture

import (
	"context"
	"image"
	"time"

	"github.com/screenrelay/screenrelay/internal/conf"
)

// Frame is a captured raw frame.
type Frame struct {
	Image     *image.RGBA
	Width     int
	Height    int
	Timestamp time.Time
}

// Source captures raw frames. Implementations may be slow and must honor
// context cancellation.
type Source interface {
	// Capture grabs one frame of the given region, or the full monitor
	// when region is nil.
	Capture(ctx context.Context, region *conf.Region) (*Frame, error)
}
