// Package encoder contains the frame encoders.
package encoder

import (
	"fmt"
	"image"

	"github.com/screenrelay/screenrelay/internal/conf"
)

// Encoder encodes a raw frame into bytes.
type Encoder interface {
	// Encode compresses the image with the given quality (1-100).
	// Encoders of lossless formats ignore the quality.
	Encode(img *image.RGBA, quality int) ([]byte, error)

	// MIMEType returns the MIME type of the produced bytes.
	MIMEType() string
}

// ForFormat returns the encoder for the given image format.
func ForFormat(format conf.ImageFormat) (Encoder, error) {
	switch format {
	case conf.FormatJPEG:
		return &JPEGEncoder{}, nil
	case conf.FormatPNG:
		return &PNGEncoder{}, nil
	}
	return nil, fmt.Errorf("unsupported image format %q", format)
}
