package encoder

import (
	"bytes"
	"image"
	"image/png"
)

// PNGEncoder encodes frames as PNG. The format is lossless, so the quality
// parameter is ignored; compression speed is favored over ratio.
type PNGEncoder struct{}

// Encode implements Encoder.
func (e *PNGEncoder) Encode(img *image.RGBA, _ int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(512 * 1024)

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MIMEType implements Encoder.
func (e *PNGEncoder) MIMEType() string {
	return "image/png"
}
