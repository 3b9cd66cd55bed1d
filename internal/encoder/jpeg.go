package encoder

import (
	"bytes"
	"image"
	"image/jpeg"
)

// JPEGEncoder encodes frames as JPEG.
type JPEGEncoder struct{}

// Encode implements Encoder.
func (e *JPEGEncoder) Encode(img *image.RGBA, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	var buf bytes.Buffer
	buf.Grow(256 * 1024)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MIMEType implements Encoder.
func (e *JPEGEncoder) MIMEType() string {
	return "image/jpeg"
}
