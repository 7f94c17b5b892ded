package ipfs

import (
	"bytes"
	"io"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// MaxImageSide bounds the width and height of agent images.
const MaxImageSide = 1024

// NormalizeImage decodes an agent image, fits it into MaxImageSide, and
// re-encodes it as PNG. EXIF orientation is applied while decoding.
func NormalizeImage(r io.Reader) ([]byte, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	bounds := img.Bounds()
	if bounds.Dx() > MaxImageSide || bounds.Dy() > MaxImageSide {
		img = imaging.Fit(img, MaxImageSide, MaxImageSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, "failed to encode image")
	}
	return buf.Bytes(), nil
}
