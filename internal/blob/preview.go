package blob

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	xdraw "golang.org/x/image/draw"
)

const (
	DefaultPreviewMaxEdge = 480
	DefaultPreviewQuality = 80
)

// Preview is a downscaled JPEG rendition of an uploaded image, served
// next to the original with long-lived cache headers.
type Preview struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// GenerateStaticImagePreview decodes src (png, jpeg or gif first frame)
// and re-encodes it as a JPEG no larger than maxEdge on its longest
// side. Images already within bounds keep their dimensions but are
// still re-encoded, which strips metadata.
func GenerateStaticImagePreview(src io.Reader, maxEdge int, quality int) (*Preview, error) {
	if maxEdge <= 0 {
		maxEdge = DefaultPreviewMaxEdge
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultPreviewQuality
	}

	img, _, err := image.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.New("invalid image dimensions")
	}

	width, height := scaleDimensions(bounds.Dx(), bounds.Dy(), maxEdge)
	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg preview: %w", err)
	}

	return &Preview{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Width:    width,
		Height:   height,
	}, nil
}

// scaleDimensions fits width x height inside a maxEdge square without
// upscaling, preserving aspect ratio and never collapsing to zero.
func scaleDimensions(width, height, maxEdge int) (int, int) {
	if width <= maxEdge && height <= maxEdge {
		return width, height
	}

	scale := func(edge, long int) int {
		scaled := int(float64(edge)*float64(maxEdge)/float64(long) + 0.5)
		if scaled < 1 {
			scaled = 1
		}
		return scaled
	}

	if width >= height {
		return maxEdge, scale(height, width)
	}
	return scale(width, height), maxEdge
}
