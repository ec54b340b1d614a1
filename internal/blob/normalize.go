package blob

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"
)

const (
	DefaultProfileImageMaxEdge = 512
	DefaultProfileJPEGQuality  = 85
)

var ErrInvalidImage = errors.New("invalid image data")

// NormalizedImage is a re-encoded profile or server image: resized to fit
// maxEdge and stripped of its original container. Opaque images become
// JPEG; images with any transparency stay PNG so the alpha survives.
type NormalizedImage struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

func NormalizeStaticImage(src io.Reader, maxEdge int, quality int) (*NormalizedImage, error) {
	if maxEdge <= 0 {
		maxEdge = DefaultProfileImageMaxEdge
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultProfileJPEGQuality
	}

	img, _, err := image.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, ErrInvalidImage
	}

	width, height := scaleDimensions(bounds.Dx(), bounds.Dy(), maxEdge)

	if imageHasAlpha(img) {
		scaled := image.NewNRGBA(image.Rect(0, 0, width, height))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Src, nil)

		buf := bytes.NewBuffer(nil)
		if err := png.Encode(buf, scaled); err != nil {
			return nil, fmt.Errorf("encoding png: %w", err)
		}
		return &NormalizedImage{
			Data:     buf.Bytes(),
			MimeType: "image/png",
			Width:    width,
			Height:   height,
		}, nil
	}

	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Src, nil)

	buf := bytes.NewBuffer(nil)
	if err := jpeg.Encode(buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return &NormalizedImage{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Width:    width,
		Height:   height,
	}, nil
}

func imageHasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}

	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, alpha := img.At(x, y).RGBA(); alpha != 0xffff {
				return true
			}
		}
	}
	return false
}
