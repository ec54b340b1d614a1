package blob

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"
)

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func solidRGBA(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func solidNRGBA(w, h int, c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestNormalizeStaticImage(t *testing.T) {
	testCases := []struct {
		name       string
		src        image.Image
		wantMime   string
		wantFormat string
		wantW      int
		wantH      int
	}{
		{
			name:       "opaque image becomes jpeg and resizes",
			src:        solidRGBA(640, 320, color.RGBA{R: 40, G: 90, B: 220, A: 255}),
			wantMime:   "image/jpeg",
			wantFormat: "jpeg",
			wantW:      256,
			wantH:      128,
		},
		{
			name:       "transparent image stays png",
			src:        solidNRGBA(400, 400, color.NRGBA{R: 255, G: 60, B: 60, A: 128}),
			wantMime:   "image/png",
			wantFormat: "png",
			wantW:      256,
			wantH:      256,
		},
		{
			name:       "small image is not upscaled",
			src:        solidRGBA(48, 32, color.RGBA{R: 20, G: 140, B: 80, A: 255}),
			wantMime:   "image/jpeg",
			wantFormat: "jpeg",
			wantW:      48,
			wantH:      32,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, err := NormalizeStaticImage(bytes.NewReader(pngBytes(t, tc.src)), 256, 82)
			if err != nil {
				t.Fatalf("NormalizeStaticImage() error = %v", err)
			}
			if normalized.MimeType != tc.wantMime {
				t.Fatalf("normalized.MimeType = %q, want %q", normalized.MimeType, tc.wantMime)
			}
			if normalized.Width != tc.wantW || normalized.Height != tc.wantH {
				t.Fatalf("normalized dimensions = %dx%d, want %dx%d",
					normalized.Width, normalized.Height, tc.wantW, tc.wantH)
			}

			decoded, format, err := image.Decode(bytes.NewReader(normalized.Data))
			if err != nil {
				t.Fatalf("image.Decode() error = %v", err)
			}
			if format != tc.wantFormat {
				t.Fatalf("decoded format = %q, want %q", format, tc.wantFormat)
			}
			if decoded.Bounds().Dx() != tc.wantW || decoded.Bounds().Dy() != tc.wantH {
				t.Fatalf("decoded dimensions = %dx%d, want %dx%d",
					decoded.Bounds().Dx(), decoded.Bounds().Dy(), tc.wantW, tc.wantH)
			}
		})
	}
}

func TestNormalizeStaticImageKeepsAlphaChannel(t *testing.T) {
	src := solidNRGBA(64, 64, color.NRGBA{R: 10, G: 10, B: 10, A: 96})

	normalized, err := NormalizeStaticImage(bytes.NewReader(pngBytes(t, src)), 256, 82)
	if err != nil {
		t.Fatalf("NormalizeStaticImage() error = %v", err)
	}

	decoded, _, err := image.Decode(bytes.NewReader(normalized.Data))
	if err != nil {
		t.Fatalf("image.Decode() error = %v", err)
	}
	if _, _, _, alpha := decoded.At(0, 0).RGBA(); alpha == 0xffff {
		t.Fatalf("decoded alpha = %d, want transparent pixel", alpha)
	}
}

func TestNormalizeStaticImageRejectsInvalidImageData(t *testing.T) {
	_, err := NormalizeStaticImage(bytes.NewReader([]byte("not-an-image")), 256, 82)
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("NormalizeStaticImage() error = %v, want ErrInvalidImage", err)
	}
}
