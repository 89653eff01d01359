package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// Blob is an encoded frame ready for upload.
type Blob struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Scale resizes img to targetWidth, preserving aspect ratio.
func Scale(img image.Image, targetWidth int) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrNotReady
	}
	if targetWidth <= 0 {
		return nil, fmt.Errorf("capture: invalid target width %d", targetWidth)
	}

	ratio := float64(b.Dy()) / float64(b.Dx())
	height := int(math.Round(float64(targetWidth) * ratio))
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

type Encoder interface {
	Encode(img image.Image) (Blob, error)
	ContentType() string
}

type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) ContentType() string { return "image/jpeg" }

func (e JPEGEncoder) Encode(img image.Image) (Blob, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return Blob{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return Blob{Data: buf.Bytes(), ContentType: e.ContentType(), Ext: "jpg"}, nil
}

type PNGEncoder struct{}

func (PNGEncoder) ContentType() string { return "image/png" }

func (e PNGEncoder) Encode(img image.Image) (Blob, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return Blob{}, fmt.Errorf("encode png: %w", err)
	}
	return Blob{Data: buf.Bytes(), ContentType: e.ContentType(), Ext: "png"}, nil
}

// FallbackEncoder tries each encoder in order and returns the first success.
type FallbackEncoder []Encoder

// NewFrameEncoder prefers JPEG at the given quality and falls back to PNG.
func NewFrameEncoder(quality int) FallbackEncoder {
	return FallbackEncoder{JPEGEncoder{Quality: quality}, PNGEncoder{}}
}

func (f FallbackEncoder) ContentType() string {
	if len(f) == 0 {
		return ""
	}
	return f[0].ContentType()
}

func (f FallbackEncoder) Encode(img image.Image) (Blob, error) {
	var errs []error
	for _, enc := range f {
		blob, err := enc.Encode(img)
		if err == nil {
			return blob, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Blob{}, errors.New("capture: no encoders configured")
	}
	return Blob{}, errors.Join(errs...)
}
