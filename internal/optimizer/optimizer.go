// Package optimizer re-encodes enhanced images for web delivery.
package optimizer

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"image-enhancer/internal/config"
)

// Result reports before/after stats of one optimization.
type Result struct {
	Data          []byte
	Extension     string
	ContentType   string
	OriginalSize  int
	OptimizedSize int
	Width         int
	Height        int
}

// Optimizer encodes images into a single configured output format.
type Optimizer struct {
	format       string
	quality      int
	maxDimension int
}

// New builds an optimizer. Format must be one of webp, jpg, jpeg, png;
// maxDimension of 0 disables downscaling.
func New(format string, quality, maxDimension int) (*Optimizer, error) {
	format = strings.ToLower(format)
	if !config.ValidOutputFormat(format) {
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	if format == "jpeg" {
		format = "jpg"
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("quality out of range: %d", quality)
	}
	return &Optimizer{format: format, quality: quality, maxDimension: maxDimension}, nil
}

// Extension returns the file extension the optimizer produces, without dot.
func (o *Optimizer) Extension() string {
	return o.format
}

// Optimize decodes data, optionally fits it within the max dimension, and
// re-encodes it in the configured format.
func (o *Optimizer) Optimize(data []byte) (Result, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}

	if o.maxDimension > 0 {
		bounds := img.Bounds()
		if bounds.Dx() > o.maxDimension || bounds.Dy() > o.maxDimension {
			img = imaging.Fit(img, o.maxDimension, o.maxDimension, imaging.Lanczos)
		}
	}

	buf := &bytes.Buffer{}
	contentType := ""
	switch o.format {
	case "webp":
		contentType = "image/webp"
		err = webp.Encode(buf, img, &webp.Options{Quality: float32(o.quality)})
	case "jpg":
		contentType = "image/jpeg"
		err = imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(o.quality))
	case "png":
		contentType = "image/png"
		err = imaging.Encode(buf, img, imaging.PNG)
	}
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", o.format, err)
	}

	bounds := img.Bounds()
	return Result{
		Data:          buf.Bytes(),
		Extension:     o.format,
		ContentType:   contentType,
		OriginalSize:  len(data),
		OptimizedSize: buf.Len(),
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
	}, nil
}
