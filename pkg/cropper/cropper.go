package cropper

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-tiler/pkg/tiling"
)

// PaddedCropper cuts tiles out of an image. Any part of a tile that falls
// outside the source image is filled with a constant colour, so every tile
// has exactly the requested size.
type PaddedCropper struct {
	config CropConfig
}

// CropConfig holds configuration for tile cropping
type CropConfig struct {
	// Fill colours the area of a tile that lies outside the source image.
	Fill color.Color
	// Lazy returns a view onto the source instead of copying pixels.
	// Views stay valid only while the source image is unchanged.
	Lazy bool
	// ResizeWidth and ResizeHeight scale every tile after cropping when both
	// are positive. Zero keeps the tile size.
	ResizeWidth  int
	ResizeHeight int
	// Filter is the resampling filter for resizing. The zero value is
	// nearest neighbour.
	Filter imaging.ResampleFilter
}

var _ tiling.Cropper = (*PaddedCropper)(nil)

// DefaultFill is the colour used for padding when none is configured
var DefaultFill = color.NRGBA{0, 0, 0, 255}

// New creates a new PaddedCropper that pads with opaque black
func New() *PaddedCropper {
	return &PaddedCropper{
		config: CropConfig{
			Fill:   DefaultFill,
			Filter: imaging.Lanczos,
		},
	}
}

// NewWithConfig creates a new PaddedCropper with custom configuration
func NewWithConfig(config CropConfig) *PaddedCropper {
	if config.Fill == nil {
		config.Fill = DefaultFill
	}
	return &PaddedCropper{config: config}
}

// Crop extracts box b from img. Box coordinates are relative to the image's
// top-left corner, whatever img.Bounds().Min is.
func (c *PaddedCropper) Crop(img image.Image, b tiling.Box) (image.Image, error) {
	if b.Width() <= 0 || b.Height() <= 0 {
		return nil, fmt.Errorf("invalid crop box (%d,%d)-(%d,%d): empty region", b.Left, b.Top, b.Right, b.Bottom)
	}

	bounds := img.Bounds()
	region := b.Rectangle().Add(bounds.Min)

	var tile image.Image
	if c.config.Lazy {
		tile = &paddedImage{original: img, region: region, fill: c.config.Fill}
	} else {
		tile = c.copyRegion(img, region)
	}

	if c.config.ResizeWidth > 0 && c.config.ResizeHeight > 0 {
		tile = imaging.Resize(tile, c.config.ResizeWidth, c.config.ResizeHeight, c.config.Filter)
	}
	return tile, nil
}

func (c *PaddedCropper) copyRegion(img image.Image, region image.Rectangle) *image.NRGBA {
	canvas := imaging.New(region.Dx(), region.Dy(), c.config.Fill)

	inside := region.Intersect(img.Bounds())
	if inside.Empty() {
		return canvas
	}
	part := imaging.Crop(img, inside)
	return imaging.Paste(canvas, part, inside.Min.Sub(region.Min))
}

// CropAll crops every box of the grid, preserving its shape
func (c *PaddedCropper) CropAll(img image.Image, boxes tiling.Grid[tiling.Box]) (tiling.Grid[image.Image], error) {
	return tiling.MapGrid(boxes, func(b tiling.Box) (image.Image, error) {
		return c.Crop(img, b)
	})
}

// paddedImage implements the image.Image interface for a region of another
// image, answering fill for points the original does not cover
type paddedImage struct {
	original image.Image
	region   image.Rectangle
	fill     color.Color
}

func (p *paddedImage) ColorModel() color.Model {
	return p.original.ColorModel()
}

func (p *paddedImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.region.Dx(), p.region.Dy())
}

func (p *paddedImage) At(x, y int) color.Color {
	pt := image.Point{x, y}
	if !pt.In(p.Bounds()) {
		return color.RGBA{}
	}
	src := pt.Add(p.region.Min)
	if !src.In(p.original.Bounds()) {
		return p.original.ColorModel().Convert(p.fill)
	}
	return p.original.At(src.X, src.Y)
}
