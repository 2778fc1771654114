package tiling

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter is wrapped by every InvalidParameterError
var ErrInvalidParameter = errors.New("invalid tiling parameter")

// InvalidParameterError reports a tiling parameter outside its valid range
type InvalidParameterError struct {
	Param string
	Value any
	Range string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("%s must be %s (got %v)", e.Param, e.Range, e.Value)
}

// Unwrap allows errors.Is(err, ErrInvalidParameter)
func (e *InvalidParameterError) Unwrap() error {
	return ErrInvalidParameter
}

// Params describes the tile size and the overlap between neighbouring tiles.
//
// An overlap ratio is the stride expressed as a fraction of the tile size:
// 1.0 places tiles edge to edge, 0.5 advances by half a tile.
type Params struct {
	SliceWidth        int     `json:"slice_width"`
	SliceHeight       int     `json:"slice_height"`
	HorizontalOverlap float64 `json:"horizontal_overlap_ratio"`
	VerticalOverlap   float64 `json:"vertical_overlap_ratio"`

	// LegacyVerticalStride derives the vertical stride from SliceWidth
	// instead of SliceHeight. Grids produced by earlier releases of this
	// tool used that basis; set it to reproduce them exactly.
	LegacyVerticalStride bool `json:"legacy_vertical_stride,omitempty"`
}

// MaxTiles caps the number of tiles a single grid may hold. Overlap ratios
// small enough to exceed it are rejected by Validate.
const MaxTiles = 1 << 20

// Validate checks p against an image of the given size. Checks run in a
// fixed order (width, height, horizontal ratio, vertical ratio) and the
// first failure is returned as an *InvalidParameterError. A non-positive
// image size leaves no valid slice size and is reported on the slice.
func Validate(imageWidth, imageHeight int, p Params) error {
	if p.SliceWidth <= 0 || p.SliceWidth > imageWidth {
		return &InvalidParameterError{
			Param: "slice_width",
			Value: p.SliceWidth,
			Range: fmt.Sprintf("between 1 and the image width %d", imageWidth),
		}
	}
	if p.SliceHeight <= 0 || p.SliceHeight > imageHeight {
		return &InvalidParameterError{
			Param: "slice_height",
			Value: p.SliceHeight,
			Range: fmt.Sprintf("between 1 and the image height %d", imageHeight),
		}
	}
	if !validRatio(p.HorizontalOverlap) {
		return &InvalidParameterError{
			Param: "horizontal_overlap_ratio",
			Value: p.HorizontalOverlap,
			Range: "greater than 0 and at most 1",
		}
	}
	if !validRatio(p.VerticalOverlap) {
		return &InvalidParameterError{
			Param: "vertical_overlap_ratio",
			Value: p.VerticalOverlap,
			Range: "greater than 0 and at most 1",
		}
	}

	cols := gridCount(imageWidth, p.SliceWidth, p.HorizontalOverlap)
	if math.IsInf(cols, 0) || cols > MaxTiles {
		return tooManyTiles("horizontal_overlap_ratio", p.HorizontalOverlap)
	}
	rows := gridCount(imageHeight, p.SliceHeight, p.VerticalOverlap)
	if math.IsInf(rows, 0) || rows*cols > MaxTiles {
		return tooManyTiles("vertical_overlap_ratio", p.VerticalOverlap)
	}
	return nil
}

func tooManyTiles(param string, ratio float64) error {
	return &InvalidParameterError{
		Param: param,
		Value: ratio,
		Range: fmt.Sprintf("large enough to keep the grid within %d tiles", MaxTiles),
	}
}

// gridCount is the floored number of tiles along one axis. It is +Inf when
// slice*ratio underflows to zero.
func gridCount(imageSize, slice int, ratio float64) float64 {
	return math.Floor(float64(imageSize) / (float64(slice) * ratio))
}

// NaN fails both comparisons and is rejected
func validRatio(r float64) bool {
	return r > 0 && r <= 1
}

// Strides returns the horizontal and vertical distance in pixels between
// the origins of neighbouring tiles. Products are rounded half to even.
func (p Params) Strides() (horizontal, vertical int) {
	horizontal = int(math.RoundToEven(float64(p.SliceWidth) * p.HorizontalOverlap))
	basis := p.SliceHeight
	if p.LegacyVerticalStride {
		basis = p.SliceWidth
	}
	vertical = int(math.RoundToEven(float64(basis) * p.VerticalOverlap))
	return horizontal, vertical
}

// GridSize returns the number of tile rows and columns for an image of the
// given size. Counts are floored and always use the true tile height for rows.
func (p Params) GridSize(imageWidth, imageHeight int) (rows, cols int) {
	cols = int(gridCount(imageWidth, p.SliceWidth, p.HorizontalOverlap))
	rows = int(gridCount(imageHeight, p.SliceHeight, p.VerticalOverlap))
	return rows, cols
}
