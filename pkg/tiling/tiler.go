package tiling

import "image"

// Cropper extracts the region b from img. Implementations must return an
// image of exactly b.Width() x b.Height(), filling any part of b that lies
// outside img.
type Cropper interface {
	Crop(img image.Image, b Box) (image.Image, error)
}

// CropperFunc adapts a function to the Cropper interface
type CropperFunc func(img image.Image, b Box) (image.Image, error)

// Crop calls f(img, b)
func (f CropperFunc) Crop(img image.Image, b Box) (image.Image, error) {
	return f(img, b)
}

// GenerateCoordinates lays out the tile boxes for an image of the given size.
// The parameters are not validated; call Validate first.
//
// Boxes are not clamped to the image: tiles along the right and bottom edge
// may extend past it and rely on the Cropper to pad.
func GenerateCoordinates(imageWidth, imageHeight int, p Params) Grid[Box] {
	rows, cols := p.GridSize(imageWidth, imageHeight)
	hStride, vStride := p.Strides()

	grid := NewGrid[Box](rows, cols)
	for y := 0; y < grid.Rows; y++ {
		top := y * vStride
		for x := 0; x < grid.Cols; x++ {
			left := x * hStride
			grid.Set(y, x, Box{
				Left:   left,
				Top:    top,
				Right:  p.SliceWidth + left,
				Bottom: p.SliceHeight + top,
			})
		}
	}
	return grid
}

// TileImage validates p against img, lays out the tiles and crops each one
// with c. An error from c is returned unchanged and no partial grid is produced.
func TileImage(img image.Image, p Params, c Cropper) (Grid[image.Image], error) {
	size := img.Bounds().Size()
	if err := Validate(size.X, size.Y, p); err != nil {
		return Grid[image.Image]{}, err
	}
	boxes := GenerateCoordinates(size.X, size.Y, p)
	return MapGrid(boxes, func(b Box) (image.Image, error) {
		return c.Crop(img, b)
	})
}

// TileAnnotations validates p, lays out the tiles for an image of the given
// size and assigns each annotation to every tile that fully contains it.
// Annotations keep their input order within a cell; an annotation that
// crosses a tile edge is left out of that tile.
func TileAnnotations[A Annotation](annotations []A, imageWidth, imageHeight int, p Params) (Grid[[]A], error) {
	if err := Validate(imageWidth, imageHeight, p); err != nil {
		return Grid[[]A]{}, err
	}
	boxes := GenerateCoordinates(imageWidth, imageHeight, p)
	return MapGrid(boxes, func(b Box) ([]A, error) {
		return AnnotationsInTile(annotations, b), nil
	})
}

// AnnotationsInTile returns the annotations whose bounding box lies
// entirely within tile, in input order
func AnnotationsInTile[A Annotation](annotations []A, tile Box) []A {
	var out []A
	for _, a := range annotations {
		if tile.Contains(a.BoundingBox()) {
			out = append(out, a)
		}
	}
	return out
}
