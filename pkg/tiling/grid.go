// Package tiling computes overlapping tile grids over an image and assigns
// bounding-box annotations to the tiles that fully contain them.
//
// The package is pure: it never decodes, encodes, or crops pixels itself.
// Cropping is delegated to a Cropper supplied by the caller.
package tiling

import "image"

// Box is a tile rectangle in image pixel coordinates.
// Right and Bottom are exclusive, like image.Rectangle.
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width returns the horizontal extent of the box
func (b Box) Width() int {
	return b.Right - b.Left
}

// Height returns the vertical extent of the box
func (b Box) Height() int {
	return b.Bottom - b.Top
}

// Rectangle converts the box to an image.Rectangle
func (b Box) Rectangle() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Offset returns the top-left corner of the box
func (b Box) Offset() image.Point {
	return image.Point{X: b.Left, Y: b.Top}
}

// Contains reports whether r lies entirely within the box.
// Edges are inclusive on both sides, so a rectangle equal to the box is contained.
func (b Box) Contains(r Rect) bool {
	return r.Left >= float64(b.Left) &&
		r.Top >= float64(b.Top) &&
		r.Right <= float64(b.Right) &&
		r.Bottom <= float64(b.Bottom)
}

// Rect is an annotation extent. Coordinates may be fractional.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the horizontal extent of the rectangle
func (r Rect) Width() float64 {
	return r.Right - r.Left
}

// Height returns the vertical extent of the rectangle
func (r Rect) Height() float64 {
	return r.Bottom - r.Top
}

// Area returns the rectangle area, or 0 for degenerate rectangles
func (r Rect) Area() float64 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Translate shifts the rectangle by (dx, dy)
func (r Rect) Translate(dx, dy float64) Rect {
	return Rect{Left: r.Left + dx, Top: r.Top + dy, Right: r.Right + dx, Bottom: r.Bottom + dy}
}

// Annotation is anything that exposes a bounding box
type Annotation interface {
	BoundingBox() Rect
}

// Grid is a row-major two-dimensional arrangement of cells backed by a
// single slice.
type Grid[T any] struct {
	Rows  int
	Cols  int
	cells []T
}

// NewGrid allocates a rows x cols grid of zero values
func NewGrid[T any](rows, cols int) Grid[T] {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	return Grid[T]{Rows: rows, Cols: cols, cells: make([]T, rows*cols)}
}

// At returns the cell at row r, column c. It panics if the position is out of range.
func (g Grid[T]) At(r, c int) T {
	return g.cells[g.index(r, c)]
}

// Set stores v at row r, column c
func (g Grid[T]) Set(r, c int, v T) {
	g.cells[g.index(r, c)] = v
}

// Row returns the cells of row r. The returned slice aliases the grid storage.
func (g Grid[T]) Row(r int) []T {
	if r < 0 || r >= g.Rows {
		panic("tiling: row index out of range")
	}
	return g.cells[r*g.Cols : (r+1)*g.Cols : (r+1)*g.Cols]
}

// Cells returns all cells in row-major order. The returned slice aliases the grid storage.
func (g Grid[T]) Cells() []T {
	return g.cells
}

// Len returns the number of cells
func (g Grid[T]) Len() int {
	return len(g.cells)
}

// Each calls fn for every cell in row-major order
func (g Grid[T]) Each(fn func(r, c int, v T)) {
	for i, v := range g.cells {
		fn(i/g.Cols, i%g.Cols, v)
	}
}

// Nested copies the grid into a slice of rows
func (g Grid[T]) Nested() [][]T {
	out := make([][]T, g.Rows)
	for r := range out {
		out[r] = append([]T(nil), g.Row(r)...)
	}
	return out
}

func (g Grid[T]) index(r, c int) int {
	if r < 0 || r >= g.Rows || c < 0 || c >= g.Cols {
		panic("tiling: grid index out of range")
	}
	return r*g.Cols + c
}

// MapGrid applies fn to every cell of g, preserving the grid shape.
// The first error returned by fn aborts the mapping and is returned unchanged.
func MapGrid[T, U any](g Grid[T], fn func(T) (U, error)) (Grid[U], error) {
	out := NewGrid[U](g.Rows, g.Cols)
	for i, v := range g.cells {
		u, err := fn(v)
		if err != nil {
			return Grid[U]{}, err
		}
		out.cells[i] = u
	}
	return out, nil
}
