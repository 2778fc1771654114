// Package annotation defines labelled bounding boxes, the JSON files they
// are stored in, and helpers to merge detections from overlapping tiles.
package annotation

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/menta2k/image-tiler/pkg/tiling"
	"github.com/menta2k/image-tiler/pkg/types"
)

// Object is a labelled bounding box in pixel coordinates
type Object struct {
	Label string      `json:"label"`
	Score float64     `json:"score,omitempty"`
	Box   tiling.Rect `json:"box"`
}

// BoundingBox implements tiling.Annotation
func (o Object) BoundingBox() tiling.Rect {
	return o.Box
}

// Translate returns a copy of o shifted by (dx, dy)
func (o Object) Translate(dx, dy float64) Object {
	o.Box = o.Box.Translate(dx, dy)
	return o
}

// FromNormalized converts a model detection in [0,1] coordinates to pixel
// coordinates for an image of the given size
func FromNormalized(obj types.Object, width, height int) Object {
	fw, fh := float64(width), float64(height)
	return Object{
		Label: obj.Label,
		Score: obj.Confidence,
		Box: tiling.Rect{
			Left:   obj.Box.X * fw,
			Top:    obj.Box.Y * fh,
			Right:  (obj.Box.X + obj.Box.W) * fw,
			Bottom: (obj.Box.Y + obj.Box.H) * fh,
		},
	}
}

// File is the on-disk annotation format for one image or tile
type File struct {
	Image       string    `json:"image,omitempty"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Tile        *TileInfo `json:"tile,omitempty"`
	Annotations []Object  `json:"annotations"`
}

// TileInfo records where a tile sits in its source image
type TileInfo struct {
	Row    int        `json:"row"`
	Col    int        `json:"col"`
	Box    tiling.Box `json:"box"`
	Source string     `json:"source,omitempty"`
}

// Decode reads an annotation file from r
func Decode(r io.Reader) (*File, error) {
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse annotations: %w", err)
	}
	return &f, nil
}

// Load reads an annotation file from disk
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %w", err)
	}
	defer fh.Close()
	return Decode(fh)
}

// Save writes f to path as indented JSON, creating the directory if needed
func Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create annotation directory: %w", err)
	}
	if f.Annotations == nil {
		f.Annotations = []Object{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal annotations: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write annotations: %w", err)
	}
	return nil
}

// ForTile builds the annotation file for tile (row, col): objects are
// shifted into tile-local coordinates
func ForTile(source string, row, col int, box tiling.Box, objects []Object) *File {
	local := make([]Object, 0, len(objects))
	for _, o := range objects {
		local = append(local, o.Translate(-float64(box.Left), -float64(box.Top)))
	}
	return &File{
		Width:       box.Width(),
		Height:      box.Height(),
		Tile:        &TileInfo{Row: row, Col: col, Box: box, Source: source},
		Annotations: local,
	}
}

// IoU returns the intersection over union of two rectangles
func IoU(a, b tiling.Rect) float64 {
	inter := tiling.Rect{
		Left:   max(a.Left, b.Left),
		Top:    max(a.Top, b.Top),
		Right:  min(a.Right, b.Right),
		Bottom: min(a.Bottom, b.Bottom),
	}.Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Merge suppresses duplicate detections. Objects are visited by descending
// score; an object is dropped when it has the same label as an already kept
// object and their IoU exceeds threshold. The input slice is not modified.
func Merge(objects []Object, threshold float64) []Object {
	sorted := append([]Object(nil), objects...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]Object, 0, len(sorted))
	for _, cand := range sorted {
		duplicate := false
		for _, k := range kept {
			if k.Label == cand.Label && IoU(k.Box, cand.Box) > threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, cand)
		}
	}
	return kept
}
