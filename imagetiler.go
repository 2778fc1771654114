// Package imagetiler splits large images into fixed-size overlapping tiles
// and assigns bounding-box annotations to the tiles that fully contain them.
//
// Small objects in large images are hard for detectors to see. Cutting the
// image into tiles the detector's input size and keeping only the annotations
// that fit inside each tile produces training data and inference inputs at a
// useful scale.
//
// Basic usage:
//
//	package main
//
//	import (
//		"fmt"
//		"log"
//
//		imagetiler "github.com/menta2k/image-tiler"
//		"github.com/menta2k/image-tiler/pkg/tiling"
//	)
//
//	func main() {
//		t := imagetiler.New()
//		params := tiling.Params{
//			SliceWidth:        512,
//			SliceHeight:       512,
//			HorizontalOverlap: 0.8,
//			VerticalOverlap:   0.8,
//		}
//
//		manifest, err := t.ProcessImageFile("aerial.jpg", "aerial.json", "./tiles", params)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("wrote %d tiles (%dx%d)\n", len(manifest.Tiles), manifest.Rows, manifest.Cols)
//	}
//
// The package is a thin layer over its components:
//
//  1. Tiling (pkg/tiling): grid geometry, validation, and annotation assignment
//  2. Cropper (pkg/cropper): fixed-size crops padded past the image edge
//  3. Annotation (pkg/annotation): annotation files and detection merging
//  4. Detection (pkg/detection): optional sliced detection with a vision model
//
// Tiles that hang over the right or bottom edge are not clamped. Their
// overhang is filled with the cropper's padding colour.
package imagetiler

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/image-tiler/internal/utils"
	"github.com/menta2k/image-tiler/pkg/annotation"
	"github.com/menta2k/image-tiler/pkg/cropper"
	"github.com/menta2k/image-tiler/pkg/detection"
	"github.com/menta2k/image-tiler/pkg/processing"
	"github.com/menta2k/image-tiler/pkg/tiling"
)

// Version of the image tiler library
const Version = "1.0.0"

// Options control how ProcessImageFile writes its output
type Options struct {
	Format   string
	Quality  int
	Lossless bool
	Prefix   string
	// Debug also writes an overlay of the tile grid and annotations
	Debug bool
	// Workers caps concurrent tile writes; 0 means one per tile
	Workers int
	// Logger receives progress messages; nil is silent
	Logger *log.Logger
	// CacheTTL keeps decoded images in memory between LoadImage calls.
	// Zero uses processing.DefaultCacheTTL; negative disables the cache.
	CacheTTL time.Duration

	// Detector, when set, annotates images that have no annotation file
	Detector *detection.Detector
	Model    string
	// Slice configures sliced detection. Its Params are replaced by the
	// params passed to ProcessImageFile.
	Slice detection.SliceConfig
}

// DefaultOptions returns the options used by New
func DefaultOptions() Options {
	return Options{
		Format:  "jpg",
		Quality: 90,
		Workers: 4,
	}
}

// Tiler provides a high-level interface for tiling images and their annotations
type Tiler struct {
	processor *processing.Processor
	images    *processing.ImageCache
	cropper   *cropper.PaddedCropper
	options   Options
}

// New creates a new Tiler with default configuration
func New() *Tiler {
	return NewWithConfig(cropper.CropConfig{Fill: cropper.DefaultFill}, DefaultOptions())
}

// NewWithConfig creates a new Tiler with custom configuration
func NewWithConfig(cropConfig cropper.CropConfig, opts Options) *Tiler {
	if opts.Format == "" {
		opts.Format = "jpg"
	}
	if opts.Quality == 0 {
		opts.Quality = 90
	}
	t := &Tiler{
		processor: processing.NewProcessor(),
		cropper:   cropper.NewWithConfig(cropConfig),
		options:   opts,
	}
	if opts.CacheTTL >= 0 {
		t.images = processing.NewImageCache(t.processor, opts.CacheTTL)
	}
	return t
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
}

// Manifest describes the files written by ProcessImageFile
type Manifest struct {
	Source      string        `json:"source"`
	Image       ImageInfo     `json:"image"`
	Params      tiling.Params `json:"params"`
	Rows        int           `json:"rows"`
	Cols        int           `json:"cols"`
	Annotations string        `json:"annotations,omitempty"`
	Detected    bool          `json:"detected,omitempty"`
	Overlay     string        `json:"overlay,omitempty"`
	Tiles       []TileEntry   `json:"tiles"`
}

// TileEntry describes one written tile. File names are relative to the output directory.
type TileEntry struct {
	Row             int        `json:"row"`
	Col             int        `json:"col"`
	Box             tiling.Box `json:"box"`
	Image           string     `json:"image"`
	Annotations     string     `json:"annotations,omitempty"`
	AnnotationCount int        `json:"annotation_count"`
}

// LoadImage loads an image from a file path or URL. Unless the cache is
// disabled, a source loaded before is served from memory.
func (t *Tiler) LoadImage(source string) (image.Image, error) {
	if t.images == nil {
		return t.processor.LoadImageSmart(source)
	}
	return t.images.Load(source)
}

// ForgetImage drops source from the image cache so the next load reads it again
func (t *Tiler) ForgetImage(source string) {
	if t.images != nil {
		t.images.Evict(source)
	}
}

// GetImageInfo returns basic information about an image
func (t *Tiler) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	info := ImageInfo{Width: bounds.Dx(), Height: bounds.Dy()}
	if info.Height > 0 {
		info.AspectRatio = float64(info.Width) / float64(info.Height)
	}
	return info
}

// TileImage cuts img into a grid of SliceWidth×SliceHeight tiles
func (t *Tiler) TileImage(img image.Image, params tiling.Params) (tiling.Grid[image.Image], error) {
	return tiling.TileImage(img, params, t.cropper)
}

// TileAnnotations assigns each annotation to every tile that fully contains it
func (t *Tiler) TileAnnotations(annotations []annotation.Object, imageWidth, imageHeight int, params tiling.Params) (tiling.Grid[[]annotation.Object], error) {
	return tiling.TileAnnotations(annotations, imageWidth, imageHeight, params)
}

// GenerateTileCoordinates validates params and returns the tile boxes
func (t *Tiler) GenerateTileCoordinates(imageWidth, imageHeight int, params tiling.Params) (tiling.Grid[tiling.Box], error) {
	if err := tiling.Validate(imageWidth, imageHeight, params); err != nil {
		return tiling.Grid[tiling.Box]{}, err
	}
	return tiling.GenerateCoordinates(imageWidth, imageHeight, params), nil
}

// ProcessImageFile is a convenience function that loads an image, tiles it
// and its annotations, and writes the results to outputDir
func (t *Tiler) ProcessImageFile(inputPath, annotationsPath, outputDir string, params tiling.Params) (*Manifest, error) {
	return t.ProcessImageFileContext(context.Background(), inputPath, annotationsPath, outputDir, params)
}

// ProcessImageFileContext is ProcessImageFile with a context for detection
// requests and tile writes.
//
// Annotations are read from annotationsPath when it is set. Otherwise, if
// a Detector is configured, the image is annotated by sliced detection and
// the result is written next to the tiles. Each tile gets an annotation file
// in tile-local coordinates whenever annotations are available.
func (t *Tiler) ProcessImageFileContext(ctx context.Context, inputPath, annotationsPath, outputDir string, params tiling.Params) (*Manifest, error) {
	img, err := t.LoadImage(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	info := t.GetImageInfo(img)

	boxes, err := t.GenerateTileCoordinates(info.Width, info.Height, params)
	if err != nil {
		return nil, err
	}

	if err := utils.EnsureDir(outputDir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	base := utils.BaseName(inputPath)
	manifest := &Manifest{
		Source: inputPath,
		Image:  info,
		Params: params,
		Rows:   boxes.Rows,
		Cols:   boxes.Cols,
		Tiles:  make([]TileEntry, boxes.Len()),
	}

	objects, haveAnnotations, err := t.annotationsFor(ctx, img, annotationsPath, params)
	if err != nil {
		return nil, err
	}
	switch {
	case annotationsPath != "":
		manifest.Annotations = annotationsPath
	case haveAnnotations:
		name := t.options.Prefix + base + "_annotations.json"
		file := &annotation.File{Image: inputPath, Width: info.Width, Height: info.Height, Annotations: objects}
		if err := annotation.Save(filepath.Join(outputDir, name), file); err != nil {
			return nil, err
		}
		manifest.Annotations = name
		manifest.Detected = true
		t.logf("Detected %d objects in %s", len(objects), inputPath)
	}

	perTile, err := tiling.TileAnnotations(objects, info.Width, info.Height, params)
	if err != nil {
		return nil, err
	}

	if err := t.writeTiles(ctx, img, inputPath, base, outputDir, boxes, perTile, haveAnnotations, manifest); err != nil {
		return nil, err
	}

	if t.options.Debug {
		rects := make([]tiling.Rect, len(objects))
		for i, o := range objects {
			rects[i] = o.Box
		}
		name := t.options.Prefix + base + "_grid.png"
		overlay := t.processor.CreateDebugOverlay(img, boxes, rects)
		if err := t.processor.SaveImage(overlay, filepath.Join(outputDir, name), "png", 0, false); err != nil {
			return nil, fmt.Errorf("failed to save debug overlay: %w", err)
		}
		manifest.Overlay = name
	}

	if err := writeManifest(filepath.Join(outputDir, t.options.Prefix+base+"_manifest.json"), manifest); err != nil {
		return nil, err
	}

	t.logf("Wrote %d tiles (%d rows x %d cols) for %s", len(manifest.Tiles), manifest.Rows, manifest.Cols, inputPath)
	return manifest, nil
}

func (t *Tiler) annotationsFor(ctx context.Context, img image.Image, annotationsPath string, params tiling.Params) ([]annotation.Object, bool, error) {
	if annotationsPath != "" {
		file, err := annotation.Load(annotationsPath)
		if err != nil {
			return nil, false, err
		}
		return file.Annotations, true, nil
	}

	if t.options.Detector == nil {
		return nil, false, nil
	}

	cfg := t.options.Slice
	cfg.Params = params
	objects, err := t.options.Detector.DetectTiled(ctx, t.options.Model, img, cfg, t.cropper)
	if err != nil {
		return nil, false, fmt.Errorf("detection failed: %w", err)
	}
	return objects, true, nil
}

func (t *Tiler) writeTiles(ctx context.Context, img image.Image, source, base, outputDir string, boxes tiling.Grid[tiling.Box], perTile tiling.Grid[[]annotation.Object], withAnnotations bool, manifest *Manifest) error {
	eg, egCtx := errgroup.WithContext(ctx)
	if t.options.Workers > 0 {
		eg.SetLimit(t.options.Workers)
	}

	for i, box := range boxes.Cells() {
		row, col := i/boxes.Cols, i%boxes.Cols
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}

			tile, err := t.cropper.Crop(img, box)
			if err != nil {
				return err
			}

			name := utils.TileFilename(t.options.Prefix, base, row, col, t.options.Format)
			if err := t.processor.SaveImage(tile, filepath.Join(outputDir, name), t.options.Format, t.options.Quality, t.options.Lossless); err != nil {
				return fmt.Errorf("failed to save tile %d,%d: %w", row, col, err)
			}

			entry := TileEntry{Row: row, Col: col, Box: box, Image: name}
			if withAnnotations {
				objects := perTile.At(row, col)
				annName := utils.TileFilename(t.options.Prefix, base, row, col, "json")
				file := annotation.ForTile(source, row, col, box, objects)
				file.Image = name
				if err := annotation.Save(filepath.Join(outputDir, annName), file); err != nil {
					return err
				}
				entry.Annotations = annName
				entry.AnnotationCount = len(objects)
			}
			manifest.Tiles[i] = entry
			return nil
		})
	}

	return eg.Wait()
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (t *Tiler) logf(format string, args ...any) {
	if t.options.Logger != nil {
		t.options.Logger.Printf(format, args...)
	}
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
