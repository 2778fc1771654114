package imagetiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/menta2k/image-tiler/pkg/annotation"
	"github.com/menta2k/image-tiler/pkg/cropper"
	"github.com/menta2k/image-tiler/pkg/detection"
	"github.com/menta2k/image-tiler/pkg/tiling"
	"github.com/menta2k/image-tiler/pkg/types"
)

// createTestImage creates a simple test image with a gradient
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

func writeTestImage(t *testing.T, dir string, width, height int) string {
	t.Helper()
	path := filepath.Join(dir, "scene.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, createTestImage(width, height)); err != nil {
		t.Fatal(err)
	}
	return path
}

func obj(label string, l, t, r, b float64) annotation.Object {
	return annotation.Object{Label: label, Score: 1, Box: tiling.Rect{Left: l, Top: t, Right: r, Bottom: b}}
}

// params60 yields a 2x2 grid on a 100x100 image with stride 48
var params60 = tiling.Params{SliceWidth: 60, SliceHeight: 60, HorizontalOverlap: 0.8, VerticalOverlap: 0.8}

type fixedClient struct {
	objects []types.Object
}

func (c *fixedClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "", nil
}

func (c *fixedClient) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	return &types.AnalysisResult{Objects: append([]types.Object(nil), c.objects...)}, nil
}

func TestNew(t *testing.T) {
	tiler := New()
	if tiler == nil {
		t.Fatal("New() returned nil")
	}
	if tiler.processor == nil || tiler.cropper == nil || tiler.images == nil {
		t.Error("components are nil")
	}
	if tiler.options.Format != "jpg" || tiler.options.Quality != 90 {
		t.Errorf("unexpected default options: %+v", tiler.options)
	}
}

func TestNewWithConfig_FillsDefaults(t *testing.T) {
	tiler := NewWithConfig(cropper.CropConfig{}, Options{})
	if tiler.options.Format != "jpg" || tiler.options.Quality != 90 {
		t.Errorf("defaults not applied: %+v", tiler.options)
	}
}

func TestTileImage(t *testing.T) {
	tiles, err := New().TileImage(createTestImage(100, 100), params60)
	if err != nil {
		t.Fatalf("TileImage failed: %v", err)
	}
	if tiles.Rows != 2 || tiles.Cols != 2 {
		t.Fatalf("grid: got %dx%d, want 2x2", tiles.Rows, tiles.Cols)
	}
	for _, tile := range tiles.Cells() {
		if s := tile.Bounds().Size(); s.X != 60 || s.Y != 60 {
			t.Errorf("tile size: got %v, want 60x60", s)
		}
	}
}

func TestTileAnnotations(t *testing.T) {
	objects := []annotation.Object{obj("a", 10, 10, 40, 40), obj("b", 50, 50, 90, 90)}

	grid, err := New().TileAnnotations(objects, 100, 100, params60)
	if err != nil {
		t.Fatalf("TileAnnotations failed: %v", err)
	}
	if diff := cmp.Diff([]annotation.Object{objects[0]}, grid.At(0, 0)); diff != "" {
		t.Errorf("tile (0,0) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]annotation.Object{objects[1]}, grid.At(1, 1)); diff != "" {
		t.Errorf("tile (1,1) mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateTileCoordinates(t *testing.T) {
	tiler := New()

	boxes, err := tiler.GenerateTileCoordinates(100, 100, params60)
	if err != nil {
		t.Fatalf("GenerateTileCoordinates failed: %v", err)
	}
	if got := boxes.At(1, 1); got != (tiling.Box{Left: 48, Top: 48, Right: 108, Bottom: 108}) {
		t.Errorf("box (1,1): got %+v", got)
	}

	_, err = tiler.GenerateTileCoordinates(50, 50, params60)
	var perr *tiling.InvalidParameterError
	if !errors.As(err, &perr) || perr.Param != "slice_width" {
		t.Errorf("expected slice_width error, got %v", err)
	}
}

func TestGetImageInfo(t *testing.T) {
	info := New().GetImageInfo(createTestImage(200, 100))
	if info.Width != 200 || info.Height != 100 || info.AspectRatio != 2 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestProcessImageFile_WithAnnotations(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir, 100, 100)
	annPath := filepath.Join(dir, "scene.json")
	err := annotation.Save(annPath, &annotation.File{
		Image:  "scene.png",
		Width:  100,
		Height: 100,
		Annotations: []annotation.Object{
			obj("a", 10, 10, 40, 40),
			obj("b", 50, 50, 90, 90),
			obj("c", 30, 30, 55, 55),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var logBuf bytes.Buffer
	opts := DefaultOptions()
	opts.Format = "png"
	opts.Debug = true
	opts.Logger = log.New(&logBuf, "", 0)
	out := filepath.Join(dir, "out")

	manifest, err := NewWithConfig(cropper.CropConfig{}, opts).ProcessImageFile(input, annPath, out, params60)
	if err != nil {
		t.Fatalf("ProcessImageFile failed: %v", err)
	}

	if manifest.Rows != 2 || manifest.Cols != 2 || len(manifest.Tiles) != 4 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	counts := []int{2, 0, 0, 1}
	for i, entry := range manifest.Tiles {
		if entry.AnnotationCount != counts[i] {
			t.Errorf("tile %d: got %d annotations, want %d", i, entry.AnnotationCount, counts[i])
		}
		if _, err := os.Stat(filepath.Join(out, entry.Image)); err != nil {
			t.Errorf("tile image missing: %v", err)
		}
	}
	if manifest.Tiles[3].Image != "scene_r001_c001.png" {
		t.Errorf("tile name: got %q", manifest.Tiles[3].Image)
	}

	// Tile annotations are in tile-local coordinates
	f, err := annotation.Load(filepath.Join(out, manifest.Tiles[3].Annotations))
	if err != nil {
		t.Fatalf("failed to load tile annotations: %v", err)
	}
	want := []annotation.Object{obj("b", 2, 2, 42, 42)}
	if diff := cmp.Diff(want, f.Annotations); diff != "" {
		t.Errorf("tile annotations mismatch (-want +got):\n%s", diff)
	}
	if f.Tile == nil || f.Tile.Box != (tiling.Box{Left: 48, Top: 48, Right: 108, Bottom: 108}) {
		t.Errorf("tile info: got %+v", f.Tile)
	}

	// Overhanging tiles are written at full size
	data, err := os.ReadFile(filepath.Join(out, manifest.Tiles[3].Image))
	if err != nil {
		t.Fatal(err)
	}
	tileImg, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if s := tileImg.Bounds().Size(); s.X != 60 || s.Y != 60 {
		t.Errorf("tile size: got %v, want 60x60", s)
	}

	if manifest.Overlay == "" {
		t.Error("debug overlay not recorded")
	} else if _, err := os.Stat(filepath.Join(out, manifest.Overlay)); err != nil {
		t.Errorf("debug overlay missing: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(out, "scene_manifest.json"))
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	var onDisk Manifest
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("invalid manifest JSON: %v", err)
	}
	if diff := cmp.Diff(*manifest, onDisk); diff != "" {
		t.Errorf("manifest on disk mismatch (-want +got):\n%s", diff)
	}

	if !strings.Contains(logBuf.String(), "Wrote 4 tiles") {
		t.Errorf("missing progress log, got %q", logBuf.String())
	}
}

func TestProcessImageFile_NoAnnotations(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir, 100, 100)
	out := filepath.Join(dir, "out")

	manifest, err := New().ProcessImageFile(input, "", out, params60)
	if err != nil {
		t.Fatalf("ProcessImageFile failed: %v", err)
	}
	for _, entry := range manifest.Tiles {
		if entry.Annotations != "" {
			t.Errorf("unexpected annotation file %q", entry.Annotations)
		}
		if !strings.HasSuffix(entry.Image, ".jpg") {
			t.Errorf("expected jpg tile, got %q", entry.Image)
		}
	}
	if manifest.Overlay != "" {
		t.Error("overlay written without Debug")
	}
}

func TestProcessImageFile_Detection(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir, 100, 100)
	out := filepath.Join(dir, "out")

	fake := &fixedClient{objects: []types.Object{
		{Label: "thing", Confidence: 0.9, Box: types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}},
	}}
	opts := DefaultOptions()
	opts.Detector = detection.NewDetector(fake)
	opts.Model = "test"

	manifest, err := NewWithConfig(cropper.CropConfig{}, opts).ProcessImageFile(input, "", out, params60)
	if err != nil {
		t.Fatalf("ProcessImageFile failed: %v", err)
	}
	if !manifest.Detected || manifest.Annotations != "scene_annotations.json" {
		t.Errorf("detection not recorded: %+v", manifest)
	}

	detected, err := annotation.Load(filepath.Join(out, manifest.Annotations))
	if err != nil {
		t.Fatalf("failed to load detected annotations: %v", err)
	}
	if len(detected.Annotations) != 4 {
		t.Fatalf("expected one detection per tile, got %+v", detected.Annotations)
	}
	if got := detected.Annotations[1].Box; got != (tiling.Rect{Left: 63, Top: 15, Right: 93, Bottom: 45}) {
		t.Errorf("detection (0,1) box: got %+v", got)
	}
	for i, entry := range manifest.Tiles {
		if entry.AnnotationCount != 1 {
			t.Errorf("tile %d: got %d annotations, want 1", i, entry.AnnotationCount)
		}
	}
}

func TestProcessImageFile_InvalidParams(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir, 50, 50)
	out := filepath.Join(dir, "out")

	_, err := New().ProcessImageFile(input, "", out, params60)
	if !errors.Is(err, tiling.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("output directory created despite invalid params")
	}
}

func TestProcessImageFile_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := New().ProcessImageFile(filepath.Join(dir, "missing.png"), "", dir, params60); err == nil {
		t.Error("expected error for missing image")
	}

	input := writeTestImage(t, dir, 100, 100)
	if _, err := New().ProcessImageFile(input, filepath.Join(dir, "missing.json"), filepath.Join(dir, "out"), params60); err == nil {
		t.Error("expected error for missing annotation file")
	}
}

func TestLoadImage_Cached(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir, 100, 100)

	tiler := New()
	if _, err := tiler.LoadImage(input); err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if err := os.Remove(input); err != nil {
		t.Fatal(err)
	}

	manifest, err := tiler.ProcessImageFile(input, "", filepath.Join(dir, "out"), params60)
	if err != nil {
		t.Fatalf("ProcessImageFile after source removal: %v", err)
	}
	if len(manifest.Tiles) != 4 {
		t.Errorf("expected 4 tiles, got %d", len(manifest.Tiles))
	}

	tiler.ForgetImage(input)
	if _, err := tiler.LoadImage(input); err == nil {
		t.Error("expected load error after ForgetImage")
	}
}

func TestLoadImage_CacheDisabled(t *testing.T) {
	dir := t.TempDir()
	input := writeTestImage(t, dir, 100, 100)

	opts := DefaultOptions()
	opts.CacheTTL = -1
	tiler := NewWithConfig(cropper.CropConfig{}, opts)
	if _, err := tiler.LoadImage(input); err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if err := os.Remove(input); err != nil {
		t.Fatal(err)
	}
	if _, err := tiler.LoadImage(input); err == nil {
		t.Error("expected load error with the cache disabled")
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion: got %q", GetVersion())
	}
}
