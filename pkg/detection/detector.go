package detection

import (
	"context"
	"fmt"
	"image"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/menta2k/image-tiler/pkg/annotation"
	"github.com/menta2k/image-tiler/pkg/client"
	"github.com/menta2k/image-tiler/pkg/processing"
	"github.com/menta2k/image-tiler/pkg/tiling"
	"github.com/menta2k/image-tiler/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks the model for every visible object with a normalized box
const DefaultPrompt = `You are an object detector.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ],
  "description": "short neutral sentence (≤ 20 words)"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- One entry per visible object; boxes tightly enclose the object.
- Labels: lowercase singular nouns such as "person", "car", "dog".
- Objects cut off by the image edge are still reported with the visible part boxed.
- If nothing is found, return {"objects": [], "description": "empty scene"}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Defaults for sliced detection
const (
	DefaultIoUThreshold = 0.5
	DefaultMaxDim       = 1024
	DefaultQuality      = 90
)

// SliceConfig controls DetectTiled
type SliceConfig struct {
	Params tiling.Params
	// Workers caps concurrent model requests; 0 means one per tile
	Workers int
	// RequestsPerSecond throttles model requests; 0 disables throttling
	RequestsPerSecond float64
	// IoUThreshold above which same-label detections from different tiles are merged
	IoUThreshold float64
	// MinConfidence drops weaker detections before merging
	MinConfidence float64
}

// Detector finds objects in images using a vision model
type Detector struct {
	client    client.VisionClient
	processor *processing.Processor
	prompt    string
	maxDim    int
}

// NewDetector creates a new detector with a vision client
func NewDetector(c client.VisionClient) *Detector {
	return &Detector{
		client:    c,
		processor: processing.NewProcessor(),
		prompt:    DefaultPrompt,
		maxDim:    DefaultMaxDim,
	}
}

// WithPrompt returns a copy of d that sends prompt instead of DefaultPrompt
func (d *Detector) WithPrompt(prompt string) *Detector {
	cp := *d
	cp.prompt = prompt
	return &cp
}

// Analyze sends an already encoded image to the model and returns its
// detections with boxes clamped to the unit square
func (d *Detector) Analyze(ctx context.Context, model, imageB64 string) (*types.AnalysisResult, error) {
	result, err := d.client.AnalyzeImage(ctx, model, d.prompt, imageB64)
	if err != nil {
		return nil, err
	}

	objects := make([]types.Object, 0, len(result.Objects))
	for _, o := range result.Objects {
		o.Label = strings.ToLower(strings.TrimSpace(o.Label))
		o.Box = normalizeBox(o.Box)
		o.Confidence = clamp(o.Confidence, 0, 1)
		if o.Label == "" || o.Box.W == 0 || o.Box.H == 0 {
			continue
		}
		objects = append(objects, o)
	}
	result.Objects = objects
	return result, nil
}

// DetectObjects runs the model on the whole image and returns detections in pixel coordinates
func (d *Detector) DetectObjects(ctx context.Context, model string, img image.Image) ([]annotation.Object, error) {
	size := img.Bounds().Size()
	return d.detect(ctx, model, img, size.X, size.Y)
}

// DetectTiled runs the model on every tile of img and maps the results back
// to image coordinates. Detections of the same object from overlapping tiles
// are merged. The first failing request cancels the rest.
func (d *Detector) DetectTiled(ctx context.Context, model string, img image.Image, cfg SliceConfig, c tiling.Cropper) ([]annotation.Object, error) {
	size := img.Bounds().Size()
	if err := tiling.Validate(size.X, size.Y, cfg.Params); err != nil {
		return nil, err
	}
	boxes := tiling.GenerateCoordinates(size.X, size.Y, cfg.Params)
	perTile := make([][]annotation.Object, boxes.Len())

	eg, egCtx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		eg.SetLimit(cfg.Workers)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	for i, box := range boxes.Cells() {
		eg.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(egCtx); err != nil {
					return err
				}
			}

			tile, err := c.Crop(img, box)
			if err != nil {
				return err
			}
			ts := tile.Bounds().Size()
			found, err := d.detect(egCtx, model, tile, ts.X, ts.Y)
			if err != nil {
				return fmt.Errorf("tile %d,%d: %w", i/boxes.Cols, i%boxes.Cols, err)
			}

			// Tiles may be resized by the cropper; scale back to the box size
			sx := float64(box.Width()) / float64(ts.X)
			sy := float64(box.Height()) / float64(ts.Y)
			for j, o := range found {
				o.Box = tiling.Rect{
					Left:   o.Box.Left * sx,
					Top:    o.Box.Top * sy,
					Right:  o.Box.Right * sx,
					Bottom: o.Box.Bottom * sy,
				}
				found[j] = o.Translate(float64(box.Left), float64(box.Top))
			}
			perTile[i] = found
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	bounds := tiling.Rect{Right: float64(size.X), Bottom: float64(size.Y)}
	var all []annotation.Object
	for _, found := range perTile {
		for _, o := range found {
			if o.Score < cfg.MinConfidence {
				continue
			}
			o.Box = clipRect(o.Box, bounds)
			if o.Box.Area() == 0 {
				continue
			}
			all = append(all, o)
		}
	}

	threshold := cfg.IoUThreshold
	if threshold <= 0 {
		threshold = DefaultIoUThreshold
	}
	return annotation.Merge(all, threshold), nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, model, imageB64 string) (string, error) {
	return d.client.SimpleQuery(ctx, model, SimpleTestPrompt, imageB64)
}

func (d *Detector) detect(ctx context.Context, model string, img image.Image, width, height int) ([]annotation.Object, error) {
	b64, err := d.processor.PrepareImageForModel(img, "jpg", d.maxDim, DefaultQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	result, err := d.Analyze(ctx, model, b64)
	if err != nil {
		return nil, err
	}

	objects := make([]annotation.Object, 0, len(result.Objects))
	for _, o := range result.Objects {
		objects = append(objects, annotation.FromNormalized(o, width, height))
	}
	return objects, nil
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox keeps a normalized box inside the unit square
func normalizeBox(b types.Box) types.Box {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

func clipRect(r, bounds tiling.Rect) tiling.Rect {
	return tiling.Rect{
		Left:   clamp(r.Left, bounds.Left, bounds.Right),
		Top:    clamp(r.Top, bounds.Top, bounds.Bottom),
		Right:  clamp(r.Right, bounds.Left, bounds.Right),
		Bottom: clamp(r.Bottom, bounds.Top, bounds.Bottom),
	}
}
