package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	imagetiler "github.com/menta2k/image-tiler"
	"github.com/menta2k/image-tiler/internal/config"
	"github.com/menta2k/image-tiler/internal/utils"
	"github.com/menta2k/image-tiler/pkg/client"
	"github.com/menta2k/image-tiler/pkg/cropper"
	"github.com/menta2k/image-tiler/pkg/detection"
	"github.com/menta2k/image-tiler/pkg/llamacpp"
	"github.com/menta2k/image-tiler/pkg/ollama"
)

func main() {
	var in, outDir, annotations, configPath string
	var saveConfig bool

	flag.StringVar(&in, "in", "", "input image path, URL, or directory of images (jpg/png/webp)")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&annotations, "annotations", "", "annotation JSON file, or directory of <image>.json files in batch mode")
	flag.StringVar(&configPath, "config", "", "config file (default "+config.GetConfigPath()+" if present)")
	flag.BoolVar(&saveConfig, "save-config", false, "write the effective configuration to -config and exit")

	registerOverrideFlags(flag.CommandLine)

	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(flag.CommandLine, cfg)
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if saveConfig {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", path)
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in image.jpg|URL|dir [-annotations ann.json|dir] [-out outdir] [-sw 512 -sh 512 -hov 0.8 -vov 0.8] [-ext jpg|png|webp] [-detect -backend ollama|llamacpp]", filepath.Base(os.Args[0]))
	}

	opts := imagetiler.Options{
		Format:   strings.ToLower(cfg.Output.Format),
		Quality:  cfg.Output.Quality,
		Lossless: cfg.Output.Lossless,
		Prefix:   cfg.Output.Prefix,
		Debug:    cfg.Output.Debug,
		Workers:  cfg.Workers,
		Logger:   log.Default(),
	}
	batch := utils.DirExists(in)
	if batch {
		// Each image is loaded once, so caching would only pin every decoded image
		opts.CacheTTL = -1
	}
	if cfg.Detection.Enabled {
		visionClient, err := newVisionClient(cfg.Detection.Backend, cfg.Detection.URL)
		if err != nil {
			log.Fatal(err)
		}
		opts.Detector = detection.NewDetector(visionClient)
		opts.Model = cfg.Detection.Model
		opts.Slice = detection.SliceConfig{
			Workers:           cfg.Workers,
			RequestsPerSecond: cfg.Detection.RequestsPerSecond,
			IoUThreshold:      cfg.Detection.IoUThreshold,
			MinConfidence:     cfg.Detection.MinConfidence,
		}
		log.Printf("detection: backend=%s model=%s url=%s", cfg.Detection.Backend, cfg.Detection.Model, cfg.Detection.URL)
	}
	tiler := imagetiler.NewWithConfig(cropper.CropConfig{Fill: cropper.DefaultFill}, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if batch {
		if err := runBatch(ctx, tiler, cfg, in, annotations); err != nil {
			log.Fatal(err)
		}
		return
	}

	manifest, err := tiler.ProcessImageFileContext(ctx, in, annotations, cfg.Output.OutputDir, cfg.Tiling)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("image %dx%d -> %d rows x %d cols in %s", manifest.Image.Width, manifest.Image.Height, manifest.Rows, manifest.Cols, cfg.Output.OutputDir)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	if def := config.GetConfigPath(); utils.FileExists(def) {
		return config.LoadFromFile(def)
	}
	return config.Default(), nil
}

// registerOverrideFlags defines the flags that override the config file when set
func registerOverrideFlags(fs *flag.FlagSet) {
	fs.Int("sw", 0, "slice width in pixels")
	fs.Int("sh", 0, "slice height in pixels")
	fs.Float64("hov", 0, "horizontal overlap ratio (0,1]; stride = slice width x ratio")
	fs.Float64("vov", 0, "vertical overlap ratio (0,1]; stride = slice height x ratio")
	fs.Bool("legacy-stride", false, "derive the vertical stride from the slice width")

	fs.String("ext", "", "tile output format: jpg|png|webp")
	fs.Int("quality", 0, "JPEG/WebP tile quality (1-100)")
	fs.Bool("lossless", false, "WebP lossless tiles")
	fs.Bool("debug", false, "write an overlay of the tile grid and annotations")

	fs.Bool("detect", false, "annotate images without an annotation file using a vision model")
	fs.String("backend", "", "vision backend: ollama or llamacpp")
	fs.String("url", "", "vision server URL")
	fs.String("model", "", "vision model name")
	fs.Float64("rps", 0, "max vision requests per second (0 = unlimited)")
	fs.Int("workers", 0, "concurrent images in batch mode and tiles per image")
}

// applyFlags copies the flags explicitly set on fs over the config
func applyFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		g, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		v := g.Get()
		switch f.Name {
		case "sw":
			cfg.Tiling.SliceWidth = v.(int)
		case "sh":
			cfg.Tiling.SliceHeight = v.(int)
		case "hov":
			cfg.Tiling.HorizontalOverlap = v.(float64)
		case "vov":
			cfg.Tiling.VerticalOverlap = v.(float64)
		case "legacy-stride":
			cfg.Tiling.LegacyVerticalStride = v.(bool)
		case "ext":
			cfg.Output.Format = v.(string)
		case "quality":
			cfg.Output.Quality = v.(int)
		case "lossless":
			cfg.Output.Lossless = v.(bool)
		case "debug":
			cfg.Output.Debug = v.(bool)
		case "detect":
			cfg.Detection.Enabled = v.(bool)
		case "backend":
			cfg.Detection.Backend = v.(string)
			// Visited in lexical order, so an explicit -url still wins
			cfg.Detection.URL = ""
		case "url":
			cfg.Detection.URL = v.(string)
		case "model":
			cfg.Detection.Model = v.(string)
		case "rps":
			cfg.Detection.RequestsPerSecond = v.(float64)
		case "workers":
			cfg.Workers = v.(int)
		}
	})
}

func newVisionClient(backend, url string) (client.VisionClient, error) {
	switch backend {
	case "ollama":
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'ollama' or 'llamacpp')", backend)
	}
}

// runBatch tiles every image under dir, each into its own subdirectory.
// A failing image is logged and skipped.
func runBatch(ctx context.Context, tiler *imagetiler.Tiler, cfg *config.Config, dir, annotationsDir string) error {
	files, err := utils.ListImageFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no images found in %s", dir)
	}
	log.Printf("found %d images in %s", len(files), dir)

	var failed atomic.Int32
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.Workers)

	for _, file := range files {
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return egCtx.Err()
			}

			base := utils.BaseName(file)
			ann := ""
			if annotationsDir != "" {
				if candidate := filepath.Join(annotationsDir, base+".json"); utils.FileExists(candidate) {
					ann = candidate
				}
			}

			out := filepath.Join(cfg.Output.OutputDir, base)
			if _, err := tiler.ProcessImageFileContext(egCtx, file, ann, out, cfg.Tiling); err != nil {
				failed.Add(1)
				log.Printf("%s: %v", file, err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d images failed", n, len(files))
	}
	log.Printf("tiled %d images into %s", len(files), cfg.Output.OutputDir)
	return nil
}
