package client

import (
	"context"

	"github.com/menta2k/image-tiler/pkg/types"
)

// VisionClient is a backend that can answer prompts about an image
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
