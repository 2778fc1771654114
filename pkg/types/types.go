package types

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Object is a single object reported by the vision model
type Object struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// AnalysisResult contains the complete analysis result from the vision model
type AnalysisResult struct {
	Objects     []Object `json:"objects"`
	Description string   `json:"description"`
}
