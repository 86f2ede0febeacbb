// Package vision defines the contract with the external face inference
// service. Detection, alignment and embedding extraction happen outside
// this process; the core only consumes the resulting vectors and quality
// metadata.
package vision

import "context"

// BBox locates a detected face within the source image.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Face is one detection returned by the provider. The embedding is raw
// provider output; callers normalize it before storing or comparing.
type Face struct {
	BBox           BBox      `json:"bbox"`
	Embedding      []float64 `json:"embedding"`
	DetectionScore float64   `json:"detection_score"`
	Sharpness      float64   `json:"sharpness"`
	Yaw            float64   `json:"yaw"`
	Pitch          float64   `json:"pitch"`
	Roll           float64   `json:"roll"`
}

// Provider extracts faces and embeddings from an encoded image.
// Implementations must be safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, image []byte) ([]Face, error)
}
