package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	appErrors "github.com/faceattend/faceattend-api/pkg/errors"
)

// HTTPProvider calls the face inference sidecar over HTTP. The sidecar
// owns the detection model; it is initialized once at its own startup and
// this client treats it as a stateless function of the image.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	dim     int
}

// NewHTTPProvider builds a provider client. dim is the expected embedding
// dimension; responses with a different dimension are rejected.
func NewHTTPProvider(baseURL string, timeout time.Duration, dim int) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		dim:     dim,
	}
}

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Faces []Face `json:"faces"`
}

// Embed sends the encoded image to the sidecar and returns its detections.
// Timeouts map to TIMEOUT, connection failures to EMBEDDING_UNAVAILABLE.
func (p *HTTPProvider) Embed(ctx context.Context, image []byte) ([]Face, error) {
	payload, err := json.Marshal(embedRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, appErrors.Wrap(err, appErrors.ErrTimeout.Code, appErrors.ErrTimeout.Status, "embedding provider deadline exceeded")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrEmbeddingUnavailable.Code, appErrors.ErrEmbeddingUnavailable.Status, "embedding provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return nil, appErrors.Clone(appErrors.ErrInvalidImage, "provider rejected image")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, appErrors.Clone(appErrors.ErrEmbeddingUnavailable, fmt.Sprintf("embedding provider returned %d", resp.StatusCode))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrEmbeddingUnavailable.Code, appErrors.ErrEmbeddingUnavailable.Status, "malformed provider response")
	}

	for i, face := range decoded.Faces {
		if len(face.Embedding) != p.dim {
			return nil, appErrors.Clone(appErrors.ErrEmbeddingUnavailable,
				fmt.Sprintf("face %d: embedding dimension %d, expected %d", i, len(face.Embedding), p.dim))
		}
	}

	return decoded.Faces, nil
}
