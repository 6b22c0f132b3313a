package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultDetectTimeout = 30 * time.Second

// maxResponseBytes bounds the prediction payload read from the service.
const maxResponseBytes = 1 << 20

// RoboflowConfig addresses a hosted Roboflow model.
type RoboflowConfig struct {
	URL     string
	Project string
	Version int
	APIKey  string
	Timeout time.Duration
}

// Roboflow is a Backend calling the Roboflow hosted inference API.
//
// The image is posted as a base64 JPEG body to {URL}/{project}/{version}.
// Predictions carry centre coordinates, which are converted to top-left.
type Roboflow struct {
	endpoint   string
	httpClient *http.Client
}

type roboflowResponse struct {
	Predictions []struct {
		Class      string  `json:"class"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Width      float64 `json:"width"`
		Height     float64 `json:"height"`
		Confidence float64 `json:"confidence"`
	} `json:"predictions"`
}

// NewRoboflow creates a Roboflow backend.
func NewRoboflow(cfg RoboflowConfig) *Roboflow {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDetectTimeout
	}
	q := url.Values{"api_key": {cfg.APIKey}}
	return &Roboflow{
		endpoint: fmt.Sprintf("%s/%s/%d?%s",
			strings.TrimRight(cfg.URL, "/"), url.PathEscape(cfg.Project), cfg.Version, q.Encode()),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Boxes implements Backend.
func (r *Roboflow) Boxes(ctx context.Context, img image.Image) ([]Detection, error) {
	jpg, err := EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	body := base64.StdEncoding.EncodeToString(jpg)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting image: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roboflow returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var parsed roboflowResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	out := make([]Detection, 0, len(parsed.Predictions))
	for _, p := range parsed.Predictions {
		out = append(out, Detection{
			Class:      p.Class,
			X:          int(math.Round(p.X - p.Width/2)),
			Y:          int(math.Round(p.Y - p.Height/2)),
			Width:      int(math.Round(p.Width)),
			Height:     int(math.Round(p.Height)),
			Confidence: p.Confidence,
		})
	}
	return out, nil
}
