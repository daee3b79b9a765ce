package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/pipeline"
)

func init() {
	Register("http", func(cfg Config) (Engine, error) { return NewHTTP(cfg) })
}

// HTTP sends model inputs as JPEG to a remote YOLO detection service
type HTTP struct {
	endpoint      string
	client        *http.Client
	classOffset   int
	minConfidence float64
	device        string
}

type remoteDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

type remoteResult struct {
	Detections      []remoteDetection `json:"detections"`
	InferenceTimeMs float64           `json:"inference_time_ms"`
	Device          string            `json:"device"`
}

type remoteHealth struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// NewHTTP connects to cfg.Endpoint and checks that the model is loaded
func NewHTTP(cfg Config) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: no endpoint configured for http backend", ErrResourceMissing)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := &HTTP{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		client:        &http.Client{Timeout: timeout},
		classOffset:   cfg.ClassOffset,
		minConfidence: cfg.MinConfidence,
	}

	health, err := h.health()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceMissing, err)
	}
	if !health.ModelLoaded {
		return nil, fmt.Errorf("%w: service at %s has no model loaded (status=%s)", ErrResourceMissing, h.endpoint, health.Status)
	}
	h.device = health.Device
	logger.Info("Inference", "Remote detector at %s ready (device=%s, gpu=%v)", h.endpoint, health.Device, health.GPUAvailable)
	return h, nil
}

func (h *HTTP) health() (*remoteHealth, error) {
	resp, err := h.client.Get(h.endpoint + "/health")
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	var health remoteHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Layout implements Engine
func (h *HTTP) Layout() pipeline.Layout { return pipeline.LayoutRGB }

// Info implements Engine
func (h *HTTP) Info() Info { return Info{Name: "http", Device: h.device} }

// Infer implements Engine
func (h *HTTP) Infer(ctx context.Context, t *pipeline.Tensor) ([]pipeline.Raw, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if err := imaging.Encode(fw, t.Image, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode model input: %w", err)
	}
	if h.minConfidence > 0 {
		w.WriteField("conf_threshold", fmt.Sprintf("%.2f", h.minConfidence))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detection failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result remoteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}
	raw := make([]pipeline.Raw, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) < 4 {
			continue
		}
		raw = append(raw, pipeline.Raw{
			ClassID:    d.ClassID + h.classOffset,
			Confidence: d.Confidence,
			Box:        pipeline.Box{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
		})
	}
	return raw, nil
}

// Close implements Engine
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
