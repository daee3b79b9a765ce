//go:build opencv

package inference

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/pipeline"
)

func init() {
	Register("opencv", func(cfg Config) (Engine, error) { return NewOpenCV(cfg) })
}

// OpenCV runs a Darknet YOLO model through the OpenCV DNN module
type OpenCV struct {
	mu          sync.Mutex
	net         gocv.Net
	outNames    []string
	device      string
	classOffset int
}

// NewOpenCV loads the model and selects the accelerator named by cfg.Target
func NewOpenCV(cfg Config) (*OpenCV, error) {
	for _, p := range []string{cfg.Weights, cfg.ModelConfig} {
		if p == "" {
			return nil, fmt.Errorf("%w: opencv backend needs weights and config paths", ErrResourceMissing)
		}
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourceMissing, err)
		}
	}

	net := gocv.ReadNet(cfg.Weights, cfg.ModelConfig)
	if net.Empty() {
		return nil, fmt.Errorf("%w: failed to load %s", ErrResourceMissing, cfg.Weights)
	}

	o := &OpenCV{net: net, classOffset: cfg.ClassOffset}
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		o.outNames = append(o.outNames, layer.GetName())
		layer.Close()
	}

	switch strings.ToLower(cfg.Target) {
	case "cuda":
		o.useCUDA()
	case "cpu":
		o.useCPU()
	default:
		o.useCUDA()
		if !o.probe() {
			logger.Warn("Inference", "CUDA inference test failed, falling back to CPU")
			o.useCPU()
		}
	}

	logger.Info("Inference", "Loaded %s on %s (outputs: %s)", cfg.Weights, o.device, strings.Join(o.outNames, ","))
	return o, nil
}

func (o *OpenCV) useCUDA() {
	o.net.SetPreferableBackend(gocv.NetBackendCUDA)
	o.net.SetPreferableTarget(gocv.NetTargetCUDA)
	o.device = "cuda"
}

func (o *OpenCV) useCPU() {
	o.net.SetPreferableBackend(gocv.NetBackendDefault)
	o.net.SetPreferableTarget(gocv.NetTargetCPU)
	o.device = "cpu"
}

// probe runs a dummy forward pass; a broken CUDA setup panics or returns nothing
func (o *OpenCV) probe() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Inference", "CUDA probe panicked: %v", r)
			ok = false
		}
	}()

	in := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer in.Close()
	blob := gocv.BlobFromImage(in, 1.0/255.0, image.Pt(64, 64), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	o.net.SetInput(blob, "")
	out := o.net.Forward("")
	defer out.Close()
	return !out.Empty()
}

// Layout implements Engine
func (o *OpenCV) Layout() pipeline.Layout { return pipeline.LayoutBGR }

// Info implements Engine
func (o *OpenCV) Info() Info { return Info{Name: "opencv", Device: o.device} }

// Infer implements Engine. The context is only checked before the forward pass.
func (o *OpenCV) Infer(ctx context.Context, t *pipeline.Tensor) ([]pipeline.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	img, err := gocv.NewMatFromBytes(t.Size, t.Size, gocv.MatTypeCV8UC3, t.Bytes)
	if err != nil {
		return nil, fmt.Errorf("wrap model input: %w", err)
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(t.Size, t.Size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	o.net.SetInput(blob, "")
	outs := o.net.ForwardLayers(o.outNames)
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()

	size := float64(t.Size)
	var raw []pipeline.Raw
	for _, out := range outs {
		data, err := out.DataPtrFloat32()
		if err != nil {
			return nil, err
		}
		cols := out.Cols()
		if cols <= 5 {
			continue
		}
		for r := 0; r < out.Rows(); r++ {
			row := data[r*cols : (r+1)*cols]
			best, conf := 0, float32(0)
			for i, s := range row[5:] {
				if s > conf {
					best, conf = i, s
				}
			}
			if conf <= 0 {
				continue
			}
			cx, cy := float64(row[0])*size, float64(row[1])*size
			w, h := float64(row[2])*size, float64(row[3])*size
			raw = append(raw, pipeline.Raw{
				ClassID:    best + o.classOffset,
				Confidence: float64(conf),
				Box:        pipeline.Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2},
			})
		}
	}
	return raw, nil
}

// Close implements Engine
func (o *OpenCV) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.net.Close()
}
