package pipeline

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/dj-oyu/zm-aidect/pkg/types"
)

func identity(w, h int) Transform {
	return Transform{ScaleX: 1, ScaleY: 1, Frame: image.Rect(0, 0, w, h)}
}

func scenarioParams() Params {
	return Params{
		Threshold: 0.40,
		Transform: identity(640, 480),
		Classes:   []int{1, 16},
		MinArea:   500,
	}
}

func TestProcessScenarioSurvives(t *testing.T) {
	raw := []Raw{{ClassID: 16, Confidence: 0.55, Box: Box{100, 100, 140, 160}}}

	dets := Process(raw, scenarioParams())
	if len(dets) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(dets))
	}
	d := dets[0]
	if d.Box != image.Rect(100, 100, 140, 160) {
		t.Errorf("Expected box (100,100)-(140,160), got %v", d.Box)
	}
	if d.Area != 2400 {
		t.Errorf("Expected area 40*60=2400, got %d", d.Area)
	}
	if got := d.Annotation(); got != "Cat (55.0%) 40x60 (=2400) at 100x100" {
		t.Errorf("Unexpected annotation %q", got)
	}
}

func TestProcessScenarioDropped(t *testing.T) {
	raw := []Raw{
		{ClassID: 1, Confidence: 0.35, Box: Box{0, 0, 100, 100}},
		{ClassID: 16, Confidence: 0.9, Box: Box{10, 10, 30, 30}},
	}

	dets := Process(raw, scenarioParams())
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %+v", dets)
	}
}

func TestProcessClassFilter(t *testing.T) {
	raw := []Raw{{ClassID: 3, Confidence: 0.99, Box: Box{0, 0, 100, 100}}}
	if dets := Process(raw, scenarioParams()); len(dets) != 0 {
		t.Errorf("Expected class 3 to be filtered, got %+v", dets)
	}
}

func TestNMSPerClass(t *testing.T) {
	raw := []Raw{
		{ClassID: 1, Confidence: 0.6, Box: Box{0, 0, 100, 100}},
		{ClassID: 1, Confidence: 0.8, Box: Box{5, 5, 105, 105}},
		{ClassID: 16, Confidence: 0.7, Box: Box{0, 0, 100, 100}},
		{ClassID: 1, Confidence: 0.5, Box: Box{300, 300, 350, 350}},
	}

	kept := NMS(raw, DefaultNMSThreshold)
	if len(kept) != 3 {
		t.Fatalf("Expected 3 boxes after NMS, got %d: %+v", len(kept), kept)
	}
	if kept[0].Confidence != 0.8 || kept[0].ClassID != 1 {
		t.Errorf("Expected highest confidence person first, got %+v", kept[0])
	}
	if kept[1].ClassID != 16 {
		t.Errorf("Expected other class to survive overlap, got %+v", kept[1])
	}
}

func TestIoU(t *testing.T) {
	a := Box{0, 0, 10, 10}
	if IoU(a, a) != 1 {
		t.Errorf("Expected IoU 1 for identical boxes, got %v", IoU(a, a))
	}
	if IoU(a, Box{20, 20, 30, 30}) != 0 {
		t.Error("Expected IoU 0 for disjoint boxes")
	}
	if got := IoU(a, Box{5, 0, 15, 10}); math.Abs(got-1.0/3) > 1e-9 {
		t.Errorf("Expected IoU 1/3, got %v", got)
	}
}

func TestProcessClampsToFrame(t *testing.T) {
	p := Params{Threshold: 0.1, Transform: identity(200, 100), Classes: []int{1}}
	raw := []Raw{
		{ClassID: 1, Confidence: 0.5, Box: Box{-20, -10, 50, 50}},
		{ClassID: 1, Confidence: 0.4, Box: Box{500, 500, 600, 600}},
	}

	dets := Process(raw, p)
	if len(dets) != 1 {
		t.Fatalf("Expected box outside frame to be dropped, got %+v", dets)
	}
	if dets[0].Box != image.Rect(0, 0, 50, 50) {
		t.Errorf("Expected clamped box (0,0)-(50,50), got %v", dets[0].Box)
	}
}

func TestProcessInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := Params{
		Threshold: 0.3,
		Transform: identity(1000, 1000),
		Classes:   []int{1, 3, 16},
		MinArea:   400,
	}

	for iter := 0; iter < 200; iter++ {
		raw := make([]Raw, rng.Intn(30))
		for i := range raw {
			x, y := float64(rng.Intn(900)), float64(rng.Intn(900))
			w, h := float64(1+rng.Intn(100)), float64(1+rng.Intn(100))
			raw[i] = Raw{
				ClassID:    1 + rng.Intn(17),
				Confidence: float64(rng.Intn(1000)) / 1000,
				Box:        Box{x, y, x + w, y + h},
			}
		}

		dets := Process(raw, p)
		for i, d := range dets {
			if i > 0 && dets[i-1].Confidence < d.Confidence {
				t.Fatalf("Output not sorted by confidence: %+v", dets)
			}
			if d.Confidence < p.Threshold {
				t.Fatalf("Detection below threshold: %+v", d)
			}
			if d.Area < p.MinArea || d.Area != d.Box.Dx()*d.Box.Dy() {
				t.Fatalf("Bad area: %+v", d)
			}
			if !slices.Contains(p.Classes, d.ClassID) {
				t.Fatalf("Detection outside allow-list: %+v", d)
			}
			for _, o := range dets[:i] {
				if o.ClassID == d.ClassID && IoU(rectBox(o.Box), rectBox(d.Box)) > DefaultNMSThreshold {
					t.Fatalf("Overlapping same-class boxes survived: %+v and %+v", o, d)
				}
			}
		}
	}
}

func rectBox(r image.Rectangle) Box {
	return Box{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)}
}

func solidFrame(w, h int, c color.RGBA) *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return types.NewImageFrame(img, 1)
}

func TestPrepareCenterRoundTrip(t *testing.T) {
	frame := solidFrame(1280, 720, color.RGBA{10, 20, 30, 255})
	region := image.Rect(200, 100, 600, 400)

	tensor, tf, err := Prepare(frame, region, 128, LayoutRGB)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if tensor.Image.Bounds() != image.Rect(0, 0, 128, 128) {
		t.Errorf("Expected 128x128 input, got %v", tensor.Image.Bounds())
	}

	c := tf.ToFrame(Box{64, 64, 64, 64})
	if math.Abs(c.X1-400) > 1e-6 || math.Abs(c.Y1-250) > 1e-6 {
		t.Errorf("Expected model center to map to (400,250), got (%v,%v)", c.X1, c.Y1)
	}

	back := tf.ToModel(c)
	if math.Abs(back.X1-64) > 1e-6 || math.Abs(back.Y1-64) > 1e-6 {
		t.Errorf("Expected round trip to (64,64), got (%v,%v)", back.X1, back.Y1)
	}
}

func TestPrepareClampsRegion(t *testing.T) {
	frame := solidFrame(320, 240, color.RGBA{1, 2, 3, 255})

	_, tf, err := Prepare(frame, image.Rect(200, 100, 400, 300), 64, LayoutRGB)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if tf.OffsetX != 200 || tf.OffsetY != 100 {
		t.Errorf("Unexpected offset (%v,%v)", tf.OffsetX, tf.OffsetY)
	}
	if tf.ScaleX != 120.0/64 || tf.ScaleY != 140.0/64 {
		t.Errorf("Expected scale from clamped crop, got (%v,%v)", tf.ScaleX, tf.ScaleY)
	}

	if _, _, err := Prepare(frame, image.Rect(400, 400, 500, 500), 64, LayoutRGB); err == nil {
		t.Error("Expected error for zone outside frame")
	}
}

func TestPrepareLayouts(t *testing.T) {
	frame := solidFrame(50, 50, color.RGBA{255, 128, 0, 255})

	rgb, _, err := Prepare(frame, frame.Bounds(), 16, LayoutRGB)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(rgb.Bytes) != 16*16*3 || rgb.Bytes[0] != 255 || rgb.Bytes[2] != 0 {
		t.Errorf("Unexpected RGB tensor head %v", rgb.Bytes[:3])
	}

	bgr, _, _ := Prepare(frame, frame.Bounds(), 16, LayoutBGR)
	if bgr.Bytes[0] != 0 || bgr.Bytes[2] != 255 {
		t.Errorf("Unexpected BGR tensor head %v", bgr.Bytes[:3])
	}

	nchw, _, _ := Prepare(frame, frame.Bounds(), 16, LayoutNCHW)
	if len(nchw.Floats) != 3*16*16 {
		t.Fatalf("Expected %d floats, got %d", 3*16*16, len(nchw.Floats))
	}
	if nchw.Floats[0] != 1 || nchw.Floats[2*16*16] != 0 {
		t.Errorf("Unexpected planar values R=%v B=%v", nchw.Floats[0], nchw.Floats[2*16*16])
	}
}

func TestClassName(t *testing.T) {
	if ClassName(1) != "Human" || ClassName(17) != "Dog" || ClassName(80) != "Toothbrush" {
		t.Error("Unexpected COCO names")
	}
	if ClassName(0) != "Class 0" {
		t.Errorf("Unexpected fallback name %q", ClassName(0))
	}
}

func TestAnnotateJoins(t *testing.T) {
	dets := []Detection{
		{ClassID: 1, Confidence: 0.511, Box: image.Rect(440, 385, 530, 562), Area: 90 * 177},
		{ClassID: 17, Confidence: 0.5, Box: image.Rect(0, 0, 10, 10), Area: 100},
	}
	want := "Human (51.1%) 90x177 (=15930) at 440x385, Dog (50.0%) 10x10 (=100) at 0x0"
	if got := Annotate(dets); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
