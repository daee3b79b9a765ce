package pipeline

import (
	"cmp"
	"fmt"
	"image"
	"math"
	"slices"
	"strings"
)

// DefaultNMSThreshold is the IoU above which same-class boxes are merged
const DefaultNMSThreshold = 0.4

// Raw is one detection as reported by an inference engine, in model-input pixels
type Raw struct {
	ClassID    int // 1-based COCO class id
	Confidence float64
	Box        Box
}

// Detection is a filtered detection in frame pixels
type Detection struct {
	ClassID    int
	Confidence float64
	Box        image.Rectangle
	Area       int
}

// Params controls Process
type Params struct {
	Threshold    float64 // Minimum confidence (0..1)
	NMSThreshold float64 // 0 uses DefaultNMSThreshold
	Transform    Transform
	Classes      []int // Sorted allow-list
	MinArea      int
}

// Process thresholds, suppresses, remaps and filters raw detections.
// The result is ordered by descending confidence.
func Process(raw []Raw, p Params) []Detection {
	nmsThreshold := p.NMSThreshold
	if nmsThreshold <= 0 {
		nmsThreshold = DefaultNMSThreshold
	}

	kept := make([]Raw, 0, len(raw))
	for _, r := range raw {
		if r.Confidence >= p.Threshold {
			kept = append(kept, r)
		}
	}

	kept = NMS(kept, nmsThreshold)

	out := make([]Detection, 0, len(kept))
	for _, r := range kept {
		box := toRect(p.Transform.ToFrame(r.Box)).Intersect(p.Transform.Frame)
		if box.Empty() {
			continue
		}
		area := box.Dx() * box.Dy()
		if area < p.MinArea {
			continue
		}
		if _, ok := slices.BinarySearch(p.Classes, r.ClassID); !ok {
			continue
		}
		out = append(out, Detection{
			ClassID:    r.ClassID,
			Confidence: r.Confidence,
			Box:        box,
			Area:       area,
		})
	}

	slices.SortStableFunc(out, func(a, b Detection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	return out
}

// NMS performs greedy per-class non-max suppression. Within a class, a box
// whose IoU with an already kept box exceeds threshold is dropped.
// Output is ordered by descending confidence.
func NMS(raw []Raw, threshold float64) []Raw {
	sorted := slices.Clone(raw)
	slices.SortStableFunc(sorted, func(a, b Raw) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	kept := make([]Raw, 0, len(sorted))
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == cand.ClassID && IoU(k.Box, cand.Box) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

// IoU returns the intersection-over-union of two boxes
func IoU(a, b Box) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func toRect(b Box) image.Rectangle {
	return image.Rect(
		int(math.Round(b.X1)), int(math.Round(b.Y1)),
		int(math.Round(b.X2)), int(math.Round(b.Y2)),
	)
}

// Annotation renders a detection as e.g. "Human (51.1%) 90x177 (=15930) at 440x385"
func (d Detection) Annotation() string {
	return fmt.Sprintf("%s (%.1f%%) %dx%d (=%d) at %dx%d",
		ClassName(d.ClassID), d.Confidence*100,
		d.Box.Dx(), d.Box.Dy(), d.Area, d.Box.Min.X, d.Box.Min.Y)
}

// Annotate joins the annotations of all detections
func Annotate(dets []Detection) string {
	parts := make([]string, len(dets))
	for i, d := range dets {
		parts[i] = d.Annotation()
	}
	return strings.Join(parts, ", ")
}
