// Package pipeline holds the pure pre- and post-processing stages around inference.
package pipeline

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/zm-aidect/pkg/types"
)

// Layout is the tensor layout an inference engine consumes
type Layout int

const (
	// LayoutRGB is interleaved 8-bit RGB, row-major (HWC)
	LayoutRGB Layout = iota
	// LayoutBGR is interleaved 8-bit BGR, row-major (HWC)
	LayoutBGR
	// LayoutNCHW is planar float32 RGB scaled to 0..1
	LayoutNCHW
)

func (l Layout) String() string {
	switch l {
	case LayoutRGB:
		return "HWC-RGB"
	case LayoutBGR:
		return "HWC-BGR"
	case LayoutNCHW:
		return "NCHW-F32"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Tensor is one square model input
type Tensor struct {
	Layout Layout
	Size   int
	Image  *image.RGBA // Resized zone crop, always set
	Bytes  []byte      // HWC layouts
	Floats []float32   // NCHW layout
}

// Box is an axis-aligned rectangle in floating point pixels
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Transform maps model-input coordinates back to frame coordinates
type Transform struct {
	OffsetX, OffsetY float64
	ScaleX, ScaleY   float64
	Frame            image.Rectangle // Clamp bounds
}

// ToFrame maps a model-space box into frame space (unclamped)
func (t Transform) ToFrame(b Box) Box {
	return Box{
		X1: t.OffsetX + b.X1*t.ScaleX,
		Y1: t.OffsetY + b.Y1*t.ScaleY,
		X2: t.OffsetX + b.X2*t.ScaleX,
		Y2: t.OffsetY + b.Y2*t.ScaleY,
	}
}

// ToModel maps a frame-space box into model space
func (t Transform) ToModel(b Box) Box {
	return Box{
		X1: (b.X1 - t.OffsetX) / t.ScaleX,
		Y1: (b.Y1 - t.OffsetY) / t.ScaleY,
		X2: (b.X2 - t.OffsetX) / t.ScaleX,
		Y2: (b.Y2 - t.OffsetY) / t.ScaleY,
	}
}

// Prepare crops region out of frame (clamped to the frame), resizes it to
// size×size without preserving aspect ratio and lays it out for the engine.
func Prepare(frame *types.Frame, region image.Rectangle, size int, layout Layout) (*Tensor, Transform, error) {
	if size <= 0 {
		return nil, Transform{}, fmt.Errorf("invalid input size %d", size)
	}
	crop := region.Intersect(frame.Bounds())
	if crop.Empty() {
		return nil, Transform{}, fmt.Errorf("zone %v does not intersect frame %dx%d", region, frame.Width, frame.Height)
	}

	src, err := frame.ReadRegion(crop)
	if err != nil {
		return nil, Transform{}, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	t := &Tensor{Layout: layout, Size: size, Image: dst}
	switch layout {
	case LayoutRGB, LayoutBGR:
		t.Bytes = packHWC(dst, layout == LayoutBGR)
	case LayoutNCHW:
		t.Floats = packNCHW(dst)
	default:
		return nil, Transform{}, fmt.Errorf("unsupported layout %s", layout)
	}

	tf := Transform{
		OffsetX: float64(crop.Min.X),
		OffsetY: float64(crop.Min.Y),
		ScaleX:  float64(crop.Dx()) / float64(size),
		ScaleY:  float64(crop.Dy()) / float64(size),
		Frame:   frame.Bounds(),
	}
	return t, tf, nil
}

func packHWC(img *image.RGBA, bgr bool) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			if bgr {
				r, b = b, r
			}
			out = append(out, r, g, b)
		}
	}
	return out
}

func packNCHW(img *image.RGBA) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			out[i] = float32(row[x*4]) / 255
			out[plane+i] = float32(row[x*4+1]) / 255
			out[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return out
}
