package types

import (
	"fmt"
	"image"
	"time"
)

// PixelFormat is the host's subpixel order for a captured image
type PixelFormat uint8

// PixelFormat constants (values match the host's SubpixelOrder)
const (
	PixelGray PixelFormat = 2
	PixelBGR  PixelFormat = 5
	PixelRGB  PixelFormat = 6
	PixelBGRA PixelFormat = 7
	PixelRGBA PixelFormat = 8
	PixelABGR PixelFormat = 9
	PixelARGB PixelFormat = 10
)

// BytesPerPixel returns the packed size of one pixel, or 0 for unknown formats
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelGray:
		return 1
	case PixelBGR, PixelRGB:
		return 3
	case PixelBGRA, PixelRGBA, PixelABGR, PixelARGB:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case PixelGray:
		return "GRAY8"
	case PixelBGR:
		return "BGR24"
	case PixelRGB:
		return "RGB24"
	case PixelBGRA:
		return "BGRA"
	case PixelRGBA:
		return "RGBA"
	case PixelABGR:
		return "ABGR"
	case PixelARGB:
		return "ARGB"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint8(f))
	}
}

// HostState is the monitor's alarm state as published by the capture process
type HostState uint32

// HostState constants
const (
	StateUnknown HostState = iota
	StateIdle
	StatePrealarm
	StateAlarm
	StateAlert
	StateTape
)

func (s HostState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePrealarm:
		return "Prealarm"
	case StateAlarm:
		return "Alarm"
	case StateAlert:
		return "Alert"
	case StateTape:
		return "Tape"
	default:
		return "Unknown"
	}
}

// RegionReader copies a rectangle of a frame out of its backing store.
// The returned image has its origin at the rectangle's Min point.
type RegionReader interface {
	ReadRegion(r image.Rectangle) (*image.RGBA, error)
}

// Frame is a read-only, instant-in-time view of one captured image.
// Pixels stay owned by whoever produced the frame; only ReadRegion copies.
type Frame struct {
	Pixels    RegionReader // Backing pixel store
	Width     int          // Frame width
	Height    int          // Frame height
	Format    PixelFormat  // Pixel layout of the backing store
	Seq       uint64       // Monotonically increasing sequence number
	Timestamp time.Time    // Capture timestamp
	State     HostState    // Host alarm state at acquisition
	Active    bool         // Host analysis enabled for this monitor
}

// Bounds returns the full frame rectangle
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// ReadRegion crops r (clamped to the frame) out of the backing store
func (f *Frame) ReadRegion(r image.Rectangle) (*image.RGBA, error) {
	r = r.Intersect(f.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("region %v outside frame %dx%d", r, f.Width, f.Height)
	}
	return f.Pixels.ReadRegion(r)
}
