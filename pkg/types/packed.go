package types

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Packed is a tightly packed pixel buffer in one of the host formats
type Packed struct {
	Data   []byte
	Width  int
	Height int
	Format PixelFormat
}

// ReadRegion converts r from the packed buffer into a new RGBA image
func (p *Packed) ReadRegion(r image.Rectangle) (*image.RGBA, error) {
	bpp := p.Format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unsupported pixel format %s", p.Format)
	}
	stride := p.Width * bpp
	if len(p.Data) < stride*p.Height {
		return nil, fmt.Errorf("buffer too small: have %d bytes, need %d", len(p.Data), stride*p.Height)
	}
	r = r.Intersect(image.Rect(0, 0, p.Width, p.Height))
	dst := image.NewRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := y*stride + r.Min.X*bpp
		ConvertRow(dst.Pix[(y-r.Min.Y)*dst.Stride:], p.Data[off:off+r.Dx()*bpp], p.Format)
	}
	return dst, nil
}

// ConvertRow writes one row of packed pixels in format f into dst as RGBA.
// Alpha is forced opaque.
func ConvertRow(dst, src []byte, f PixelFormat) {
	bpp := f.BytesPerPixel()
	n := len(src) / bpp
	for i := 0; i < n; i++ {
		s := src[i*bpp:]
		d := dst[i*4 : i*4+4]
		switch f {
		case PixelGray:
			d[0], d[1], d[2] = s[0], s[0], s[0]
		case PixelRGB, PixelRGBA:
			d[0], d[1], d[2] = s[0], s[1], s[2]
		case PixelBGR, PixelBGRA:
			d[0], d[1], d[2] = s[2], s[1], s[0]
		case PixelARGB:
			d[0], d[1], d[2] = s[1], s[2], s[3]
		case PixelABGR:
			d[0], d[1], d[2] = s[3], s[2], s[1]
		}
		d[3] = 0xff
	}
}

// imageRegion adapts a decoded image to RegionReader
type imageRegion struct {
	img image.Image
}

func (ir imageRegion) ReadRegion(r image.Rectangle) (*image.RGBA, error) {
	b := ir.img.Bounds()
	r = r.Add(b.Min).Intersect(b)
	dst := image.NewRGBA(r.Sub(b.Min))
	draw.Draw(dst, dst.Bounds(), ir.img, r.Min, draw.Src)
	return dst, nil
}

// NewImageFrame wraps a decoded image (replay, tests) as a Frame
func NewImageFrame(img image.Image, seq uint64) *Frame {
	b := img.Bounds()
	return &Frame{
		Pixels: imageRegion{img: img},
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: PixelRGBA,
		Seq:    seq,
		State:  StateUnknown,
		Active: true,
	}
}
