package gpu

import (
	"fmt"
	"image"
)

// Format is the pixel layout of a surface or of an acquired capture image.
type Format int

const (
	FormatRGBA8 Format = iota
	FormatBGRA8
	// FormatBGRX8 is BGRA byte order with an undefined fourth byte, as
	// delivered by 24-bit X11 visuals.
	FormatBGRX8
)

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "RGBA8"
	case FormatBGRA8:
		return "BGRA8"
	case FormatBGRX8:
		return "BGRX8"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Usage tags what a surface may be bound as.
type Usage uint8

const (
	UsageRenderTarget Usage = 1 << iota
	UsageShaderResource
	UsageCaptureSource
)

// Has reports whether all bits of flag are set.
func (u Usage) Has(flag Usage) bool {
	return u&flag == flag
}

// Surface is a device-resident image of fixed size and format.
//
// The backing pixels belong to the device queue: read or write them only
// from inside a command submitted to Queue.
type Surface struct {
	id         uint64
	width      int
	height     int
	format     Format
	usage      Usage
	generation uint64
	img        *image.RGBA
}

func (s *Surface) ID() uint64 { return s.id }
func (s *Surface) Width() int { return s.width }
func (s *Surface) Height() int { return s.height }
func (s *Surface) Format() Format { return s.format }
func (s *Surface) Usage() Usage { return s.usage }
func (s *Surface) Generation() uint64 { return s.generation }
func (s *Surface) Bounds() image.Rectangle { return image.Rect(0, 0, s.width, s.height) }

// Image exposes the backing store. Only valid inside a queue command.
func (s *Surface) Image() *image.RGBA {
	return s.img
}

// Released reports whether the surface was destroyed.
func (s *Surface) Released() bool {
	return s.img == nil
}

func (s *Surface) String() string {
	return fmt.Sprintf("surface#%d(%dx%d %s gen=%d)", s.id, s.width, s.height, s.format, s.generation)
}
