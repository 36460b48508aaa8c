package gpu

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// The functions below touch surface pixels and must run inside a queue
// command.

// Clear fills dst with c.
func Clear(dst *Surface, c color.RGBA) error {
	if dst.Released() {
		return fmt.Errorf("clear %s: %w", dst, ErrDeviceLost)
	}
	draw.Draw(dst.img, dst.img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return nil
}

// Copy copies src into dst. Both surfaces must have the same size.
func Copy(dst, src *Surface) error {
	if dst.Released() || src.Released() {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, ErrDeviceLost)
	}
	if dst.width != src.width || dst.height != src.height {
		return fmt.Errorf("copy size mismatch: %dx%d -> %dx%d", src.width, src.height, dst.width, dst.height)
	}
	copy(dst.img.Pix, src.img.Pix)
	return nil
}

// Normalize converts an arbitrary-format source image into the RGBA working
// format of dst, resampling to dst's size.
func Normalize(dst *Surface, src *image.RGBA, srcFormat Format) error {
	if dst.Released() {
		return fmt.Errorf("normalize into %s: %w", dst, ErrDeviceLost)
	}

	in := src
	switch srcFormat {
	case FormatBGRA8:
		in = swizzleBGRA(src, false)
	case FormatBGRX8:
		in = swizzleBGRA(src, true)
	}

	if in.Bounds().Dx() == dst.width && in.Bounds().Dy() == dst.height {
		draw.Draw(dst.img, dst.img.Bounds(), in, in.Bounds().Min, draw.Src)
		return nil
	}
	draw.ApproxBiLinear.Scale(dst.img, dst.img.Bounds(), in, in.Bounds(), draw.Src, nil)
	return nil
}

// Blit draws src into dst at offset, uniformly scaled by scale.
func Blit(dst *Surface, src image.Image, offsetX, offsetY, scale float64) error {
	if dst.Released() {
		return fmt.Errorf("blit into %s: %w", dst, ErrDeviceLost)
	}
	sb := src.Bounds()
	w := int(float64(sb.Dx())*scale + 0.5)
	h := int(float64(sb.Dy())*scale + 0.5)
	if w <= 0 || h <= 0 {
		return nil
	}
	x0 := int(offsetX + 0.5)
	y0 := int(offsetY + 0.5)
	dr := image.Rect(x0, y0, x0+w, y0+h)

	if w == sb.Dx() && h == sb.Dy() {
		draw.Draw(dst.img, dr, src, sb.Min, draw.Over)
		return nil
	}
	draw.ApproxBiLinear.Scale(dst.img, dr, src, sb, draw.Over, nil)
	return nil
}

// swizzleBGRA returns an RGBA copy of a BGRA-ordered buffer. With opaque set
// the fourth byte is ignored and alpha is forced to 255.
func swizzleBGRA(src *image.RGBA, opaque bool) *image.RGBA {
	out := image.NewRGBA(src.Rect)
	b := src.Rect
	for y := 0; y < b.Dy(); y++ {
		si := y * src.Stride
		di := y * out.Stride
		for x := 0; x < b.Dx(); x++ {
			out.Pix[di+0] = src.Pix[si+2]
			out.Pix[di+1] = src.Pix[si+1]
			out.Pix[di+2] = src.Pix[si+0]
			if opaque {
				out.Pix[di+3] = 0xff
			} else {
				out.Pix[di+3] = src.Pix[si+3]
			}
			si += 4
			di += 4
		}
	}
	return out
}
