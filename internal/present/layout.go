package present

import "fmt"

// Layout is the letterbox mapping of the desktop frame onto the output.
type Layout struct {
	ScaleX, ScaleY   float64
	OffsetX, OffsetY float64
}

// ComputeLayout fits a desktop of dw x dh into an output of ow x oh with a
// uniform scale. Only the axis with spare room gets a non-zero offset.
func ComputeLayout(dw, dh, ow, oh int) (Layout, error) {
	if dw <= 0 || dh <= 0 || ow <= 0 || oh <= 0 {
		return Layout{}, fmt.Errorf("invalid layout sizes: desktop %dx%d, output %dx%d", dw, dh, ow, oh)
	}

	sx := float64(ow) / float64(dw)
	sy := float64(oh) / float64(dh)

	var l Layout
	if sx <= sy {
		l.ScaleX, l.ScaleY = sx, sx
		l.OffsetY = (float64(oh) - float64(dh)*sx) / 2
	} else {
		l.ScaleX, l.ScaleY = sy, sy
		l.OffsetX = (float64(ow) - float64(dw)*sy) / 2
	}
	return l, nil
}

// Scale returns the uniform scale factor.
func (l Layout) Scale() float64 {
	return l.ScaleX
}

// Map transforms a point in frame coordinates into output coordinates.
func (l Layout) Map(x, y float64) (float64, float64) {
	return x*l.ScaleX + l.OffsetX, y*l.ScaleY + l.OffsetY
}

func (l Layout) String() string {
	return fmt.Sprintf("scale=%.4f offset=(%.1f,%.1f)", l.ScaleX, l.OffsetX, l.OffsetY)
}
