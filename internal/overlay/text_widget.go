package overlay

import (
	"image"
	"image/color"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const lineHeight = 13 // basicfont.Face7x13

// TextWidget displays one or more lines of text. The text comes either from
// SetText or, when set, from a provider called on every render.
type TextWidget struct {
	*BaseWidget

	mu        sync.RWMutex
	text      string
	provider  func() []string
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

// NewTextWidget creates a new text widget
func NewTextWidget(id string, x, y int, opacity float64) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, opacity),
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    5,
	}
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// SetText updates the text content
func (w *TextWidget) SetText(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text = text
}

// GetText returns the current text
func (w *TextWidget) GetText() string {
	return strings.Join(w.lines(), "\n")
}

// SetProvider makes the widget pull its lines from fn on every render
func (w *TextWidget) SetProvider(fn func() []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.provider = fn
}

// SetColors sets the text color and an optional background
func (w *TextWidget) SetColors(text color.RGBA, background *color.RGBA) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.textColor = text
	w.bgColor = background
}

func (w *TextWidget) lines() []string {
	w.mu.RLock()
	provider, text := w.provider, w.text
	w.mu.RUnlock()

	if provider != nil {
		return provider()
	}
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA) error {
	if !w.IsEnabled() {
		return nil
	}
	lines := w.lines()
	if len(lines) == 0 {
		return nil
	}

	w.mu.RLock()
	textColor, bgColor, padding := w.textColor, w.bgColor, w.padding
	w.mu.RUnlock()

	face := basicfont.Face7x13
	measure := &font.Drawer{Face: face}
	widthPx := 0
	for _, l := range lines {
		if px := measure.MeasureString(l).Ceil(); px > widthPx {
			widthPx = px
		}
	}
	heightPx := len(lines) * lineHeight

	if bgColor != nil {
		DrawRectangle(img, w.x, w.y, widthPx+padding*2, heightPx+padding*2, *bgColor, w.opacity)
	}

	// Render into a scratch image so opacity applies to the glyphs too.
	textImg := image.NewRGBA(image.Rect(0, 0, widthPx, heightPx))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	for i, l := range lines {
		d.Dot = fixed.Point26_6{X: 0, Y: fixed.I((i+1)*lineHeight - face.Descent)}
		d.DrawString(l)
	}

	BlendImage(img, textImg, w.x+padding, w.y+padding, w.opacity)
	return nil
}
