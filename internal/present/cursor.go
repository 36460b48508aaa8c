package present

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// PointerSource reports the desktop pointer position.
type PointerSource interface {
	Pointer() (x, y int, ok bool)
}

// CursorState is the last observed pointer position in desktop coordinates.
type CursorState struct {
	X, Y    int
	Visible bool
}

// arrow is the built-in cursor shape: '#' outline, '.' fill.
var arrow = []string{
	"#",
	"##",
	"#.#",
	"#..#",
	"#...#",
	"#....#",
	"#.....#",
	"#......#",
	"#.......#",
	"#........#",
	"#.........#",
	"#......####",
	"#...#..#",
	"#..##..#",
	"#.#  #..#",
	"##   #..#",
	"#     #..#",
	"      #..#",
	"       ##",
}

// DefaultCursor returns the built-in arrow sprite.
func DefaultCursor() *image.RGBA {
	w := 0
	for _, row := range arrow {
		if len(row) > w {
			w = len(row)
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, w, len(arrow)))
	for y, row := range arrow {
		for x, ch := range row {
			switch ch {
			case '#':
				img.SetRGBA(x, y, color.RGBA{A: 0xff})
			case '.':
				img.SetRGBA(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
			}
		}
	}
	return img
}

// LoadCursor decodes a cursor sprite from an image file. An empty path
// yields the built-in arrow.
func LoadCursor(path string) (*image.RGBA, error) {
	if path == "" {
		return DefaultCursor(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor image %s: %w", path, err)
	}

	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)
	return img, nil
}
