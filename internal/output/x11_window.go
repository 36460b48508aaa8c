package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// maxPutImageBytes bounds a single PutImage request; larger frames are sent
// in horizontal bands.
const maxPutImageBytes = 256 * 1024

// X11WindowOutput shows frames in a top-level X11 window. Window resizes are
// reported through the OnResize callback.
type X11WindowOutput struct {
	config Config

	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext

	bitsPerPixel uint8
	scanlinePad  uint8
	buf          []byte

	onResize func(width, height int)

	running bool
	mu      sync.RWMutex
	sizeMu  sync.Mutex
	width   int
	height  int
	done    chan struct{}
}

// NewX11WindowOutput connects to the X server
func NewX11WindowOutput(config Config) (*X11WindowOutput, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	o := &X11WindowOutput{
		config: config,
		conn:   conn,
		screen: screen,
		width:  config.Width,
		height: config.Height,
	}

	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			o.bitsPerPixel = format.BitsPerPixel
			o.scanlinePad = format.ScanlinePad
			break
		}
	}
	if o.bitsPerPixel != 32 && o.bitsPerPixel != 24 {
		conn.Close()
		return nil, fmt.Errorf("unsupported pixmap format: %d bpp at depth %d", o.bitsPerPixel, screen.RootDepth)
	}
	return o, nil
}

// OnResize registers a callback for window size changes. Must be called
// before Start.
func (o *X11WindowOutput) OnResize(fn func(width, height int)) {
	o.onResize = fn
}

// Start creates and maps the window
func (o *X11WindowOutput) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("x11 window output already running")
	}

	windowID, err := xproto.NewWindowId(o.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	o.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000, // Black background
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}

	err = xproto.CreateWindowChecked(
		o.conn,
		o.screen.RootDepth,
		o.window,
		o.screen.Root,
		0, 0,
		uint16(o.config.Width), uint16(o.config.Height),
		0,
		xproto.WindowClassInputOutput,
		o.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := o.setWindowTitle("FrameDoubler"); err != nil {
		logger.WithComponent("x11-output").Warn().Err(err).Msg("Failed to set window title")
	}
	if err := o.setWindowClass("framedoubler", "FrameDoubler"); err != nil {
		logger.WithComponent("x11-output").Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(o.conn, o.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(o.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(o.conn, gc, xproto.Drawable(o.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	o.gc = gc
	o.conn.Sync()

	o.done = make(chan struct{})
	o.running = true
	go o.eventLoop(o.done)

	logger.WithComponent("x11-output").Info().
		Int("width", o.config.Width).
		Int("height", o.config.Height).
		Uint32("window_id", uint32(o.window)).
		Msg("Output window created")
	return nil
}

// eventLoop forwards ConfigureNotify size changes.
func (o *X11WindowOutput) eventLoop(done chan struct{}) {
	log := logger.WithComponent("x11-output")
	for {
		ev, xerr := o.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		if xerr != nil {
			log.Debug().Str("error", xerr.Error()).Msg("X error")
			continue
		}

		cfg, ok := ev.(xproto.ConfigureNotifyEvent)
		if !ok || cfg.Window != o.window {
			continue
		}
		w, h := int(cfg.Width), int(cfg.Height)

		o.sizeMu.Lock()
		changed := w != o.width || h != o.height
		o.width, o.height = w, h
		o.sizeMu.Unlock()

		if changed && w > 0 && h > 0 && o.onResize != nil {
			log.Debug().Int("width", w).Int("height", h).Msg("Window resized")
			o.onResize(w, h)
		}
	}
}

// Stop destroys the window and closes the connection
func (o *X11WindowOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return nil
	}
	o.running = false
	close(o.done)

	if o.gc != 0 {
		xproto.FreeGC(o.conn, o.gc)
	}
	if o.window != 0 {
		xproto.DestroyWindow(o.conn, o.window)
		o.conn.Sync()
	}
	o.conn.Close()

	logger.WithComponent("x11-output").Info().Msg("Output window closed")
	return nil
}

// Name returns the output type name
func (o *X11WindowOutput) Name() string {
	return "X11 Window"
}

// IsRunning returns true if the window is shown
func (o *X11WindowOutput) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// WriteFrame converts frame to the server pixel format and puts it into the
// window. The frame is not retained.
func (o *X11WindowOutput) WriteFrame(frame *image.RGBA) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.running {
		return fmt.Errorf("x11 window output not running")
	}

	b := frame.Bounds()
	width, height := b.Dx(), b.Dy()
	bytesPerPixel := int(o.bitsPerPixel) / 8
	padBytes := int(o.scanlinePad) / 8
	if padBytes == 0 {
		padBytes = 1
	}
	stride := ((width*bytesPerPixel + padBytes - 1) / padBytes) * padBytes

	rowsPerBand := maxPutImageBytes / stride
	if rowsPerBand < 1 {
		rowsPerBand = 1
	}

	for y0 := 0; y0 < height; y0 += rowsPerBand {
		rows := rowsPerBand
		if y0+rows > height {
			rows = height - y0
		}
		data := o.band(frame, y0, rows, stride, bytesPerPixel)

		err := xproto.PutImageChecked(
			o.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(o.window),
			o.gc,
			uint16(width), uint16(rows),
			0, int16(y0),
			0,
			o.screen.RootDepth,
			data,
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// band converts rows [y0, y0+rows) of frame into BGRx scanlines.
func (o *X11WindowOutput) band(frame *image.RGBA, y0, rows, stride, bytesPerPixel int) []byte {
	need := stride * rows
	if cap(o.buf) < need {
		o.buf = make([]byte, need)
	}
	data := o.buf[:need]

	width := frame.Bounds().Dx()
	for y := 0; y < rows; y++ {
		src := frame.Pix[(y0+y)*frame.Stride:]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			si, di := x*4, x*bytesPerPixel
			dst[di] = src[si+2]
			dst[di+1] = src[si+1]
			dst[di+2] = src[si]
			if bytesPerPixel == 4 {
				dst[di+3] = 0
			}
		}
	}
	return data
}

// setWindowTitle sets the window title
func (o *X11WindowOutput) setWindowTitle(title string) error {
	titleAtom, err := o.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := o.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		o.conn,
		xproto.PropModeReplace,
		o.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

// setWindowClass sets the window class
func (o *X11WindowOutput) setWindowClass(instance, class string) error {
	classAtom, err := o.getAtom("WM_CLASS")
	if err != nil {
		return err
	}

	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"

	return xproto.ChangePropertyChecked(
		o.conn,
		xproto.PropModeReplace,
		o.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

// getAtom gets an atom ID by name
func (o *X11WindowOutput) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(o.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
