package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/damage"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameDoubler/internal/gpu"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// X11Capturer captures a region of the root window. The DAMAGE extension
// tells it when the root window has new content; without DAMAGE every
// attempt captures.
type X11Capturer struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	region image.Rectangle

	damageEnabled bool
	damage        damage.Damage
	damaged       chan struct{}

	mu       sync.Mutex
	acquired bool
	running  bool
	done     chan struct{}
}

// NewX11Capturer connects to the X server. An empty region selects the
// whole root window.
func NewX11Capturer(region image.Rectangle) (*X11Capturer, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	full := image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels))
	if region.Empty() {
		region = full
	}
	if !region.In(full) {
		conn.Close()
		return nil, fmt.Errorf("capture region %v outside root window %v", region, full)
	}

	return &X11Capturer{
		conn:    conn,
		root:    screen.Root,
		screen:  screen,
		region:  region,
		damaged: make(chan struct{}, 1),
	}, nil
}

// Start initializes the DAMAGE extension and the event loop
func (c *X11Capturer) Start() error {
	log := logger.WithComponent("x11-capturer")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	depth := c.screen.RootDepth
	if depth != 24 && depth != 32 {
		return fmt.Errorf("unsupported root depth %d", depth)
	}

	if err := c.initDamage(); err != nil {
		log.Warn().
			Err(err).
			Msg("Damage extension not available - every capture attempt will grab a frame")
		c.damageEnabled = false
	} else {
		c.damageEnabled = true
		log.Info().Msg("Damage extension initialized")
	}

	// The first attempt always captures.
	select {
	case c.damaged <- struct{}{}:
	default:
	}

	c.done = make(chan struct{})
	c.running = true
	go c.eventLoop(c.done)

	log.Info().
		Int("x", c.region.Min.X).
		Int("y", c.region.Min.Y).
		Int("width", c.region.Dx()).
		Int("height", c.region.Dy()).
		Msg("X11 capture started")
	return nil
}

func (c *X11Capturer) initDamage() error {
	if err := xfixes.Init(c.conn); err != nil {
		return fmt.Errorf("xfixes init: %w", err)
	}
	if _, err := xfixes.QueryVersion(c.conn, 2, 0).Reply(); err != nil {
		return fmt.Errorf("xfixes version: %w", err)
	}
	if err := damage.Init(c.conn); err != nil {
		return fmt.Errorf("damage init: %w", err)
	}
	if _, err := damage.QueryVersion(c.conn, 1, 1).Reply(); err != nil {
		return fmt.Errorf("damage version: %w", err)
	}

	id, err := damage.NewDamageId(c.conn)
	if err != nil {
		return fmt.Errorf("failed to allocate damage id: %w", err)
	}
	if err := damage.CreateChecked(c.conn, id, xproto.Drawable(c.root), damage.ReportLevelNonEmpty).Check(); err != nil {
		return fmt.Errorf("failed to create damage object: %w", err)
	}
	c.damage = id
	return nil
}

// eventLoop turns damage notifications into a readiness token.
func (c *X11Capturer) eventLoop(done chan struct{}) {
	log := logger.WithComponent("x11-capturer")
	for {
		ev, xerr := c.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			log.Debug().Msg("X connection closed, event loop exiting")
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
		if _, ok := ev.(damage.NotifyEvent); ok {
			select {
			case c.damaged <- struct{}{}:
			default:
			}
		}
	}
}

// Stop closes the X11 connection
func (c *X11Capturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	close(c.done)
	if c.damageEnabled {
		damage.Destroy(c.conn, c.damage)
	}
	c.conn.Close()
	return nil
}

// Name returns the capturer name
func (c *X11Capturer) Name() string {
	return "x11"
}

// Region returns the captured root-window region
func (c *X11Capturer) Region() image.Rectangle {
	return c.region
}

// TryAcquireFrame waits for damage on the root window and grabs the region.
func (c *X11Capturer) TryAcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("x11 capturer not running")
	}
	if c.acquired {
		c.mu.Unlock()
		return nil, fmt.Errorf("previous frame not released")
	}
	damageEnabled := c.damageEnabled
	c.mu.Unlock()

	if damageEnabled {
		t := time.NewTimer(timeout)
		select {
		case <-c.damaged:
			t.Stop()
		case <-t.C:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		// Clear accumulated damage so the next notify means new content.
		damage.Subtract(c.conn, c.damage, 0, 0)
	}

	img, err := c.CaptureRegion(c.region)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.acquired = true
	c.mu.Unlock()

	return NewFrame(img, gpu.FormatBGRX8, func() {
		c.mu.Lock()
		c.acquired = false
		c.mu.Unlock()
	}), nil
}

// CaptureRegion grabs r from the root window. The returned image carries
// raw BGRX bytes in RGBA clothing; normalization swizzles them.
func (c *X11Capturer) CaptureRegion(r image.Rectangle) (*image.RGBA, error) {
	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(c.root),
		int16(r.Min.X), int16(r.Min.Y),
		uint16(r.Dx()), uint16(r.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	width, height := r.Dx(), r.Dy()
	if len(reply.Data) < width*height*4 {
		return nil, fmt.Errorf("short image data: got %d bytes for %dx%d", len(reply.Data), width, height)
	}
	return &image.RGBA{
		Pix:    reply.Data,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// Pointer returns the pointer position in root-window coordinates.
func (c *X11Capturer) Pointer() (x, y int, ok bool) {
	reply, err := xproto.QueryPointer(c.conn, c.root).Reply()
	if err != nil || !reply.SameScreen {
		return 0, 0, false
	}
	return int(reply.RootX), int(reply.RootY), true
}
