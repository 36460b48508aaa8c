package gpu

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
)

// ErrDeviceLost is returned by every device operation once the device (or
// the generation an object belongs to) is gone.
var ErrDeviceLost = errors.New("device lost")

const defaultQueueDepth = 64

// DeviceNotify receives device lifecycle callbacks. OnDeviceLost must release
// every surface and fence; OnDeviceRestored rebuilds them.
type DeviceNotify interface {
	OnDeviceLost()
	OnDeviceRestored()
}

// Device owns the command queue and tracks every live surface and fence.
type Device struct {
	mu         sync.Mutex
	queue      *Queue
	surfaces   map[uint64]*Surface
	fences     []*Fence
	nextID     uint64
	generation uint64
	notify     DeviceNotify
	closed     bool
}

// NewDevice creates a device with a running command queue.
func NewDevice() *Device {
	return &Device{
		queue:      newQueue(defaultQueueDepth),
		surfaces:   make(map[uint64]*Surface),
		generation: 1,
	}
}

// RegisterDeviceNotify sets the lifecycle listener.
func (d *Device) RegisterDeviceNotify(n DeviceNotify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = n
}

// Queue returns the current command queue. The queue changes after a device
// loss, so callers should not cache it across ticks.
func (d *Device) Queue() *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue
}

// Generation increments on every device rebuild.
func (d *Device) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// CreateSurface allocates a zeroed surface.
func (d *Device) CreateSurface(width, height int, format Format, usage Usage) (*Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", width, height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceLost
	}

	d.nextID++
	s := &Surface{
		id:         d.nextID,
		width:      width,
		height:     height,
		format:     format,
		usage:      usage,
		generation: d.generation,
		img:        image.NewRGBA(image.Rect(0, 0, width, height)),
	}
	d.surfaces[s.id] = s
	return s, nil
}

// DestroySurface releases s. Destroying an already released surface is a
// no-op.
func (d *Device) DestroySurface(s *Surface) {
	if s == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.surfaces[s.id]; !ok {
		return
	}
	delete(d.surfaces, s.id)
	s.img = nil
}

// LiveSurfaces returns the number of surfaces not yet destroyed.
func (d *Device) LiveSurfaces() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.surfaces)
}

// CreateFence creates a fence starting at value 0.
func (d *Device) CreateFence() (*Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceLost
	}
	f := newFence()
	d.fences = append(d.fences, f)
	return f, nil
}

// DestroyFence abandons f; pending waits return ErrDeviceLost.
func (d *Device) DestroyFence(f *Fence) {
	if f == nil {
		return
	}

	d.mu.Lock()
	for i, candidate := range d.fences {
		if candidate == f {
			d.fences = append(d.fences[:i], d.fences[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	f.abandon()
}

// HandleDeviceLost runs a full loss/restore cycle: the queue is torn down,
// the listener releases its resources, a fresh queue is created and the
// listener rebuilds.
func (d *Device) HandleDeviceLost() error {
	log := logger.WithComponent("gpu")

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDeviceLost
	}
	queue := d.queue
	fences := d.fences
	d.fences = nil
	notify := d.notify
	d.mu.Unlock()

	log.Warn().Uint64("generation", d.Generation()).Msg("Device lost, releasing resources")

	for _, f := range fences {
		f.abandon()
	}
	queue.close()

	if notify != nil {
		notify.OnDeviceLost()
	}

	d.mu.Lock()
	leaked := len(d.surfaces)
	for id, s := range d.surfaces {
		s.img = nil
		delete(d.surfaces, id)
	}
	d.queue = newQueue(defaultQueueDepth)
	d.generation++
	gen := d.generation
	d.mu.Unlock()

	if leaked > 0 {
		log.Warn().Int("surfaces", leaked).Msg("Surfaces still alive after OnDeviceLost were reclaimed")
	}

	log.Info().Uint64("generation", gen).Msg("Device restored")

	if notify != nil {
		notify.OnDeviceRestored()
	}
	return nil
}

// Close shuts the queue down and abandons every fence.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queue := d.queue
	fences := d.fences
	d.fences = nil
	d.mu.Unlock()

	for _, f := range fences {
		f.abandon()
	}
	queue.close()
}
