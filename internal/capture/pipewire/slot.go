package pipewire

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// ErrNoFrame is returned by Next when no newer frame arrived in time.
var ErrNoFrame = errors.New("no new pipewire frame")

// frameSlot holds the newest decoded frame. Publishers never block and
// older frames are overwritten.
type frameSlot struct {
	mu     sync.Mutex
	latest *image.RGBA
	seq    uint64
	notify chan struct{}
}

func newFrameSlot() *frameSlot {
	return &frameSlot{notify: make(chan struct{}, 1)}
}

func (s *frameSlot) publish(img *image.RGBA) {
	s.mu.Lock()
	s.latest = img
	s.seq++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next returns the newest frame once its sequence is past after.
func (s *frameSlot) next(ctx context.Context, timeout time.Duration, after uint64) (*image.RGBA, uint64, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		img, seq := s.latest, s.seq
		s.mu.Unlock()
		if img != nil && seq > after {
			return img, seq, nil
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return nil, seq, ErrNoFrame
		case <-ctx.Done():
			return nil, seq, ctx.Err()
		}
	}
}
