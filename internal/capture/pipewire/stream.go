package pipewire

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Stream pulls RGBA frames from a PipeWire node through a GStreamer appsink.
type Stream struct {
	nodeID   uint32
	pipeline *gst.Pipeline
	appsink  *app.Sink
	slot     *frameSlot

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewStream prepares a stream for nodeID
func NewStream(nodeID uint32) *Stream {
	return &Stream{nodeID: nodeID, slot: newFrameSlot()}
}

// Start builds and plays the pipeline
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("stream already running")
	}

	log := logger.WithComponent("gstreamer")
	gst.Init(nil)

	// Samples are pulled from Go rather than delivered through callbacks.
	desc := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true ! "+
			"videoconvert ! "+
			"video/x-raw,format=RGBA ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=true",
		s.nodeID,
	)
	log.Debug().Str("pipeline", desc).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	sink, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.appsink = app.SinkFromElement(sink)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.pull(s.appsink, s.stop, s.done)

	log.Info().Uint32("node_id", s.nodeID).Msg("GStreamer pipeline started")
	return nil
}

// Stop halts the pull loop and tears the pipeline down
func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil {
		s.pipeline.SetState(gst.StateNull)
		s.pipeline.Unref()
		s.pipeline = nil
	}
	logger.WithComponent("gstreamer").Info().Msg("GStreamer pipeline stopped")
	return nil
}

// Next waits for a frame newer than after. The returned image is shared and
// must not be modified.
func (s *Stream) Next(ctx context.Context, timeout time.Duration, after uint64) (*image.RGBA, uint64, error) {
	return s.slot.next(ctx, timeout, after)
}

func (s *Stream) pull(sink *app.Sink, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		// go-gst releases the sample itself.
		sample := sink.TryPullSample(10 * time.Millisecond)
		if sample == nil {
			continue
		}
		if img := decodeSample(sample); img != nil {
			s.slot.publish(img)
		}
	}
}

func decodeSample(sample *gst.Sample) *image.RGBA {
	buffer := sample.GetBuffer()
	caps := sample.GetCaps()
	if buffer == nil || caps == nil {
		return nil
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil
	}
	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil
	}
	h, ok := height.(int)
	if !ok {
		return nil
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	if len(data) < w*h*4 {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, data[:w*h*4])
	return img
}
