package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// counters are written by the tick goroutine and read from anywhere.
type counters struct {
	ticks            atomic.Uint64
	realTicks        atomic.Uint64
	interpTicks      atomic.Uint64
	captures         atomic.Uint64
	captureFailures  atomic.Uint64
	captureDeadlines atomic.Uint64
	repeats          atomic.Uint64
	engineErrors     atomic.Uint64
	fallbacks        atomic.Uint64
	presentErrors    atomic.Uint64
	presented        atomic.Uint64
	deviceResets     atomic.Uint64

	avgDelay   atomic.Int64
	fenceValue atomic.Uint64
	ringIndex  atomic.Int64
	state      atomic.Int32
	lastTS     atomic.Uint64 // math.Float64bits of the last presented timestamp
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	State             string        `json:"state"`
	Engine            string        `json:"engine"`
	Backend           string        `json:"backend"`
	Ticks             uint64        `json:"ticks"`
	RealTicks         uint64        `json:"real_ticks"`
	InterpolatedTicks uint64        `json:"interpolated_ticks"`
	Captures          uint64        `json:"captures"`
	CaptureFailures   uint64        `json:"capture_failures"`
	CaptureDeadlines  uint64        `json:"capture_deadlines"`
	Repeats           uint64        `json:"repeats"`
	EngineErrors      uint64        `json:"engine_errors"`
	Fallbacks         uint64        `json:"fallbacks"`
	PresentErrors     uint64        `json:"present_errors"`
	Presented         uint64        `json:"presented"`
	DeviceResets      uint64        `json:"device_resets"`
	AverageDelay      time.Duration `json:"average_delay_ns"`
	FenceValue        uint64        `json:"fence_value"`
	RingIndex         int           `json:"ring_index"`
	LastTimestamp     float64       `json:"last_timestamp"`
	FPS               float64       `json:"fps"`
	Uptime            time.Duration `json:"uptime_ns"`
}

// HUDLines formats the snapshot for the on-screen overlay.
func (s Stats) HUDLines() []string {
	return []string{
		fmt.Sprintf("%s %.1f fps", s.Engine, s.FPS),
		fmt.Sprintf("delay %s", s.AverageDelay.Round(100*time.Microsecond)),
		fmt.Sprintf("frames %s  repeats %s", humanize.Comma(int64(s.Presented)), humanize.Comma(int64(s.Repeats))),
		fmt.Sprintf("fallbacks %s  resets %d", humanize.Comma(int64(s.Fallbacks)), s.DeviceResets),
	}
}
