package pipeline

import "github.com/bryanchriswhite/FrameDoubler/internal/gpu"

// FenceCoordinator hands out fence values shared with the interpolation
// engine. It only does bookkeeping; waiting on the fence object is left to
// the engine and the presenter.
type FenceCoordinator struct {
	value gpu.FenceValue
}

// NextSignal issues the value the engine signals once its work completes.
func (f *FenceCoordinator) NextSignal() gpu.FenceValue {
	f.value++
	return f.value
}

// WaitValue is the value consumers of the interpolated slot wait on.
func (f *FenceCoordinator) WaitValue() gpu.FenceValue {
	return f.value
}

// Reset rewinds the counter. Only valid together with a fresh fence object.
func (f *FenceCoordinator) Reset() {
	f.value = 0
}
