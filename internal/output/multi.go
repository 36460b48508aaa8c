package output

import (
	"errors"
	"image"
	"strings"
)

// Multi fans frames out to several outputs. A failing output does not stop
// the others from receiving the frame.
type Multi struct {
	outputs []Output
}

// NewMulti combines outputs into one
func NewMulti(outputs ...Output) *Multi {
	return &Multi{outputs: outputs}
}

// Outputs returns the wrapped outputs
func (m *Multi) Outputs() []Output {
	return m.outputs
}

// Start starts every output, stopping the already started ones on failure
func (m *Multi) Start() error {
	for i, o := range m.outputs {
		if err := o.Start(); err != nil {
			for _, started := range m.outputs[:i] {
				_ = started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops every output
func (m *Multi) Stop() error {
	var errs []error
	for _, o := range m.outputs {
		if err := o.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteFrame writes the frame to every running output
func (m *Multi) WriteFrame(frame *image.RGBA) error {
	var errs []error
	for _, o := range m.outputs {
		if !o.IsRunning() {
			continue
		}
		if err := o.WriteFrame(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name joins the wrapped output names
func (m *Multi) Name() string {
	names := make([]string, len(m.outputs))
	for i, o := range m.outputs {
		names[i] = o.Name()
	}
	return strings.Join(names, " + ")
}

// IsRunning reports whether any wrapped output is running
func (m *Multi) IsRunning() bool {
	for _, o := range m.outputs {
		if o.IsRunning() {
			return true
		}
	}
	return false
}
