package output

import (
	"bufio"
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeOutput struct {
	name     string
	running  bool
	frames   int
	writeErr error
	startErr error
}

func (f *fakeOutput) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}
func (f *fakeOutput) Stop() error     { f.running = false; return nil }
func (f *fakeOutput) Name() string    { return f.name }
func (f *fakeOutput) IsRunning() bool { return f.running }
func (f *fakeOutput) WriteFrame(*image.RGBA) error {
	f.frames++
	return f.writeErr
}

func testFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

func TestMultiFansOutDespiteErrors(t *testing.T) {
	a := &fakeOutput{name: "a", writeErr: errors.New("boom")}
	b := &fakeOutput{name: "b"}
	m := NewMulti(a, b)

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteFrame(testFrame(2, 2)); err == nil {
		t.Fatal("expected the failing output's error")
	}
	if a.frames != 1 || b.frames != 1 {
		t.Fatalf("both outputs should receive the frame: a=%d b=%d", a.frames, b.frames)
	}
	if m.Name() != "a + b" {
		t.Fatalf("unexpected name %q", m.Name())
	}

	b.running = false
	_ = m.WriteFrame(testFrame(2, 2))
	if b.frames != 1 {
		t.Fatal("stopped outputs should be skipped")
	}
}

func TestMultiStartRollsBack(t *testing.T) {
	a := &fakeOutput{name: "a"}
	b := &fakeOutput{name: "b", startErr: errors.New("no display")}
	m := NewMulti(a, b)

	if err := m.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if a.running {
		t.Fatal("already started outputs should be stopped")
	}
	if m.IsRunning() {
		t.Fatal("nothing should be running")
	}
}

func TestMJPEGSkipsEncodingWithoutClients(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 4, Height: 4, FPS: 60})
	if err := m.WriteFrame(testFrame(4, 4)); err == nil {
		t.Fatal("writing to a stopped output should fail")
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.WriteFrame(testFrame(4, 4)); err != nil {
		t.Fatal(err)
	}
	s := m.Stats()
	if s.Frames != 1 || s.Clients != 0 || s.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if m.config.Quality != defaultJPEGQuality {
		t.Fatalf("quality should default to %d, got %d", defaultJPEGQuality, m.config.Quality)
	}
}

func TestMJPEGStreamDeliversFrames(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 8, Height: 8, FPS: 60, Quality: 70})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.WriteFrame(testFrame(8, 8)); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Fatalf("expected boundary, got %q", line)
	}
	line, _ = r.ReadString('\n')
	if !strings.Contains(line, "image/jpeg") {
		t.Fatalf("expected jpeg part header, got %q", line)
	}
}

func TestMJPEGStreamRejectsWhenStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 8, Height: 8})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
