package pipewire

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestFrameSlotNext(t *testing.T) {
	s := newFrameSlot()
	ctx := context.Background()

	if _, _, err := s.next(ctx, 5*time.Millisecond, 0); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("empty slot: got %v, want ErrNoFrame", err)
	}

	a := image.NewRGBA(image.Rect(0, 0, 1, 1))
	b := image.NewRGBA(image.Rect(0, 0, 2, 2))
	s.publish(a)
	s.publish(b)

	img, seq, err := s.next(ctx, time.Second, 0)
	if err != nil || img != b || seq != 2 {
		t.Fatalf("next = %d, %v; want the newest frame", seq, err)
	}
	if _, _, err := s.next(ctx, 5*time.Millisecond, seq); !errors.Is(err, ErrNoFrame) {
		t.Fatal("a frame already seen must not be returned again")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.publish(a)
	}()
	img, seq, err = s.next(ctx, time.Second, 2)
	if err != nil || img != a || seq != 3 {
		t.Fatalf("waiting next = %d, %v", seq, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := s.next(cctx, time.Second, 3); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled: got %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	if _, err := parseResponse("Start", []interface{}{uint32(1), map[string]dbus.Variant{}}); err == nil {
		t.Fatal("a non-zero response code should be an error")
	}

	results, err := parseResponse("Start", []interface{}{
		uint32(0),
		map[string]dbus.Variant{
			"streams":        dbus.MakeVariant([][]interface{}{{uint32(57), map[string]dbus.Variant{}}}),
			"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_1/s"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id, err := streamNode(results); err != nil || id != 57 {
		t.Fatalf("streamNode = %d, %v", id, err)
	}
	if h, err := sessionHandle(results); err != nil || h != "/org/freedesktop/portal/desktop/session/1_1/s" {
		t.Fatalf("sessionHandle = %q, %v", h, err)
	}

	if _, err := streamNode(map[string]dbus.Variant{}); err == nil {
		t.Fatal("missing streams should be an error")
	}
}

func TestRestoreTokenRoundTrip(t *testing.T) {
	path := t.TempDir() + "/nested/portal_token"
	if got := loadRestoreToken(path); got != "" {
		t.Fatalf("missing file should load empty, got %q", got)
	}
	if err := saveRestoreToken(path, "abc"); err != nil {
		t.Fatal(err)
	}
	if got := loadRestoreToken(path); got != "abc" {
		t.Fatalf("token = %q", got)
	}
}
