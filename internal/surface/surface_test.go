package surface_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/snehjoshi/lapse/internal/engine"
	"github.com/snehjoshi/lapse/internal/store"
	"github.com/snehjoshi/lapse/internal/surface"
)

func frameOf(i int, payload string) engine.Frame {
	return engine.Frame{
		Index: i,
		Key:   "f.jpg",
		Image: &store.Image{Bytes: []byte(payload), Format: "jpeg", Width: 4, Height: 3},
	}
}

func TestLog_WritesOneLinePerFrame(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := surface.NewLog(log, slog.LevelInfo)

	s.Show(frameOf(7, "x"))
	out := buf.String()
	for _, want := range []string{"frame presented", "index=7", "key=f.jpg", "width=4"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestFanout_CallsEverySurface(t *testing.T) {
	var a, b []int
	fo := surface.Fanout{
		engine.SurfaceFunc(func(f engine.Frame) { a = append(a, f.Index) }),
		nil,
		engine.SurfaceFunc(func(f engine.Frame) { b = append(b, f.Index) }),
	}
	fo.Show(frameOf(1, "x"))
	fo.Show(frameOf(2, "y"))
	if len(a) != 2 || len(b) != 2 || a[1] != 2 || b[1] != 2 {
		t.Errorf("unexpected deliveries a=%v b=%v", a, b)
	}
}

func TestFile_WritesLatestFrame(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "current.jpg")
	f := surface.NewFile(path, nil)

	f.Show(frameOf(0, "first"))
	f.Show(frameOf(1, "second"))
	f.Show(frameOf(2, "third"))
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "third" {
		t.Errorf("expected the last frame on disk, got %q", data)
	}
	if n := f.Written(); n < 1 || n > 3 {
		t.Errorf("written count out of range: %d", n)
	}
}

func TestFile_IgnoresEmptyAndPostClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current.jpg")
	f := surface.NewFile(path, nil)

	f.Show(engine.Frame{Index: 0})
	_ = f.Close()
	f.Show(frameOf(1, "late"))
	_ = f.Close()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no file, stat err = %v", err)
	}
}

func TestFile_WritesWhileRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current.jpg")
	f := surface.NewFile(path, nil)
	defer f.Close()

	f.Show(frameOf(0, "live"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && string(data) == "live" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("frame never reached disk")
}
