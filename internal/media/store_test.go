package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"social-post-scheduler/internal/config"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		MediaDir:      dir,
		MediaBaseURL:  "http://localhost:8080/media/",
		MediaMaxBytes: 1 << 20,
	}
	st, err := NewStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st, dir
}

func TestSaveNormalizesImagesToJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 200, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	st, dir := testStore(t)
	url, err := st.Save(context.Background(), "photo.png", buf.Bytes())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(url, "http://localhost:8080/media/") || !strings.HasSuffix(url, ".jpg") {
		t.Fatalf("unexpected media url %q", url)
	}

	key := strings.TrimPrefix(url, "http://localhost:8080/media/")
	data, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if _, format, err := image.Decode(bytes.NewReader(data)); err != nil || format != "jpeg" {
		t.Fatalf("expected stored jpeg, got format=%q err=%v", format, err)
	}
}

func TestSaveKeepsNonImageBytes(t *testing.T) {
	st, dir := testStore(t)
	payload := []byte("\x00\x00\x00\x18ftypmp42 not really a video")

	url, err := st.Save(context.Background(), "clip.mp4", payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	key := strings.TrimPrefix(url, "http://localhost:8080/media/")
	data, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("non-image payload must be stored untouched")
	}
}

func TestSaveRejectsOversizedMedia(t *testing.T) {
	st, _ := testStore(t)
	big := make([]byte, (1<<20)+1)
	if _, err := st.Save(context.Background(), "big.bin", big); err == nil {
		t.Fatalf("expected size rejection")
	}
}
