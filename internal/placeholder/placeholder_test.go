package placeholder

import (
	"bytes"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/Corphon/CharacterStudio/internal/models"
)

func TestRenderProducesJPEG(t *testing.T) {
	for _, view := range models.AllViews() {
		data, err := Render(view)
		if err != nil {
			t.Fatalf("Render(%s) failed: %v", view, err)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Render(%s) is not a JPEG: %v", view, err)
		}
		if b := img.Bounds(); b.Dx() != Width || b.Dy() != Height {
			t.Errorf("%s bounds = %v", view, b)
		}
	}
}

func TestRenderUnknownView(t *testing.T) {
	if _, err := Render(models.View("top")); err == nil {
		t.Error("expected an error for an unknown view")
	}
}

func TestEnsureAllKeepsExistingFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")

	existing := filepath.Join(dir, Filename(models.ViewSide))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existing, []byte("custom"), 0644); err != nil {
		t.Fatal(err)
	}

	written, err := EnsureAll(dir)
	if err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}
	if len(written) != 2 {
		t.Errorf("written = %v", written)
	}

	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "custom" {
		t.Errorf("existing file was replaced: %q, %v", data, err)
	}

	written, err = EnsureAll(dir)
	if err != nil || len(written) != 0 {
		t.Errorf("second run wrote %v, err %v", written, err)
	}
}

func TestFilenameMatchesConfigDefaults(t *testing.T) {
	if got := Filename(models.ViewFront); got != "front-placeholder.jpg" {
		t.Errorf("Filename = %q", got)
	}
}
