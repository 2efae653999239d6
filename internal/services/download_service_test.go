package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/CharacterStudio/internal/errors"
	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/storage"
	"github.com/Corphon/CharacterStudio/internal/utils"
)

func newTestDownloads(t *testing.T, staticDir string, stagger time.Duration) (*DownloadService, *storage.FileStorage) {
	t.Helper()
	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewDownloadService(fs, DownloadOptions{
		StaticDir: staticDir,
		Stagger:   stagger,
		Metrics:   utils.NewStudioMetricsWith(utils.NewMetricsCollector()),
	}), fs
}

func TestDownloadFromHTTP(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer server.Close()

	ds, fs := newTestDownloads(t, "", 0)

	image, err := ds.Download(context.Background(), "s1", "Aria", models.ViewFront, server.URL+"/front.jpg")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if image.Filename != "Aria-front-view.jpg" || image.Size != int64(len("jpeg-bytes")) {
		t.Errorf("unexpected image: %+v", image)
	}
	if !fs.FileExists(filepath.Join("downloads", "s1"), "Aria-front-view.jpg") {
		t.Error("file not saved in the session folder")
	}

	// 第二次获取走缓存
	if _, err := ds.Download(context.Background(), "s1", "Aria", models.ViewFront, server.URL+"/front.jpg"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected one upstream request, got %d", hits)
	}
}

func TestDownloadFromStaticDir(t *testing.T) {
	staticDir := t.TempDir()
	os.MkdirAll(filepath.Join(staticDir, "images"), 0755)
	os.WriteFile(filepath.Join(staticDir, "images", "side-placeholder.jpg"), []byte("side"), 0644)

	ds, _ := newTestDownloads(t, staticDir, 0)

	image, err := ds.Download(context.Background(), "s1", "", models.ViewSide, "/static/images/side-placeholder.jpg")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if image.Filename != "Character-side-view.jpg" {
		t.Errorf("filename = %q", image.Filename)
	}

	if _, err := ds.Download(context.Background(), "s1", "", models.ViewSide, "/static/../../etc/passwd"); !apperrors.IsNotFoundError(err) {
		t.Errorf("escaping the static dir should not find anything, got %v", err)
	}
}

func TestDownloadRejectsBadInput(t *testing.T) {
	ds, _ := newTestDownloads(t, "", 0)
	ctx := context.Background()

	if _, err := ds.Download(ctx, "s1", "Aria", models.ViewFront, "ftp://example.com/a.jpg"); !apperrors.IsValidationError(err) {
		t.Errorf("unsupported scheme should fail validation, got %v", err)
	}
	if _, err := ds.Download(ctx, "", "Aria", models.ViewFront, "http://example.com/a.jpg"); !apperrors.IsValidationError(err) {
		t.Errorf("missing session should fail validation, got %v", err)
	}
	if _, err := ds.Download(ctx, "s1", "Aria", models.ViewFront, ""); !apperrors.IsNotFoundError(err) {
		t.Errorf("missing URL should be not found, got %v", err)
	}
	if err := ds.DeleteDownloads(""); err == nil {
		t.Error("deleting without a session id should fail")
	}
}

func TestDownloadAllStaggered(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		times []time.Time
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		times = append(times, time.Now())
		mu.Unlock()
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	stagger := 40 * time.Millisecond
	ds, _ := newTestDownloads(t, "", stagger)
	result := &models.GenerationResult{
		Front: server.URL + "/front",
		Side:  server.URL + "/side",
		Back:  server.URL + "/back",
	}

	start := time.Now()
	saved, err := ds.DownloadAll(context.Background(), "s1", "Aria", result)
	if err != nil {
		t.Fatalf("DownloadAll failed: %v", err)
	}
	if len(saved) != 3 {
		t.Fatalf("expected three downloads, got %d", len(saved))
	}

	want := []string{"/front", "/side", "/back"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("download %d was %s, want %s", i, order[i], want[i])
		}
		if elapsed := times[i].Sub(start); elapsed < time.Duration(i)*stagger {
			t.Errorf("download %d started after %v, before its %v offset", i, elapsed, time.Duration(i)*stagger)
		}
	}

	files, _ := ds.ListDownloads("s1")
	if len(files) != 3 {
		t.Errorf("expected three saved files, got %d", len(files))
	}
}

func TestDownloadAllHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	ds, _ := newTestDownloads(t, "", time.Hour)
	result := &models.GenerationResult{Front: server.URL + "/f", Side: server.URL + "/s", Back: server.URL + "/b"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	saved, err := ds.DownloadAll(ctx, "s1", "Aria", result)
	if !apperrors.IsCancelledError(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(saved) != 1 || saved[0].View != models.ViewFront {
		t.Errorf("only the front view should have been saved, got %+v", saved)
	}

	if _, err := ds.DownloadAll(context.Background(), "s1", "Aria", nil); !apperrors.IsConflictError(err) {
		t.Errorf("no result should conflict, got %v", err)
	}
}
