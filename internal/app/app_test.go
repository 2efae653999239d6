package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/Corphon/CharacterStudio/internal/config"
	"github.com/Corphon/CharacterStudio/internal/di"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/Corphon/CharacterStudio/internal/storage"
	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// setupTest 将所有目录指向临时目录并重置单例
func setupTest(t *testing.T) string {
	t.Helper()
	instance = nil
	di.GetContainer().Clear()

	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("STATIC_DIR", filepath.Join(dir, "static"))
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("TEMPLATES_DIR", filepath.Join(dir, "templates"))
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "data", "config.json"))
	t.Setenv("GENERATION_DELAY", "20ms")
	t.Setenv("DOWNLOAD_STAGGER", "")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("USE_LOCAL_PLACEHOLDERS", "true")

	t.Cleanup(func() {
		instance = nil
		di.GetContainer().Clear()
	})
	return dir
}

type mockServer struct {
	shutdownCalled bool
}

func (m *mockServer) ListenAndServe() error {
	return http.ErrServerClosed
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.shutdownCalled = true
	return nil
}

func TestGetAppIsSingleton(t *testing.T) {
	setupTest(t)

	app1 := GetApp()
	if app1 == nil || app1.stopChan == nil {
		t.Fatal("GetApp should return an initialised app")
	}
	if GetApp() != app1 {
		t.Error("GetApp should return the same instance")
	}
}

func TestInitialize(t *testing.T) {
	dir := setupTest(t)

	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	app := GetApp()
	t.Cleanup(app.cleanup)

	if app.GetConfig() == nil || app.router == nil {
		t.Fatal("config and router should be set")
	}
	if app.GetConfig().GenerationDelay.Std() != 20*time.Millisecond {
		t.Errorf("generation delay = %s", app.GetConfig().GenerationDelay.Std())
	}

	if _, err := os.Stat(filepath.Join(dir, "data", "config.json")); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "logs", "app.log")); err != nil {
		t.Errorf("log file should exist: %v", err)
	}
	for _, name := range []string{"front", "side", "back"} {
		if _, err := os.Stat(filepath.Join(dir, "static", "images", name+"-placeholder.jpg")); err != nil {
			t.Errorf("placeholder %s missing: %v", name, err)
		}
	}

	container := GetDIContainer()
	for _, name := range []string{
		di.ServiceStudio, di.ServiceProgress, di.ServiceDownload, di.ServiceStorage,
		di.ServiceImageCache, di.ServiceLocks, di.ServiceMetrics, di.ServiceEvents,
	} {
		if !container.Has(name) {
			t.Errorf("service %q should be registered", name)
		}
	}

	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("POST /api/sessions = %d, body %s", w.Code, w.Body.String())
	}
}

func TestInitServicesOrder(t *testing.T) {
	setupTest(t)

	if err := config.InitConfig(""); err != nil {
		t.Fatal(err)
	}
	if err := InitServices(); err != nil {
		t.Fatalf("InitServices failed: %v", err)
	}
	container := GetDIContainer()

	studio, err := di.Resolve[*services.StudioService](container, di.ServiceStudio)
	if err != nil {
		t.Fatal(err)
	}
	defer studio.Stop()

	downloads, err := di.Resolve[*services.DownloadService](container, di.ServiceDownload)
	if err != nil {
		t.Fatal(err)
	}
	if studio.Downloads() != downloads {
		t.Error("studio should use the registered download service")
	}
	progress, err := di.Resolve[*services.ProgressService](container, di.ServiceProgress)
	if err != nil {
		t.Fatal(err)
	}
	if studio.Progress() != progress {
		t.Error("studio should use the registered progress service")
	}
	if _, err := di.Resolve[*storage.ImageCache](container, di.ServiceImageCache); err != nil {
		t.Error(err)
	}
}

func TestRunStopsOnSignal(t *testing.T) {
	setupTest(t)

	srv := &mockServer{}
	app := &App{
		config:   &config.AppConfig{Port: "0"},
		server:   srv,
		stopChan: make(chan os.Signal, 1),
	}
	instance = app

	go func() {
		time.Sleep(50 * time.Millisecond)
		app.stopChan <- syscall.SIGTERM
	}()

	if err := Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !srv.shutdownCalled {
		t.Error("Shutdown should have been called")
	}
}

func TestRunWithoutInitialize(t *testing.T) {
	setupTest(t)

	instance = &App{config: &config.AppConfig{Port: "0"}, stopChan: make(chan os.Signal, 1)}
	if err := Run(); err == nil {
		t.Error("Run should fail before Initialize")
	}
}

func TestIsDebugMode(t *testing.T) {
	setupTest(t)

	if IsDebugMode() {
		t.Error("no instance should mean no debug mode")
	}

	instance = &App{}
	if IsDebugMode() {
		t.Error("no config should mean no debug mode")
	}

	instance.config = &config.AppConfig{DebugMode: true}
	if !IsDebugMode() {
		t.Error("debug mode should be reported")
	}
}
