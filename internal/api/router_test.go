package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/CharacterStudio/internal/config"
	"github.com/Corphon/CharacterStudio/internal/di"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/Corphon/CharacterStudio/internal/storage"
	"github.com/Corphon/CharacterStudio/internal/utils"
	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

var defaultTestImages = config.ViewImages{
	Front: "/static/images/front.jpg",
	Side:  "/static/images/side.jpg",
	Back:  "/static/images/back.jpg",
}

func newTestRouter(t *testing.T) (*Router, *services.StudioService) {
	t.Helper()
	return newTestRouterWith(t, defaultTestImages)
}

func newTestRouterWith(t *testing.T, images config.ViewImages) (*Router, *services.StudioService) {
	t.Helper()

	staticDir := t.TempDir()
	imagesDir := filepath.Join(staticDir, "images")
	if err := os.MkdirAll(imagesDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, view := range []string{"front", "side", "back"} {
		if err := os.WriteFile(filepath.Join(imagesDir, view+".jpg"), []byte("jpeg-"+view), 0644); err != nil {
			t.Fatal(err)
		}
	}

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	metrics := utils.NewStudioMetricsWith(utils.NewMetricsCollector())
	studio := services.NewStudioService(services.StudioOptions{
		GenerationDelay: 10 * time.Millisecond,
		SessionTTL:      time.Hour,
		Images:          func() config.ViewImages { return images },
		Downloads: services.NewDownloadService(fs, services.DownloadOptions{
			StaticDir: staticDir,
			Metrics:   metrics,
		}),
		Metrics: metrics,
	})
	t.Cleanup(studio.Stop)

	container := di.NewContainer()
	container.Register(di.ServiceStudio, studio)
	container.Register(di.ServiceMetrics, metrics)

	router, err := SetupRouterWith(container)
	if err != nil {
		t.Fatalf("SetupRouterWith failed: %v", err)
	}
	t.Cleanup(router.Close)
	return router, studio
}

func doRequest(t *testing.T, router *Router, method, path string, body interface{}) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.Engine.ServeHTTP(w, req)

	var envelope testEnvelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
		}
	}
	return w, envelope
}

func createSession(t *testing.T, router *Router) string {
	t.Helper()
	w, envelope := doRequest(t, router, http.MethodPost, "/api/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: status %d, body %s", w.Code, w.Body.String())
	}
	var snapshot struct {
		ID   string `json:"id"`
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(envelope.Data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.ID == "" || snapshot.Mode != "input" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	return snapshot.ID
}

func waitForResult(t *testing.T, studio *services.StudioService, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := studio.Snapshot(sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if snapshot.Result != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("generation did not complete")
}

func TestDescriptionGenerationFlow(t *testing.T) {
	router, studio := newTestRouter(t)
	id := createSession(t, router)

	w, envelope := doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/description",
		DescriptionRequest{Description: "a knight in silver armour"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var accepted GenerationAccepted
	if err := json.Unmarshal(envelope.Data, &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.TaskID == "" || accepted.ProgressURL != "/api/progress/"+accepted.TaskID || accepted.DelayMS != 10 {
		t.Errorf("unexpected accepted body: %+v", accepted)
	}

	waitForResult(t, studio, id)

	w, envelope = doRequest(t, router, http.MethodGet, "/api/sessions/"+id+"/results", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("results status = %d", w.Code)
	}
	var results ResultsResponse
	if err := json.Unmarshal(envelope.Data, &results); err != nil {
		t.Fatal(err)
	}
	if results.Result.Description != "a knight in silver armour" {
		t.Errorf("description = %q", results.Result.Description)
	}
	if results.SelectedView != "front" || results.Current.URL != "/static/images/front.jpg" {
		t.Errorf("unexpected current view: %+v", results.Current)
	}
	if len(results.Images) != 3 {
		t.Errorf("images = %+v", results.Images)
	}
}

func TestEmptyDescriptionRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createSession(t, router)

	w, envelope := doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/description",
		DescriptionRequest{Description: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrorDescriptionEmpty {
		t.Errorf("error = %+v", envelope.Error)
	}
}

func TestUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t)

	w, envelope := doRequest(t, router, http.MethodGet, "/api/sessions/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrorSessionNotFound {
		t.Errorf("error = %+v", envelope.Error)
	}
}

func TestResultsBeforeGeneration(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createSession(t, router)

	w, envelope := doRequest(t, router, http.MethodGet, "/api/sessions/"+id+"/results", nil)
	if w.Code != http.StatusConflict || envelope.Error.Code != ErrorNoResult {
		t.Errorf("status = %d, error = %+v", w.Code, envelope.Error)
	}

	w, envelope = doRequest(t, router, http.MethodGet, "/api/sessions/"+id+"/results/download/front", nil)
	if w.Code != http.StatusConflict || envelope.Error.Code != ErrorNoResult {
		t.Errorf("download status = %d, error = %+v", w.Code, envelope.Error)
	}
}

func TestWizardNextBlockedByMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createSession(t, router)

	w, envelope := doRequest(t, router, http.MethodPut, "/api/sessions/"+id+"/wizard/fields",
		FieldsRequest{Fields: map[string]string{"name": "Lyra", "age": "27"}})
	if w.Code != http.StatusOK {
		t.Fatalf("set fields status = %d, body %s", w.Code, w.Body.String())
	}

	w, envelope = doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/wizard/next", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrorWizardIncomplete {
		t.Fatalf("error = %+v", envelope.Error)
	}
	if !strings.Contains(envelope.Error.Details, "personality_traits") {
		t.Errorf("details should name the missing fields: %q", envelope.Error.Details)
	}
}

func TestWizardFullFlow(t *testing.T) {
	router, studio := newTestRouter(t)
	id := createSession(t, router)
	base := "/api/sessions/" + id + "/wizard"

	steps := []map[string]string{
		{"name": "Lyra Moon", "age": "27", "gender": "female", "species": "elf", "occupation": "ranger"},
		{"height": "tall", "build": "lean", "skin_tone": "pale", "hair": "silver", "eyes": "green"},
		{
			"main_clothing": "cloak", "footwear": "boots", "accessories": "bow",
			"color_palette": "greens", "unique_characteristics": "scar", "expressions": "calm",
			"art_style": "painterly", "contextual_background": "forest",
			"additional_notes": "hums old songs",
		},
	}

	for i, fields := range steps {
		if w, _ := doRequest(t, router, http.MethodPut, base+"/fields", FieldsRequest{Fields: fields}); w.Code != http.StatusOK {
			t.Fatalf("step %d fields: status %d, body %s", i, w.Code, w.Body.String())
		}
		if i == 0 {
			for _, trait := range []string{"brave", "brave", "curious"} {
				if w, _ := doRequest(t, router, http.MethodPost, base+"/traits", TraitRequest{Trait: trait}); w.Code != http.StatusOK {
					t.Fatalf("add trait: status %d", w.Code)
				}
			}
		}
		if i < len(steps)-1 {
			if w, _ := doRequest(t, router, http.MethodPost, base+"/next", nil); w.Code != http.StatusOK {
				t.Fatalf("next from step %d: status %d, body %s", i, w.Code, w.Body.String())
			}
		}
	}

	w, envelope := doRequest(t, router, http.MethodGet, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get wizard: %d", w.Code)
	}
	var state struct {
		StepName string `json:"step_name"`
		Data     struct {
			PersonalityTraits []string `json:"personality_traits"`
		} `json:"data"`
		CanProceed bool `json:"can_proceed"`
	}
	if err := json.Unmarshal(envelope.Data, &state); err != nil {
		t.Fatal(err)
	}
	if state.StepName != "style_details" || !state.CanProceed {
		t.Errorf("unexpected state: %+v", state)
	}
	if len(state.Data.PersonalityTraits) != 2 {
		t.Errorf("traits should be deduplicated: %v", state.Data.PersonalityTraits)
	}

	if w, _ := doRequest(t, router, http.MethodPost, base+"/submit", nil); w.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d, body %s", w.Code, w.Body.String())
	}
	waitForResult(t, studio, id)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/results/download/side", nil)
	rec := httptest.NewRecorder()
	router.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="Lyra Moon-side-view.jpg"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "jpeg-side" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSelectView(t *testing.T) {
	router, studio := newTestRouter(t)
	id := createSession(t, router)

	doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/description", DescriptionRequest{Description: "a fox"})
	waitForResult(t, studio, id)

	w, envelope := doRequest(t, router, http.MethodPut, "/api/sessions/"+id+"/results/view", ViewRequest{View: "back"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var current struct {
		View string `json:"view"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(envelope.Data, &current); err != nil {
		t.Fatal(err)
	}
	if current.View != "back" || current.URL != "/static/images/back.jpg" {
		t.Errorf("current = %+v", current)
	}

	w, envelope = doRequest(t, router, http.MethodPut, "/api/sessions/"+id+"/results/view", ViewRequest{View: "top"})
	if w.Code != http.StatusBadRequest || envelope.Error.Code != ErrorViewInvalid {
		t.Errorf("status = %d, error = %+v", w.Code, envelope.Error)
	}
}

func TestResetReturnsToInput(t *testing.T) {
	router, studio := newTestRouter(t)
	id := createSession(t, router)

	doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/description", DescriptionRequest{Description: "a fox"})
	waitForResult(t, studio, id)

	w, envelope := doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snapshot struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(envelope.Data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Mode != "input" {
		t.Errorf("mode = %q", snapshot.Mode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	router.Engine.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "req-42" {
		t.Errorf("header = %q", got)
	}
	var envelope testEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.RequestID != "req-42" {
		t.Errorf("request_id = %q", envelope.RequestID)
	}

	w = httptest.NewRecorder()
	router.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected a generated request id")
	}
}

func TestAPIIndexWithoutTemplates(t *testing.T) {
	router, _ := newTestRouter(t)

	w, envelope := doRequest(t, router, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK || !envelope.Success {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	createSession(t, router)

	w, envelope := doRequest(t, router, http.MethodGet, "/api/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var metrics map[string]interface{}
	if err := json.Unmarshal(envelope.Data, &metrics); err != nil {
		t.Fatal(err)
	}
	if metrics["active_sessions_now"] != float64(1) {
		t.Errorf("active_sessions_now = %v", metrics["active_sessions_now"])
	}
}

func TestMissingImageKeepsSession(t *testing.T) {
	images := defaultTestImages
	images.Side = "/static/images/gone.jpg"
	router, studio := newTestRouterWith(t, images)
	id := createSession(t, router)

	if w, _ := doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/description",
		DescriptionRequest{Description: "a lost knight"}); w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", w.Code)
	}
	waitForResult(t, studio, id)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/sessions/" + id + "/results/download-all"},
		{http.MethodGet, "/api/sessions/" + id + "/results/download/side"},
	} {
		w, envelope := doRequest(t, router, tc.method, tc.path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d", tc.method, tc.path, w.Code)
			continue
		}
		if envelope.Error == nil || envelope.Error.Code != ErrorImageNotFound {
			t.Errorf("%s %s: error = %+v", tc.method, tc.path, envelope.Error)
		}
	}

	if w, _ := doRequest(t, router, http.MethodGet, "/api/sessions/"+id, nil); w.Code != http.StatusOK {
		t.Errorf("session should still exist, status %d", w.Code)
	}

	w, envelope := doRequest(t, router, http.MethodPost, "/api/sessions/missing/results/download-all", nil)
	if w.Code != http.StatusNotFound || envelope.Error == nil || envelope.Error.Code != ErrorSessionNotFound {
		t.Errorf("unknown session: status %d, error %+v", w.Code, envelope.Error)
	}
}

func TestUpdateSettings(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("STATIC_DIR", filepath.Join(dir, "static"))
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("GENERATION_DELAY", "")
	t.Setenv("DOWNLOAD_STAGGER", "")
	t.Setenv("SESSION_TTL", "")
	if err := config.InitConfig(filepath.Join(dir, "settings.json")); err != nil {
		t.Fatal(err)
	}

	router, _ := newTestRouter(t)

	w, envelope := doRequest(t, router, http.MethodPut, "/api/settings",
		map[string]interface{}{"generation_delay": "5s", "download_stagger": -1})
	if w.Code != http.StatusBadRequest || envelope.Error == nil || envelope.Error.Code != ErrorConfigInvalid {
		t.Fatalf("invalid update: status %d, error %+v", w.Code, envelope.Error)
	}

	var settings struct {
		GenerationDelay string `json:"generation_delay"`
		DownloadStagger string `json:"download_stagger"`
	}
	_, envelope = doRequest(t, router, http.MethodGet, "/api/settings", nil)
	if err := json.Unmarshal(envelope.Data, &settings); err != nil {
		t.Fatal(err)
	}
	if settings.GenerationDelay != "2s" || settings.DownloadStagger != "100ms" {
		t.Errorf("rejected update leaked into settings: %+v", settings)
	}

	w, _ = doRequest(t, router, http.MethodPut, "/api/settings",
		map[string]interface{}{"generation_delay": "0s", "download_stagger": 0})
	if w.Code != http.StatusOK {
		t.Fatalf("valid update: status %d, body %s", w.Code, w.Body.String())
	}
	if got := router.Handler.Studio.Downloads().Stagger(); got != 0 {
		t.Errorf("stagger = %s, want 0", got)
	}

	id := createSession(t, router)
	_, envelope = doRequest(t, router, http.MethodPost, "/api/sessions/"+id+"/description",
		DescriptionRequest{Description: "an instant hero"})
	var accepted GenerationAccepted
	if err := json.Unmarshal(envelope.Data, &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.DelayMS != 0 {
		t.Errorf("new sessions should use the saved delay, got %dms", accepted.DelayMS)
	}
}
