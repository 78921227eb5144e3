package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"companion-jobs/internal/analysis"
	"companion-jobs/internal/config"
	"companion-jobs/internal/models"
)

type fakeAnalyzer struct {
	got  analysis.Request
	resp json.RawMessage
	err  error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, req analysis.Request) (json.RawMessage, error) {
	a.got = req
	return a.resp, a.err
}

type fakeObjects struct {
	uploads map[string][]byte
	types   map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: map[string][]byte{}, types: map[string]string{}}
}

func (o *fakeObjects) Upload(_ context.Context, key string, body []byte, contentType string) error {
	o.uploads[key] = body
	o.types[key] = contentType
	return nil
}

func (o *fakeObjects) PresignGet(_ context.Context, key string) (string, error) {
	return "https://bucket.example/" + key + "?sig=abc", nil
}

func pngServer(t *testing.T, w, h int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fixedNow() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

func TestImageHandler_PassesURLThroughWithoutObjectStore(t *testing.T) {
	analyzer := &fakeAnalyzer{resp: json.RawMessage(`{"label":"salad"}`)}
	h := &ImageHandler{analyzer: analyzer, httpClient: http.DefaultClient, maxDimension: 100, now: fixedNow}

	job := models.Job{ID: "job-1", UserID: "user-9", Payload: json.RawMessage(`{"imageUrl":"https://cdn.example/meal.jpg"}`)}
	out, err := h.Handler().Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if analyzer.got.ImageURL != "https://cdn.example/meal.jpg" {
		t.Fatalf("unexpected analyzed url %q", analyzer.got.ImageURL)
	}
	if analyzer.got.AnalysisType != "general" || analyzer.got.UserID != "user-9" {
		t.Fatalf("unexpected request %+v", analyzer.got)
	}
	res := out.(imageAnalysisResult)
	if res.Normalized {
		t.Fatalf("expected no normalization")
	}
	if string(res.Analysis) != `{"label":"salad"}` {
		t.Fatalf("unexpected analysis %s", res.Analysis)
	}
	if res.Timestamp != "2024-03-01T09:00:00Z" {
		t.Fatalf("unexpected timestamp %s", res.Timestamp)
	}
}

func TestImageHandler_NormalizesOversizedImage(t *testing.T) {
	srv := pngServer(t, 400, 200)
	objects := newFakeObjects()
	analyzer := &fakeAnalyzer{resp: json.RawMessage(`{}`)}
	h := &ImageHandler{
		analyzer:     analyzer,
		objects:      objects,
		httpClient:   srv.Client(),
		maxDimension: 100,
		now:          fixedNow,
	}

	job := models.Job{ID: "job-2", Payload: json.RawMessage(`{"imageUrl":"` + srv.URL + `/meal.png","analysisType":"nutrition"}`)}
	out, err := h.Handler().Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	body, ok := objects.uploads["normalized/job-2.jpg"]
	if !ok {
		t.Fatalf("expected normalized upload, got keys %v", objects.uploads)
	}
	if objects.types["normalized/job-2.jpg"] != "image/jpeg" {
		t.Fatalf("unexpected content type %q", objects.types["normalized/job-2.jpg"])
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}
	if !strings.HasPrefix(analyzer.got.ImageURL, "https://bucket.example/normalized/job-2.jpg") {
		t.Fatalf("analyzer should receive presigned url, got %q", analyzer.got.ImageURL)
	}
	if !out.(imageAnalysisResult).Normalized {
		t.Fatalf("expected normalized result")
	}
}

func TestImageHandler_SmallImageKeepsOriginalURL(t *testing.T) {
	srv := pngServer(t, 40, 30)
	objects := newFakeObjects()
	analyzer := &fakeAnalyzer{resp: json.RawMessage(`{}`)}
	h := &ImageHandler{analyzer: analyzer, objects: objects, httpClient: srv.Client(), maxDimension: 100, now: fixedNow}

	url := srv.URL + "/small.png"
	job := models.Job{ID: "job-3", Payload: json.RawMessage(`{"imageUrl":"` + url + `"}`)}
	if _, err := h.Handler().Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(objects.uploads) != 0 {
		t.Fatalf("small image should not be uploaded")
	}
	if analyzer.got.ImageURL != url {
		t.Fatalf("expected original url, got %q", analyzer.got.ImageURL)
	}
}

func TestImageHandler_StorageKeyIsPresigned(t *testing.T) {
	analyzer := &fakeAnalyzer{resp: json.RawMessage(`{}`)}
	h := &ImageHandler{analyzer: analyzer, objects: newFakeObjects(), httpClient: http.DefaultClient, now: fixedNow}

	job := models.Job{ID: "job-4", Payload: json.RawMessage(`{"storageKey":"uploads/u1/scan.jpg"}`)}
	if _, err := h.Handler().Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if analyzer.got.ImageURL != "https://bucket.example/uploads/u1/scan.jpg?sig=abc" {
		t.Fatalf("unexpected url %q", analyzer.got.ImageURL)
	}
}

func TestImageHandler_Errors(t *testing.T) {
	h := &ImageHandler{analyzer: &fakeAnalyzer{}, httpClient: http.DefaultClient, now: fixedNow}

	if err := h.Handler().Validate(json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected validation error for empty payload")
	}

	job := models.Job{ID: "job-5", Payload: json.RawMessage(`{"storageKey":"k"}`)}
	if _, err := h.Handler().Handle(context.Background(), job); err == nil {
		t.Fatalf("expected error for storageKey without bucket")
	}

	h.analyzer = &fakeAnalyzer{err: errors.New("analysis service returned 503")}
	job = models.Job{ID: "job-6", Payload: json.RawMessage(`{"imageUrl":"https://cdn.example/x.jpg"}`)}
	if _, err := h.Handler().Handle(context.Background(), job); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected analyzer error, got %v", err)
	}
}

func TestImageHandler_DownloadLimits(t *testing.T) {
	srv := pngServer(t, 300, 300)
	h := &ImageHandler{
		analyzer:     &fakeAnalyzer{},
		objects:      newFakeObjects(),
		httpClient:   srv.Client(),
		maxDimension: 100,
		maxBytes:     16,
		now:          fixedNow,
	}
	job := models.Job{ID: "job-7", Payload: json.RawMessage(`{"imageUrl":"` + srv.URL + `"}`)}
	_, err := h.Handler().Handle(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestNewImageHandlerWithoutBucket(t *testing.T) {
	h, err := NewImageHandler(context.Background(), config.Config{ImageMaxDimension: 1600}, &fakeAnalyzer{})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}
	if h.objects != nil {
		t.Fatalf("object store should be disabled without a bucket")
	}
	if h.httpClient == nil {
		t.Fatalf("expected safe http client")
	}
}

func TestImageHandler_RejectsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	h := &ImageHandler{
		analyzer:     &fakeAnalyzer{},
		objects:      newFakeObjects(),
		httpClient:   client,
		maxDimension: 100,
		now:          fixedNow,
	}

	job := models.Job{ID: "job-8", Payload: json.RawMessage(`{"imageUrl":"` + srv.URL + `"}`)}
	_, err := h.Handler().Handle(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "download image: status 302") {
		t.Fatalf("expected redirect to be rejected, got %v", err)
	}
}
