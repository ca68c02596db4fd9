package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/saker-ai/voice-client/internal/storage"
	"github.com/saker-ai/voice-client/pkg/xiaozhi"
)

type fakeController struct {
	err     error
	detect  string
	abort   string
	started int
	stopped int
}

func (f *fakeController) Status() any {
	return map[string]string{"state": "listening"}
}

func (f *fakeController) StartListening(context.Context) error {
	f.started++
	return f.err
}

func (f *fakeController) StopListening(context.Context) error {
	f.stopped++
	return f.err
}

func (f *fakeController) Detect(_ context.Context, text string) error {
	f.detect = text
	return f.err
}

func (f *fakeController) Abort(_ context.Context, reason string) error {
	f.abort = reason
	return f.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	router := NewRouter(&fakeController{}, Options{}, nil)

	if rec := do(router, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	rec := do(router, http.MethodGet, "/status", "")
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body["state"] != "listening" {
		t.Fatalf("status body=%v", body)
	}
	if rec := do(router, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without gatherer=%d, want 404", rec.Code)
	}
}

func TestCommands(t *testing.T) {
	ctrl := &fakeController{}
	router := NewRouter(ctrl, Options{}, nil)

	if rec := do(router, http.MethodPost, "/listen/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("listen/start=%d", rec.Code)
	}
	if rec := do(router, http.MethodPost, "/listen/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("listen/stop=%d", rec.Code)
	}
	if rec := do(router, http.MethodPost, "/detect", `{"text":"hey"}`); rec.Code != http.StatusOK {
		t.Fatalf("detect=%d", rec.Code)
	}
	if rec := do(router, http.MethodPost, "/abort", ""); rec.Code != http.StatusOK {
		t.Fatalf("abort=%d", rec.Code)
	}
	if ctrl.started != 1 || ctrl.stopped != 1 || ctrl.detect != "hey" || ctrl.abort != "" {
		t.Fatalf("controller=%+v", ctrl)
	}
	if rec := do(router, http.MethodPost, "/detect", `{"text":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json=%d, want 400", rec.Code)
	}
}

func TestCommandErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{xiaozhi.ErrNoSession, http.StatusConflict},
		{xiaozhi.ErrNotConnected, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		router := NewRouter(&fakeController{err: tc.err}, Options{}, nil)
		if rec := do(router, http.MethodPost, "/listen/start", ""); rec.Code != tc.want {
			t.Fatalf("err=%v code=%d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "demo_total", Help: "demo"})
	reg.MustRegister(counter)
	counter.Inc()

	router := NewRouter(&fakeController{}, Options{Gatherer: reg}, nil)
	rec := do(router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "demo_total 1") {
		t.Fatalf("metrics code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCaptionRoutes(t *testing.T) {
	base := t.TempDir()
	uid, err := storage.CreateTranscript(base, "dev", "s1")
	if err != nil {
		t.Fatalf("CreateTranscript error: %v", err)
	}
	if err := storage.AppendEntry(base, "dev", uid, storage.Entry{Role: storage.RoleAssistant, Content: "你好"}); err != nil {
		t.Fatalf("AppendEntry error: %v", err)
	}
	router := NewRouter(&fakeController{}, Options{CaptionsDir: base, DeviceDir: "dev"}, nil)

	rec := do(router, http.MethodGet, "/captions", "")
	var list []storage.TranscriptInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].UID != uid {
		t.Fatalf("list=%s err=%v", rec.Body.String(), err)
	}
	if rec := do(router, http.MethodGet, "/captions/"+uid, ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "你好") {
		t.Fatalf("get code=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := do(router, http.MethodGet, "/captions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing=%d, want 404", rec.Code)
	}
	if rec := do(router, http.MethodDelete, "/captions/"+uid, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete=%d, want 204", rec.Code)
	}
}
