package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmgr818/fractal-at-home/server/internal/dispatcher"
	"github.com/taskmgr818/fractal-at-home/server/internal/metrics"
	"github.com/taskmgr818/fractal-at-home/server/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/ws"
)

type fakeJob struct{}

func (fakeJob) JobID() string { return "job-1" }

func (fakeJob) Status(workers int) *model.JobResponse {
	return &model.JobResponse{
		JobID: "job-1", Status: string(model.JobStatusRunning),
		Width: 8, Height: 6, Fragments: 4, Done: 1, Progress: 0.25, Workers: workers,
	}
}

type fakeSessions []dispatcher.SessionInfo

func (s fakeSessions) SessionCount() int                  { return len(s) }
func (s fakeSessions) Sessions() []dispatcher.SessionInfo { return s }

type fakeHistory struct {
	err error
}

func (h fakeHistory) RecentJobs(limit int) ([]model.JobLog, error) {
	if h.err != nil {
		return nil, h.err
	}
	return []model.JobLog{{JobID: "job-0", Status: model.JobStatusCompleted}}, nil
}

func (h fakeHistory) FragmentCounts(jobID string) (map[string]int64, error) {
	return map[string]int64{"w1": 3}, nil
}

func newRouter(history JobHistory) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sessions := fakeSessions{{ID: "s1", Worker: "w1", Capacity: 100}, {ID: "s2", Worker: "w2", Capacity: 50}}
	m := metrics.New(prometheus.NewRegistry())
	m.SessionOpened()
	NewHandler(fakeJob{}, sessions, ws.NewHub(), history, m.Handler()).RegisterRoutes(r)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	w := get(newRouter(nil), "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Workers int    `json:"connected_workers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Workers != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestJob(t *testing.T) {
	w := get(newRouter(nil), "/api/v1/job")
	var resp model.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "job-1" || resp.Workers != 2 || resp.Progress != 0.25 {
		t.Errorf("job = %+v", resp)
	}
}

func TestSessions(t *testing.T) {
	w := get(newRouter(nil), "/api/v1/sessions")
	var body struct {
		Sessions []dispatcher.SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 || body.Sessions[1].Worker != "w2" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestJobs(t *testing.T) {
	tests := []struct {
		name    string
		history JobHistory
		path    string
		want    int
	}{
		{"disabled", nil, "/api/v1/jobs", http.StatusNotFound},
		{"ok", fakeHistory{}, "/api/v1/jobs", http.StatusOK},
		{"bad limit", fakeHistory{}, "/api/v1/jobs?limit=abc", http.StatusBadRequest},
		{"limit too large", fakeHistory{}, "/api/v1/jobs?limit=1000", http.StatusBadRequest},
		{"store error", fakeHistory{err: errors.New("db down")}, "/api/v1/jobs", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newRouter(tt.history), tt.path)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	w := get(newRouter(fakeHistory{}), "/api/v1/jobs?limit=5")
	if !strings.Contains(w.Body.String(), `"w1":3`) || !strings.Contains(w.Body.String(), `"job-0"`) {
		t.Errorf("body = %s", w.Body)
	}
}

func TestMetricsRoute(t *testing.T) {
	w := get(newRouter(nil), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fractal_dispatcher_sessions_active 1") {
		t.Errorf("metrics output missing sessions gauge:\n%s", w.Body)
	}
}
