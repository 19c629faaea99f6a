package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/taskmgr818/fractal-at-home/worker/internal/engine"
)

// Stats holds the worker statistics (pure data, no mutex)
type Stats struct {
	// Connection status
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	LastDisconnect time.Time `json:"lastDisconnect,omitempty"`
	State          string    `json:"state"`

	// Fragment statistics
	TodayFragments     int     `json:"todayFragments"`
	FragmentsCompleted int     `json:"fragmentsCompleted"`
	PixelsCompleted    int64   `json:"pixelsCompleted"`
	TodayPixels        int64   `json:"todayPixels"`
	TotalComputeMs     int64   `json:"totalComputeMs"`
	AvgFragmentMs      float64 `json:"avgFragmentMs"`
	PixelsPerSecond    float64 `json:"pixelsPerSecond"`

	// Session info
	WorkerName string    `json:"workerName"`
	Capacity   uint32    `json:"capacity"`
	StartTime  time.Time `json:"startTime"`
	ServerAddr string    `json:"serverAddr"`
}

// Dashboard manages the worker dashboard
type Dashboard struct {
	mu        sync.RWMutex
	stats     Stats
	stateFunc func() engine.State
}

// NewDashboard creates a new dashboard instance
func NewDashboard(workerName, serverAddr string, capacity uint32) *Dashboard {
	return &Dashboard{
		stats: Stats{
			WorkerName: workerName,
			ServerAddr: serverAddr,
			Capacity:   capacity,
			StartTime:  time.Now(),
		},
	}
}

// SetStateFunc sets the function reporting the engine state
func (d *Dashboard) SetStateFunc(f func() engine.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateFunc = f
}

// ConnectionChanged implements engine.Recorder.
func (d *Dashboard) ConnectionChanged(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Connected = connected
	if connected {
		d.stats.ConnectedSince = time.Now()
	} else {
		d.stats.LastDisconnect = time.Now()
	}
}

// FragmentSubmitted implements engine.Recorder.
func (d *Dashboard) FragmentSubmitted(f engine.Fragment) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pixels := int64(f.NX) * int64(f.NY)
	d.stats.FragmentsCompleted++
	d.stats.TodayFragments++
	d.stats.PixelsCompleted += pixels
	d.stats.TodayPixels += pixels
	d.stats.TotalComputeMs += f.Duration.Milliseconds()
	d.recomputeLocked()
}

// LoadHistoricalStats initializes stats with historical data from the database
func (d *Dashboard) LoadHistoricalStats(totalFragments int, totalPixels, totalMs int64, todayFragments int, todayPixels int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.FragmentsCompleted = totalFragments
	d.stats.PixelsCompleted = totalPixels
	d.stats.TotalComputeMs = totalMs
	d.stats.TodayFragments = todayFragments
	d.stats.TodayPixels = todayPixels
	d.recomputeLocked()
}

func (d *Dashboard) recomputeLocked() {
	if d.stats.FragmentsCompleted > 0 {
		d.stats.AvgFragmentMs = float64(d.stats.TotalComputeMs) / float64(d.stats.FragmentsCompleted)
	}
	if d.stats.TotalComputeMs > 0 {
		d.stats.PixelsPerSecond = float64(d.stats.PixelsCompleted) / (float64(d.stats.TotalComputeMs) / 1000)
	}
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.stats
	if d.stateFunc != nil {
		s.State = d.stateFunc().String()
	}
	return s
}

// Handler returns the dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", d.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeHTTP starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[dashboard] Starting dashboard server on %s", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleStats returns the current statistics as JSON
func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(d.GetStats()); err != nil {
		log.Printf("[dashboard] Failed to encode stats: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
