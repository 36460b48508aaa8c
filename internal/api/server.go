package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/config"
	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/bryanchriswhite/FrameDoubler/internal/output"
	"github.com/bryanchriswhite/FrameDoubler/internal/pipeline"
	"github.com/bryanchriswhite/FrameDoubler/internal/present"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
)

const version = "0.1.0"

// Controller is the part of the pipeline the API drives.
type Controller interface {
	Stats() pipeline.Stats
	Layout() present.Layout
	OnOutputSizeChanged(width, height int) error
	ResetDevice() error
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	ctrl      Controller
	configMgr *config.Manager
	mjpeg     *output.MJPEGOutput
	upgrader  websocket.Upgrader
	proc      *process.Process

	srvMu    sync.Mutex
	httpSrv  *http.Server
	shutdown bool

	// StreamInterval is the period of /api/stats/stream pushes
	StreamInterval time.Duration
}

// NewServer creates a new API server. mjpeg may be nil when the stream
// output is disabled.
func NewServer(ctrl Controller, configMgr *config.Manager, mjpeg *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		ctrl:      ctrl,
		configMgr: configMgr,
		mjpeg:     mjpeg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		StreamInterval: time.Second,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		logger.WithComponent("api").Warn().Err(err).Msg("Process stats unavailable")
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Pipeline state
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/stats/stream", s.handleStatsStream)
	api.HandleFunc("/layout", s.handleLayout).Methods("GET")

	// Pipeline control
	api.HandleFunc("/output/size", s.handleOutputSize).Methods("PUT")
	api.HandleFunc("/device/reset", s.handleDeviceReset).Methods("POST")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	if s.mjpeg != nil {
		s.router.HandleFunc("/stream", s.mjpeg.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stats", s.mjpeg.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/", s.mjpeg.GetViewerHandler()).Methods("GET")
	} else {
		s.router.HandleFunc("/", s.handleIndex).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.srvMu.Lock()
	if s.shutdown {
		s.srvMu.Unlock()
		return nil
	}
	s.httpSrv = srv
	s.srvMu.Unlock()

	logger.WithComponent("api").Info().Msgf("Starting server on http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start. A later Start returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	s.shutdown = true
	srv := s.httpSrv
	s.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ProcessStats describes this process
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	RSS        string  `json:"rss"`
	Goroutines int     `json:"goroutines"`
}

// StatsResponse is the body of /api/stats
type StatsResponse struct {
	Pipeline pipeline.Stats `json:"pipeline"`
	Layout   present.Layout `json:"layout"`
	Process  ProcessStats   `json:"process"`
	Stream   *output.Stats  `json:"stream,omitempty"`
}

func (s *Server) collectStats() StatsResponse {
	resp := StatsResponse{
		Pipeline: s.ctrl.Stats(),
		Layout:   s.ctrl.Layout(),
		Process:  ProcessStats{Goroutines: runtime.NumGoroutine()},
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			resp.Process.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			resp.Process.RSSBytes = mem.RSS
			resp.Process.RSS = humanize.Bytes(mem.RSS)
		}
	}
	if s.mjpeg != nil {
		st := s.mjpeg.Stats()
		resp.Stream = &st
	}
	return resp
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collectStats())
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Layout())
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// Drain client messages so close frames are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.StreamInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.collectStats()); err != nil {
			log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleOutputSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ctrl.OnOutputSizeChanged(req.Width, req.Height); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.WithComponent("api").Info().Int("width", req.Width).Int("height", req.Height).Msg("Output resize requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDeviceReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResetDevice(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	logger.WithComponent("api").Warn().Msg("Device reset requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

// handleUpdateConfig persists a new configuration. Changes take effect on the
// next start.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := config.Defaults()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.configMgr.Update(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>FrameDoubler</title>
    <style>
        body { font-family: system-ui, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; background: #f5f5f5; }
        .container { background: white; padding: 30px; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        a { color: #1976d2; text-decoration: none; }
    </style>
</head>
<body>
    <div class="container">
        <h1>FrameDoubler</h1>
        <p>The MJPEG stream output is disabled. API endpoints:</p>
        <ul>
            <li><a href="/api/health">/api/health</a></li>
            <li><a href="/api/stats">/api/stats</a></li>
            <li><a href="/api/layout">/api/layout</a></li>
            <li><a href="/api/config">/api/config</a></li>
        </ul>
    </div>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
