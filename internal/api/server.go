package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"civicbeacon/internal/alerts"
	"civicbeacon/internal/config"
	"civicbeacon/internal/metrics"
	"civicbeacon/internal/model"
	"civicbeacon/internal/stream"
)

// PipelineControl is what the API is allowed to do to the running pipeline.
type PipelineControl interface {
	Reset()
	ApplyConfig(cfg *config.Config)
	Mode() model.Mode
	ChannelHealth() model.ChannelHealth
	EnableChannels(visual, audio bool)
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Aggregator
	alerts  *alerts.Store
	hub     *stream.Hub
	control PipelineControl
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status      string              `json:"status"`
	Time        string              `json:"time"`
	Version     string              `json:"version"`
	DeviceID    string              `json:"device_id"`
	Mode        model.Mode          `json:"mode"`
	Channels    model.ChannelHealth `json:"channels"`
	Uptime      string              `json:"uptime"`
	Languages   []string            `json:"languages"`
	Categories  []string            `json:"categories"`
	OptOuts     map[string][]string `json:"opt_outs"`
	StreamConns int                 `json:"stream_clients"`
}

func Start(ctx context.Context, cfg *config.Manager, agg *metrics.Aggregator, alertStore *alerts.Store, hub *stream.Hub, control PipelineControl, logger *slog.Logger, version string) *http.Server {
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:     cfg,
		metrics: agg,
		alerts:  alertStore,
		hub:     hub,
		control: control,
		logger:  logger,
		version: version,
		started: time.Now().UTC(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(15 * time.Second))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	router.Get("/status", server.handleStatus)
	router.Get("/metrics", server.handleMetrics)
	router.Get("/alerts", server.handleAlerts)
	router.Get("/config/optouts", server.handleGetOptOuts)
	router.Post("/config/optouts", server.handleSetOptOuts)
	router.Post("/config/reload", server.handleReload)
	router.Post("/admin/reset", server.handleReset)
	router.Post("/admin/channels", server.handleChannels)
	router.Get("/ws", server.handleWS)

	httpServer := &http.Server{Addr: current.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:      "ok",
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Version:     s.version,
		DeviceID:    cfg.Device.ID,
		Uptime:      time.Since(s.started).String(),
		Languages:   cfg.Languages.Enabled,
		Categories:  cfg.Taxonomy.Categories,
		OptOuts:     cfg.OptOuts,
		StreamConns: s.hub.ClientCount(),
	}
	if s.control != nil {
		resp.Mode = s.control.Mode()
		resp.Channels = s.control.ChannelHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rows := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":  rows,
		"count": len(rows),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.OperatorAlert
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid since timestamp"})
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleGetOptOuts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"opt_outs": s.cfg.Get().OptOuts})
}

// handleSetOptOuts replaces the opt-out sets. Validation runs before
// activation: a bad push is rejected with a descriptive error and the
// running config is untouched.
func (s *Server) handleSetOptOuts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	var optOuts map[string][]string
	if err := json.Unmarshal(body, &optOuts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid opt-out payload: " + err.Error()})
		return
	}
	current := s.cfg.Get()
	next := *current
	next.OptOuts = optOuts
	if err := s.cfg.Update(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.control != nil {
		s.control.ApplyConfig(&next)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Reload()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.control != nil {
		s.control.ApplyConfig(cfg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.control != nil {
		s.control.Reset()
	}
	if s.metrics != nil {
		s.metrics.Clear()
	}
	if s.alerts != nil {
		s.alerts.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleChannels re-enables delivery channels after hardware service.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	var req struct {
		Visual bool `json:"visual"`
		Audio  bool `json:"audio"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	if s.control != nil {
		s.control.EnableChannels(req.Visual, req.Audio)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := stream.ServeWS(s.hub, w, r); err != nil && s.logger != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
