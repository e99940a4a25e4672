package server

import (
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleHealth is the liveness probe: process up plus a database ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.HealthCheck(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleSystemStatus reports host and process vitals.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"goroutines":       runtime.NumGoroutine(),
		"pipeline_running": s.deps.Pipeline.Running(),
		"database_path":    s.deps.DB.Path(),
	}

	if cpuPct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPct) > 0 {
		status["cpu_percent"] = cpuPct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_percent"] = vm.UsedPercent
		status["memory_used_mb"] = vm.Used / 1024 / 1024
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	status["heap_alloc_mb"] = ms.HeapAlloc / 1024 / 1024

	s.writeJSON(w, http.StatusOK, status)
}

// handleBackup uploads a database snapshot to S3.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backup == nil || !s.deps.Backup.Enabled() {
		s.writeError(w, http.StatusBadRequest, "backups are not configured")
		return
	}
	if err := s.deps.Backup.Backup(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}

// handlePipelineTrigger runs the daily pipeline immediately. Returns 409
// when a run is already in flight.
func (s *Server) handlePipelineTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}

	if err := s.deps.Pipeline.Trigger(r.Context(), req.Date); err != nil {
		if strings.Contains(err.Error(), "already running") {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "trade_date": req.Date})
}

// handleListPlans returns pending trade plans up to a date (default today).
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	pending, err := s.deps.PlansRepo.PendingPlans(date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": pending})
}

// handleListPositions returns the simulated holdings.
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.PlansRepo.Positions()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// handleListRegimes returns weekly regime labels for a window.
func (s *Server) handleListRegimes(w http.ResponseWriter, r *http.Request) {
	end := r.URL.Query().Get("end")
	if end == "" {
		end = time.Now().Format("2006-01-02")
	}
	start := r.URL.Query().Get("start")
	if start == "" {
		if t, err := time.Parse("2006-01-02", end); err == nil {
			start = t.AddDate(0, -6, 0).Format("2006-01-02")
		}
	}

	labels, err := s.deps.Regimes.Labels(start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"regimes": labels})
}

// handleLatestReport returns the most recent AI daily report.
func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reports.Latest()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		s.writeError(w, http.StatusNotFound, "no reports yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleReportByDate returns the AI report of one date.
func (s *Server) handleReportByDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	report, err := s.deps.Reports.ByDate(date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		s.writeError(w, http.StatusNotFound, "no report for "+date)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleChat relays one message to the research assistant session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	if !s.deps.LLM.Enabled() {
		s.writeError(w, http.StatusBadRequest, "LLM API key not configured")
		return
	}

	reply, err := s.deps.LLM.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"reply": reply, "session_id": req.SessionID})
}

// handleChatReset clears a chat session's history.
func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	s.deps.LLM.ResetChat(req.SessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
