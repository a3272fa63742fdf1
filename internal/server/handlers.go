package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/fleet"
	"github.com/szaher/designs/botfleet/internal/session"
	"github.com/szaher/designs/botfleet/internal/supervisor"
	"github.com/szaher/designs/botfleet/internal/telemetry"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "botfleet server is running",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.HealthSnapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "Number is required")
		return
	}

	sess, err := s.fleet.Submit(r.Context(), req.Number)
	switch {
	case errors.Is(err, session.ErrSubjectCooldown):
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf(
			"Please wait %s before requesting a new code for the same number", humanMinutes(s.fleet.RateLimitWindow())))
		return
	case errors.Is(err, session.ErrInvalidSubject):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "Number received successfully",
		"sessionId":   sess.ID,
		"sessionName": sess.Name,
	})
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if _, err := s.fleet.Status(id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found or expired")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.closing, cancel)
	defer stop()

	sess, err := s.fleet.WaitForCode(ctx, id)
	if errors.Is(err, context.Canceled) && s.closing.Err() != nil && r.Context().Err() == nil {
		// Server is closing; answer the poll so the client retries.
		err = fleet.ErrCodeNotReady
	}
	switch {
	case errors.Is(err, fleet.ErrCodeNotReady):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"available": false,
			"message":   "No code available yet",
		})
		return
	case errors.Is(err, fleet.ErrPairingFailed):
		body := map[string]interface{}{"error": "Failed to generate pairing code"}
		if msg := sess.ErrorMessage(); msg != "" {
			body["message"] = msg
		}
		writeJSON(w, http.StatusNotFound, body)
		return
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session expired")
		return
	case err != nil:
		// Client went away.
		return
	}

	body := map[string]interface{}{
		"code":              sess.PairingCode,
		"available":         true,
		"sessionId":         sess.ID,
		"sessionName":       sess.Name,
		"isConnected":       sess.IsConnected(),
		"sessionString":     nil,
		"botConnected":      sess.Worker.Connected,
		"botProcessStarted": sess.Worker.ProcessStarted,
	}
	if b := sess.Credentials(); b != nil {
		body["sessionString"] = b.SessionString()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.fleet.Status(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	body := map[string]interface{}{
		"number":            sess.Subject,
		"sessionName":       sess.Name,
		"createdAt":         sess.CreatedAt.UnixMilli(),
		"hasPairingCode":    sess.PairingCode != "",
		"isProcessed":       sess.State() != session.StateWaiting,
		"isConnected":       sess.IsConnected(),
		"botConnected":      sess.Worker.Connected,
		"botProcessStarted": sess.Worker.ProcessStarted,
		"hasSessionString":  sess.Credentials() != nil,
		"status":            sess.State(),
		"authDir":           s.fleet.AuthDir(sess.ID),
		"age":               s.fleet.Age(sess).Milliseconds(),
		"recovered":         sess.Recovered,
	}
	if msg := sess.ErrorMessage(); msg != "" {
		body["error"] = msg
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.fleet.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalActiveSessions": st.ActiveSessions,
		"totalUsers":          st.TotalUsers,
		"codesGenerated":      st.CodesIssued,
		"connectedSessions":   st.ConnectedSessions,
		"activeBots":          st.ActiveWorkers,
		"rateLimitTimeout":    fmt.Sprintf("%ds", int(s.fleet.RateLimitWindow().Seconds())),
	})
}

type botInfo struct {
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	PID         int    `json:"pid"`
	StartedAt   int64  `json:"startedAt"`
	Uptime      int64  `json:"uptime"`
	Connected   bool   `json:"connected"`
}

func newBotInfo(w supervisor.WorkerInfo) botInfo {
	return botInfo{
		SessionID:   w.SessionID,
		SessionName: w.SessionName,
		PID:         w.PID,
		StartedAt:   w.StartedAt.UnixMilli(),
		Uptime:      int64(w.Uptime.Seconds()),
		Connected:   w.Connected,
	}
}

func (s *Server) handleActiveBots(w http.ResponseWriter, _ *http.Request) {
	workers := s.fleet.Workers()
	bots := make([]botInfo, 0, len(workers))
	for _, wi := range workers {
		bots = append(bots, newBotInfo(wi))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalBots": len(bots),
		"bots":      bots,
	})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if err := s.fleet.StopWorker(id); err != nil {
		if errors.Is(err, supervisor.ErrNoWorker) {
			writeError(w, http.StatusNotFound, "Bot process not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Bot stopped for session: " + id,
	})
}

func (s *Server) handleAuthFolder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	var buf bytes.Buffer
	if err := s.fleet.ArchiveCredentials(id, &buf); err != nil {
		if errors.Is(err, credentials.ErrNoCredentials) {
			writeError(w, http.StatusNotFound, "Auth folder not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=auth_info_%s.zip", id))
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	b := s.fleet.Broadcaster()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sse.WriteEvent(string(events.StatsUpdate), events.NewStatsEvent(s.fleet.Stats(), telemetry.CorrelationID(r.Context()))); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEvent(string(e.Type), e); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		}
	}
}

func humanMinutes(d time.Duration) string {
	if m := int(d.Minutes()); m >= 1 && d == time.Duration(m)*time.Minute {
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
