package api

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

type healthResponse struct {
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
	Sessions   int    `json:"sessions"`
}

// handleHealth reports liveness, uptime, and the number of tracked sessions.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.opts.StartTime)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		StartedAt:  s.opts.StartTime.Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
		Sessions:   len(s.orch.Sessions()),
	})
}

// handleListSessions returns every tracked session, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.orch.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, sessions)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
