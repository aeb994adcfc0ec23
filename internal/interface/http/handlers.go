package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// HealthStatus is the body of /live and /ready.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Ready     bool                   `json:"ready"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// handleLive отвечает 200, пока процесс жив. Зависимости не проверяются.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Healthy:   true,
		Uptime:    s.Uptime().Round(time.Second).String(),
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC(),
	})
}

// handleReady runs every check concurrently under one deadline.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.ReadinessTimeout)
	defer cancel()

	status := HealthStatus{
		Healthy:   true,
		Ready:     true,
		Checks:    make(map[string]CheckResult, len(s.deps.Checks)),
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.deps.Checks {
		g.Go(func() error {
			start := time.Now()
			err := c.Run(gctx)
			res := CheckResult{Healthy: err == nil, Duration: time.Since(start).String()}
			if err != nil {
				res.Message = err.Error()
			}

			mu.Lock()
			status.Checks[c.Name] = res
			if err != nil {
				status.Ready = false
			}
			mu.Unlock()
			// не возвращаем ошибку, чтобы остальные пробы доработали
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
		s.logger.Warn("readiness check failed")
	}
	writeJSON(w, code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTERS
// ══════════════════════════════════════════════════════════════════════════════

type deadLetterView struct {
	TaskID   string    `json:"task_id"`
	Key      string    `json:"key"`
	Kind     string    `json:"kind"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.DeadLetters()
	out := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		v := deadLetterView{
			TaskID:   e.TaskID,
			Key:      e.Key,
			Kind:     e.Kind,
			Attempts: e.Attempts,
			FailedAt: e.FailedAt,
		}
		if e.Error != nil {
			v.Error = e.Error.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "entries": out})
}
