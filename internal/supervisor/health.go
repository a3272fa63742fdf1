package supervisor

import (
	"context"
	"time"
)

// HealthReport summarizes one health check pass.
type HealthReport struct {
	Checked   int
	Restarted []string
}

// HealthCheck inspects every paired session and restarts workers that are
// dead, stuck before connecting, or disconnected after having connected.
func (s *Supervisor) HealthCheck(ctx context.Context) HealthReport {
	var report HealthReport
	now := time.Now()

	for _, sess := range s.registry.List() {
		if !sess.Paired() {
			continue
		}
		report.Checked++

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return report
		}
		h := s.handles[sess.ID]
		_, pending := s.restarts[sess.ID]
		var everConnected, intentional bool
		if h != nil {
			everConnected, intentional = h.everConnected, h.intentional
		}
		s.mu.Unlock()

		logger := s.logger.With("session_id", sess.ID)
		switch {
		case h == nil:
			if pending || sess.Worker.Stopped || !(sess.Worker.Connected || sess.Worker.WasConnected) {
				continue
			}
			logger.Warn("worker process missing, restarting")
			s.metrics.WorkerRestart("dead")
			if err := s.Start(ctx, sess.ID); err != nil {
				logger.Error("restart of missing worker failed", "error", err)
				continue
			}
			report.Restarted = append(report.Restarted, sess.ID)

		case intentional:
			// Already being killed.

		case !everConnected && now.Sub(h.startedAt) > s.cfg.StuckAfter:
			logger.Warn("worker stuck before connecting, restarting", "uptime", now.Sub(h.startedAt))
			if s.killAndRestart(sess.ID, h, "stuck") {
				report.Restarted = append(report.Restarted, sess.ID)
			}

		case everConnected && !sess.Worker.Connected && sess.Worker.WasConnected:
			logger.Warn("worker disconnected, restarting")
			if s.killAndRestart(sess.ID, h, "disconnected") {
				report.Restarted = append(report.Restarted, sess.ID)
			}
		}
	}
	return report
}
