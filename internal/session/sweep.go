package session

import (
	"time"

	"github.com/rs/zerolog/log"
)

// StartSweeper launches the idle-eviction loop. Sessions inactive beyond the
// retention window are closed; a session with a running execution is never
// touched.
func (r *Registry) StartSweeper() {
	r.sweeperWG.Add(1)
	go func() {
		defer r.sweeperWG.Done()

		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweep(time.Now())
			case <-r.stop:
				return
			}
		}
	}()
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	for _, s := range candidates {
		idle, evictable := s.idleSince(now)
		if !evictable || idle < r.cfg.Retention {
			continue
		}
		log.Info().
			Str("session_id", s.ID()).
			Dur("idle", idle).
			Msg("evicting idle session")
		if err := r.Close(s.ID()); err == nil {
			r.metrics.RecordSessionEvent("evicted")
		}
	}
}
