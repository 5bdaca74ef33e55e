package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:     s.state,
		Enabled:   s.cfg.Enabled,
		Timezone:  s.loc.String(),
		Tick:      tickOf(s.cfg),
		Jobs:      len(s.entries),
		LastFired: make(map[string]time.Time, len(s.lastFired)),
	}
	for _, e := range s.entries {
		if e.sched != nil {
			snap.CronJobs++
		}
	}
	for id, t := range s.lastFired {
		snap.LastFired[id] = t
	}
	s.mu.Unlock()

	snap.InFlight = int(s.inFlightN.Load())
	snap.Fired = s.fired.Load()
	if s.batches != nil {
		snap.Pending = s.batches.Pending()
	}
	return snap
}
