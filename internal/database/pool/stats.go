package pool

import "time"

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Total            int `json:"total"`
	InUse            int `json:"inUse"`
	Idle             int `json:"idle"`
	Waiting          int `json:"waiting"`
	MaxConnections   int `json:"maxConnections"`
	StuckConnections int `json:"stuckConnections"`

	TotalAcquisitions   int64         `json:"totalAcquisitions"`
	TotalReleases       int64         `json:"totalReleases"`
	AcquireTimeouts     int64         `json:"acquireTimeouts"`
	StuckReclaimed      int64         `json:"stuckReclaimed"`
	EmergencyRecoveries int64         `json:"emergencyRecoveries"`
	TotalQueries        int64         `json:"totalQueries"`
	AverageAcquireWait  time.Duration `json:"averageAcquireWait"`
}

// Stats returns a snapshot of the pool. It has no side effects.
func (p *Pool) Stats() Stats {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:               len(p.conns),
		Idle:                len(p.free),
		Waiting:             p.waiters.Len(),
		MaxConnections:      p.cfg.MaxConnections,
		TotalAcquisitions:   p.totalAcquisitions,
		TotalReleases:       p.totalReleases,
		AcquireTimeouts:     p.acquireTimeouts,
		StuckReclaimed:      p.stuckReclaimed,
		EmergencyRecoveries: p.emergencyRecoveries,
		TotalQueries:        p.totalQueries.Load(),
		AverageAcquireWait:  p.averageWaitLocked(),
	}
	for _, c := range p.conns {
		if c.inUse {
			s.InUse++
		}
		if p.isStuckLocked(c, now) {
			s.StuckConnections++
		}
	}
	return s
}

// Connections returns a snapshot of every open connection.
func (p *Pool) Connections() []ConnectionInfo {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, ConnectionInfo{
			ID:         c.ID,
			InUse:      c.inUse,
			Stuck:      p.isStuckLocked(c, now),
			CreatedAt:  c.createdAt,
			AcquiredAt: c.acquiredAt,
			LastUsedAt: c.lastUsedAt,
			QueryCount: c.queryCount.Load(),
		})
	}
	return out
}

func (p *Pool) averageWaitLocked() time.Duration {
	n := p.waitCount
	if n > waitSamples {
		n = waitSamples
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += p.waits[i]
	}
	return sum / time.Duration(n)
}
