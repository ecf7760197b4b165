package presence

import "time"

// Status classifies a participant's liveness from the recency of their last
// observed operation.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

// StatusConfig holds the classification thresholds. Zero values fall back to
// the defaults (10s active, 60s idle).
type StatusConfig struct {
	ActiveThreshold time.Duration
	IdleThreshold   time.Duration
}

const (
	defaultActiveThreshold = 10 * time.Second
	defaultIdleThreshold   = 60 * time.Second
)

func (c StatusConfig) withDefaults() StatusConfig {
	if c.ActiveThreshold <= 0 {
		c.ActiveThreshold = defaultActiveThreshold
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}
	return c
}

// Classify derives a liveness status from lastSeen as observed at now. It is
// monotonic in elapsed time: without a newer lastSeen, a participant never
// becomes more active as the clock advances.
func Classify(lastSeen, now time.Time, cfg StatusConfig) Status {
	cfg = cfg.withDefaults()
	elapsed := now.Sub(lastSeen)
	switch {
	case elapsed < cfg.ActiveThreshold:
		return StatusActive
	case elapsed < cfg.IdleThreshold:
		return StatusIdle
	default:
		return StatusAway
	}
}

// ParticipantSummary is one participant's presentation state for outer UI
// surfaces.
type ParticipantSummary struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	DisplayColor string `json:"displayColor"`
	ActiveFile   string `json:"activeFile,omitempty"`
	Status       Status `json:"status"`
}

// Summary is a point-in-time presence overview for UI surfaces outside the
// core (participant lists, notification badges).
type Summary struct {
	Total        int                  `json:"total"`
	Active       int                  `json:"active"`
	Participants []ParticipantSummary `json:"participants"`
}

// Summary classifies every participant against cfg at the registry's current
// time and returns the aggregate view.
func (r *Registry) Summary(cfg StatusConfig) Summary {
	now := r.now()
	list := r.List()
	s := Summary{Total: len(list)}
	for _, p := range list {
		status := Classify(p.LastSeen, now, cfg)
		if status == StatusActive {
			s.Active++
		}
		s.Participants = append(s.Participants, ParticipantSummary{
			ID:           p.ID,
			DisplayName:  p.DisplayName,
			DisplayColor: p.DisplayColor,
			ActiveFile:   p.ActiveFile,
			Status:       status,
		})
	}
	return s
}
