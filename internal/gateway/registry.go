package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthState is the tracked health of a provider.
type HealthState string

const (
	Healthy     HealthState = "healthy"
	Degraded    HealthState = "degraded"
	Unavailable HealthState = "unavailable"
)

// Capability flags what a provider backend can do.
type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityStreaming Capability = "streaming"
)

// Provider is the static descriptor registered for a backend.
type Provider struct {
	ID           string
	Capabilities []Capability
	BaseLatency  time.Duration // estimate used for ordering until a call succeeds
	Client       ChatClient
}

func (p Provider) supports(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// providerState is the live health record for one provider. Only the registry
// mutates it, under the registry lock.
type providerState struct {
	Provider
	health              HealthState
	consecutiveFailures int
	successStreak       int
	lastSuccess         time.Time
	lastFailure         FailureKind
	recentLatency       time.Duration
}

func (s *providerState) effectiveLatency() time.Duration {
	if s.recentLatency > 0 {
		return s.recentLatency
	}
	return s.BaseLatency
}

// RegistryConfig tunes the health transition policy.
type RegistryConfig struct {
	DegradeAfter     int // consecutive failures before healthy -> degraded
	UnavailableAfter int // further consecutive failures before degraded -> unavailable
	SuccessStreak    int // successes from degraded before healthy again
}

// DefaultRegistryConfig returns the default transition policy.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DegradeAfter:     3,
		UnavailableAfter: 2,
		SuccessStreak:    2,
	}
}

func (c *RegistryConfig) normalize() {
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = 3
	}
	if c.UnavailableAfter <= 0 {
		c.UnavailableAfter = 2
	}
	if c.SuccessStreak <= 0 {
		c.SuccessStreak = 2
	}
}

// ProviderStatus is a read-only snapshot of one provider's health, exposed on
// the providers endpoint.
type ProviderStatus struct {
	ID                  string        `json:"id"`
	Health              HealthState   `json:"health"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         FailureKind   `json:"last_failure,omitempty"`
	RecentLatency       time.Duration `json:"recent_latency"`
	Capabilities        []Capability  `json:"capabilities"`
}

// Registry holds provider descriptors and their live health state. Health
// updates are atomic per provider: every mutation happens under one lock.
type Registry struct {
	mu        sync.Mutex
	cfg       RegistryConfig
	providers map[string]*providerState
	order     []string // registration order, for stable tie-breaks
}

// NewRegistry creates a registry with the given transition policy.
func NewRegistry(cfg RegistryConfig) *Registry {
	cfg.normalize()
	return &Registry{
		cfg:       cfg,
		providers: make(map[string]*providerState),
	}
}

// Register adds a provider. Providers start healthy; the first failures will
// demote them soon enough if they are not.
func (r *Registry) Register(p Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider requires an id")
	}
	if p.Client == nil {
		return fmt.Errorf("provider %s requires a client", p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID]; exists {
		return fmt.Errorf("provider %s already registered", p.ID)
	}
	if len(p.Capabilities) == 0 {
		p.Capabilities = []Capability{CapabilityChat}
	}
	r.providers[p.ID] = &providerState{Provider: p, health: Healthy}
	r.order = append(r.order, p.ID)
	return nil
}

// MarkSuccess records a successful call. A provider returning from a
// non-healthy state lands in degraded and must accumulate a success streak
// before it is trusted as healthy again.
func (r *Registry) MarkSuccess(id string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.providers[id]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	s.lastSuccess = time.Now()
	if s.recentLatency == 0 {
		s.recentLatency = latency
	} else {
		// Light smoothing so one slow call does not reshuffle the order.
		s.recentLatency = (3*s.recentLatency + latency) / 4
	}

	switch s.health {
	case Healthy:
	case Unavailable:
		s.health = Degraded
		s.successStreak = 1
	case Degraded:
		s.successStreak++
		if s.successStreak >= r.cfg.SuccessStreak {
			s.health = Healthy
			s.successStreak = 0
		}
	}
}

// MarkFailure records a failed call and applies the demotion policy.
func (r *Registry) MarkFailure(id string, kind FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.providers[id]
	if !ok {
		return
	}
	s.consecutiveFailures++
	s.successStreak = 0
	s.lastFailure = kind

	switch s.health {
	case Healthy:
		if s.consecutiveFailures >= r.cfg.DegradeAfter {
			s.health = Degraded
			s.consecutiveFailures = 0
		}
	case Degraded:
		if s.consecutiveFailures >= r.cfg.UnavailableAfter {
			s.health = Unavailable
			s.consecutiveFailures = 0
		}
	case Unavailable:
	}
}

// Health returns the current health of one provider.
func (r *Registry) Health(id string) (HealthState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.providers[id]
	if !ok {
		return "", false
	}
	return s.health, true
}

// List returns providers supporting the capability, in the order the router
// should try them: healthy first by ascending recent latency, then degraded.
// Unavailable providers are excluded unless nothing else is left, in which
// case they are returned as a last resort.
func (r *Registry) List(c Capability) []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	var healthy, degraded, unavailable []*providerState
	for _, id := range r.order {
		s := r.providers[id]
		if !s.supports(c) {
			continue
		}
		switch s.health {
		case Healthy:
			healthy = append(healthy, s)
		case Degraded:
			degraded = append(degraded, s)
		case Unavailable:
			unavailable = append(unavailable, s)
		}
	}

	byLatency := func(states []*providerState) {
		sort.SliceStable(states, func(i, j int) bool {
			return states[i].effectiveLatency() < states[j].effectiveLatency()
		})
	}
	byLatency(healthy)
	byLatency(degraded)

	out := make([]Provider, 0, len(healthy)+len(degraded))
	for _, s := range healthy {
		out = append(out, s.Provider)
	}
	for _, s := range degraded {
		out = append(out, s.Provider)
	}
	if len(out) == 0 {
		// Last resort: most recently successful unavailable provider first.
		sort.SliceStable(unavailable, func(i, j int) bool {
			return unavailable[i].lastSuccess.After(unavailable[j].lastSuccess)
		})
		for _, s := range unavailable {
			out = append(out, s.Provider)
		}
	}
	return out
}

// Statuses returns a health snapshot for every registered provider.
func (r *Registry) Statuses() []ProviderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProviderStatus, 0, len(r.order))
	for _, id := range r.order {
		s := r.providers[id]
		out = append(out, ProviderStatus{
			ID:                  s.ID,
			Health:              s.health,
			ConsecutiveFailures: s.consecutiveFailures,
			LastSuccess:         s.lastSuccess,
			LastFailure:         s.lastFailure,
			RecentLatency:       s.recentLatency,
			Capabilities:        s.Capabilities,
		})
	}
	return out
}
