// Package registry tracks the agents the orchestrator can dispatch to: their
// URIs, HTTP endpoints, declared capabilities and availability. Agents enter
// the registry from the roster file or through the discover/offer handshake.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentrix/agentrix/internal/protocol"
)

// Source records how an agent entered the registry.
type Source string

const (
	SourceRoster    Source = "roster"
	SourceDiscovery Source = "discovery"
)

// ErrNoAgent is returned when no registered agent covers a capability.
var ErrNoAgent = errors.New("no agent for capability")

// Status is an agent's availability state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"    // handling a request, still dispatchable
	StatusOffline   Status = "offline" // last delivery failed
)

// statusRank orders statuses for selection: available beats busy beats
// offline. Unknown statuses sort last.
func statusRank(s Status) int {
	switch s {
	case StatusAvailable:
		return 0
	case StatusBusy:
		return 1
	case StatusOffline:
		return 2
	default:
		return 3
	}
}

// Agent is one registered peer.
type Agent struct {
	URI          string    `json:"uri" yaml:"uri"` // agent://owner/name
	Endpoint     string    `json:"endpoint" yaml:"endpoint"`
	Capabilities []string  `json:"capabilities" yaml:"capabilities"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Status       Status    `json:"status" yaml:"-"`
	LastSeen     time.Time `json:"last_seen,omitempty" yaml:"-"`
	Source       Source    `json:"source" yaml:"-"`

	// seq is the registration order, the final selection tie-break.
	seq int
}

// Has reports whether the agent declares the capability.
func (a *Agent) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry is the in-memory agent directory.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent // keyed by URI
	nextSeq int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds or replaces an agent. The URI must parse as agent://owner/name.
// Re-registration keeps the original registration order so selection stays
// stable across roster reloads.
func (r *Registry) Register(agent *Agent) error {
	if _, _, err := protocol.ParseAgentURI(agent.URI); err != nil {
		return fmt.Errorf("invalid agent uri %q: %w", agent.URI, err)
	}
	if agent.Endpoint == "" {
		return fmt.Errorf("agent %s has no endpoint", agent.URI)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *agent
	clone.Status = StatusAvailable
	if clone.LastSeen.IsZero() {
		clone.LastSeen = time.Now().UTC()
	}
	if existing, ok := r.agents[agent.URI]; ok {
		clone.seq = existing.seq
	} else {
		clone.seq = r.nextSeq
		r.nextSeq++
	}
	r.agents[agent.URI] = &clone
	return nil
}

// Deregister removes an agent by URI.
func (r *Registry) Deregister(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[uri]; !ok {
		return false
	}
	delete(r.agents, uri)
	return true
}

// Get returns the agent with the given URI, or nil.
func (r *Registry) Get(uri string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[uri]
	if !ok {
		return nil
	}
	clone := *agent
	return &clone
}

// All returns every registered agent in registration order.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		clone := *agent
		result = append(result, &clone)
	}
	sortBySeq(result)
	return result
}

// SelectForCapability picks the agent to dispatch a capability to. Status
// orders candidates (available, then busy, then offline); among equals the
// most recently seen wins; remaining ties fall back to registration order so
// selection is deterministic.
func (r *Registry) SelectForCapability(capability string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	for _, agent := range r.agents {
		if !agent.Has(capability) {
			continue
		}
		if best == nil || better(agent, best) {
			best = agent
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%q: %w", capability, ErrNoAgent)
	}
	clone := *best
	return &clone, nil
}

func better(a, b *Agent) bool {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra < rb
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.seq < b.seq
}

// UpdateStatus sets an agent's status directly. Returns false when the URI
// is not registered.
func (r *Registry) UpdateStatus(uri string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[uri]
	if !ok {
		return false
	}
	agent.Status = status
	return true
}

// MarkSeen refreshes the agent's last-seen time and marks it available.
// Called on every successful exchange with the agent.
func (r *Registry) MarkSeen(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[uri]; ok {
		agent.Status = StatusAvailable
		agent.LastSeen = time.Now().UTC()
	}
}

// MarkBusy flags an agent as handling a request; selection deprioritizes it
// until it answers but it stays dispatchable.
func (r *Registry) MarkBusy(uri string) {
	r.UpdateStatus(uri, StatusBusy)
}

// MarkUnavailable flags an agent offline after a failed delivery; it stays
// registered and becomes a last-resort candidate until it is seen again.
func (r *Registry) MarkUnavailable(uri string) {
	r.UpdateStatus(uri, StatusOffline)
}

// Capabilities returns the union of all registered capabilities.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	sortBySeq(agents)
	for _, agent := range agents {
		for _, c := range agent.Capabilities {
			if !seen[c] {
				seen[c] = true
				result = append(result, c)
			}
		}
	}
	return result
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func sortBySeq(agents []*Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j].seq < agents[j-1].seq; j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}
