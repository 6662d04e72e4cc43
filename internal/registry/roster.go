package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk roster format:
//
//	agents:
//	  - uri: agent://acme/calc
//	    endpoint: http://localhost:9001/messages
//	    capabilities: [calculate]
type rosterFile struct {
	Agents []*Agent `yaml:"agents"`
}

// LoadRoster reads the roster file and registers its agents. Agents that
// were previously loaded from the roster but no longer appear in the file
// are deregistered; agents registered through discovery are left alone.
func (r *Registry) LoadRoster(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read roster %s: %w", path, err)
	}

	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return 0, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}

	inFile := make(map[string]bool, len(roster.Agents))
	for i, agent := range roster.Agents {
		agent.Source = SourceRoster
		if err := r.Register(agent); err != nil {
			return 0, fmt.Errorf("roster entry %d: %w", i, err)
		}
		inFile[agent.URI] = true
	}

	for _, agent := range r.All() {
		if agent.Source == SourceRoster && !inFile[agent.URI] {
			r.Deregister(agent.URI)
		}
	}
	return len(roster.Agents), nil
}
