package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agent(uri string, caps ...string) *Agent {
	return &Agent{
		URI:          uri,
		Endpoint:     "http://localhost:9000/messages",
		Capabilities: caps,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	err := r.Register(&Agent{URI: "not-a-uri", Endpoint: "http://x"})
	assert.Error(t, err)

	err = r.Register(&Agent{URI: "agent://acme/calc"})
	assert.Error(t, err, "missing endpoint must be rejected")

	require.NoError(t, r.Register(agent("agent://acme/calc", "calculate")))
	assert.Equal(t, 1, r.Len())
}

func TestSelectForCapability(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(agent("agent://acme/calc", "calculate")))
	require.NoError(t, r.Register(agent("agent://acme/fmt", "format")))

	got, err := r.SelectForCapability("format")
	require.NoError(t, err)
	assert.Equal(t, "agent://acme/fmt", got.URI)

	_, err = r.SelectForCapability("translate")
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestSelectOrdersByStatus(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(agent("agent://acme/calc-1", "calculate")))
	require.NoError(t, r.Register(agent("agent://acme/calc-2", "calculate")))

	r.MarkUnavailable("agent://acme/calc-1")
	got, err := r.SelectForCapability("calculate")
	require.NoError(t, err)
	assert.Equal(t, "agent://acme/calc-2", got.URI)

	// A busy agent still beats an offline one.
	r.MarkBusy("agent://acme/calc-2")
	got, err = r.SelectForCapability("calculate")
	require.NoError(t, err)
	assert.Equal(t, "agent://acme/calc-2", got.URI)

	// An offline agent is still a last-resort candidate.
	r.MarkUnavailable("agent://acme/calc-2")
	got, err = r.SelectForCapability("calculate")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStatusTransitions(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(agent("agent://acme/calc", "calculate")))
	assert.Equal(t, StatusAvailable, r.Get("agent://acme/calc").Status)

	assert.True(t, r.UpdateStatus("agent://acme/calc", StatusBusy))
	assert.Equal(t, StatusBusy, r.Get("agent://acme/calc").Status)

	r.MarkUnavailable("agent://acme/calc")
	assert.Equal(t, StatusOffline, r.Get("agent://acme/calc").Status)

	// A successful exchange brings the agent back.
	r.MarkSeen("agent://acme/calc")
	assert.Equal(t, StatusAvailable, r.Get("agent://acme/calc").Status)

	assert.False(t, r.UpdateStatus("agent://nobody/here", StatusBusy))
}

func TestSelectPrefersMostRecentlySeen(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(agent("agent://acme/calc-1", "calculate")))
	require.NoError(t, r.Register(agent("agent://acme/calc-2", "calculate")))

	time.Sleep(2 * time.Millisecond)
	r.MarkSeen("agent://acme/calc-2")

	got, err := r.SelectForCapability("calculate")
	require.NoError(t, err)
	assert.Equal(t, "agent://acme/calc-2", got.URI)
}

func TestSelectTieBreaksOnRegistrationOrder(t *testing.T) {
	r := New()
	seen := time.Now().UTC()
	a1 := agent("agent://acme/calc-1", "calculate")
	a1.LastSeen = seen
	a2 := agent("agent://acme/calc-2", "calculate")
	a2.LastSeen = seen
	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))

	got, err := r.SelectForCapability("calculate")
	require.NoError(t, err)
	assert.Equal(t, "agent://acme/calc-1", got.URI)
}

func TestReRegisterKeepsOrder(t *testing.T) {
	r := New()
	seen := time.Now().UTC()
	a1 := agent("agent://acme/calc-1", "calculate")
	a1.LastSeen = seen
	a2 := agent("agent://acme/calc-2", "calculate")
	a2.LastSeen = seen
	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))
	// Re-registering the second agent must not promote it past the first.
	require.NoError(t, r.Register(a2))

	got, err := r.SelectForCapability("calculate")
	require.NoError(t, err)
	assert.Equal(t, "agent://acme/calc-1", got.URI)
}

func TestCapabilitiesUnion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(agent("agent://acme/calc", "calculate", "format")))
	require.NoError(t, r.Register(agent("agent://acme/fmt", "format", "translate")))

	assert.Equal(t, []string{"calculate", "format", "translate"}, r.Capabilities())
}

func writeRoster(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoster(t *testing.T) {
	r := New()
	path := writeRoster(t, t.TempDir(), `
agents:
  - uri: agent://acme/calc
    endpoint: http://localhost:9001/messages
    capabilities: [calculate]
  - uri: agent://acme/fmt
    endpoint: http://localhost:9002/messages
    capabilities: [format]
`)

	n, err := r.LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, SourceRoster, r.Get("agent://acme/calc").Source)
}

func TestLoadRosterRemovesDroppedEntries(t *testing.T) {
	r := New()
	dir := t.TempDir()
	path := writeRoster(t, dir, `
agents:
  - uri: agent://acme/calc
    endpoint: http://localhost:9001/messages
    capabilities: [calculate]
  - uri: agent://acme/fmt
    endpoint: http://localhost:9002/messages
    capabilities: [format]
`)
	_, err := r.LoadRoster(path)
	require.NoError(t, err)

	// A discovered agent must survive roster reloads.
	discovered := agent("agent://dyn/echo", "echo")
	discovered.Source = SourceDiscovery
	require.NoError(t, r.Register(discovered))

	writeRoster(t, dir, `
agents:
  - uri: agent://acme/calc
    endpoint: http://localhost:9001/messages
    capabilities: [calculate]
`)
	n, err := r.LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Nil(t, r.Get("agent://acme/fmt"))
	assert.NotNil(t, r.Get("agent://acme/calc"))
	assert.NotNil(t, r.Get("agent://dyn/echo"))
}

func TestLoadRosterBadFile(t *testing.T) {
	r := New()
	path := writeRoster(t, t.TempDir(), "agents: [not a mapping")
	_, err := r.LoadRoster(path)
	assert.Error(t, err)
}
