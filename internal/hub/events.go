package hub

import (
	"fmt"
	"time"

	"github.com/screenfleet/orchestrator/internal/domain"
	"github.com/screenfleet/orchestrator/internal/protocol"
)

// Broadcaster adapts the hub to the protocol.Notifier contract.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a notifier that fans events out through h.
func NewBroadcaster(h *Hub) *Broadcaster {
	return &Broadcaster{hub: h}
}

// AgentUpdated pushes one agent's changed snapshot to every viewer.
func (b *Broadcaster) AgentUpdated(snap domain.AgentSnapshot) {
	b.hub.BroadcastJSON(protocol.AgentUpdateMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeAgentUpdate, Ts: time.Now().UnixMilli()},
		Agent:       snap,
	})
}

// AgentRemoved tells viewers an agent left the fleet.
func (b *Broadcaster) AgentRemoved(id string) {
	b.hub.BroadcastJSON(protocol.AgentRemovedMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeAgentRemoved, Ts: time.Now().UnixMilli()},
		AgentID:     id,
	})
}

// DiscoveryFinished pushes a discovery scan's outcome to every viewer.
func (b *Broadcaster) DiscoveryFinished(candidates []domain.Candidate) {
	b.hub.BroadcastJSON(protocol.DiscoveryResultMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeDiscoveryResult, Ts: time.Now().UnixMilli()},
		Message:     fmt.Sprintf("Found %d agents", len(candidates)),
		Agents:      candidates,
	})
}
