// Package protocol defines the messages pushed to connected viewers.
package protocol

import "github.com/screenfleet/orchestrator/internal/domain"

// Message types pushed over the viewer stream.
const (
	TypeFleetSnapshot   = "fleet_snapshot"
	TypeAgentUpdate     = "agent_update"
	TypeAgentRemoved    = "agent_removed"
	TypeDiscoveryResult = "discovery_result"
)

// BaseMessage carries the fields common to every viewer message.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// FleetSnapshotMessage is sent once to each newly connected viewer so it
// never starts stale.
type FleetSnapshotMessage struct {
	BaseMessage
	Agents []domain.AgentSnapshot `json:"agents"`
}

// AgentUpdateMessage announces one agent's changed state.
type AgentUpdateMessage struct {
	BaseMessage
	Agent domain.AgentSnapshot `json:"agent"`
}

// AgentRemovedMessage announces an agent's removal from the fleet.
type AgentRemovedMessage struct {
	BaseMessage
	AgentID string `json:"agent_id"`
}

// DiscoveryResultMessage announces the outcome of a discovery scan.
type DiscoveryResultMessage struct {
	BaseMessage
	Message string             `json:"message"`
	Agents  []domain.Candidate `json:"agents"`
}

// Notifier receives fleet change events for fanout to viewers. Delivery is
// best-effort; implementations must never block the caller.
type Notifier interface {
	AgentUpdated(snap domain.AgentSnapshot)
	AgentRemoved(id string)
	DiscoveryFinished(candidates []domain.Candidate)
}
