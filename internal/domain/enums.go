package domain

// AgentStatus is the health state of a registered agent.
type AgentStatus string

const (
	// StatusUnknown means the agent has never been polled successfully.
	StatusUnknown AgentStatus = "unknown"
	// StatusOnline means the last poll succeeded.
	StatusOnline AgentStatus = "online"
	// StatusDegraded means the last poll succeeded but the agent asked
	// the orchestrator to back off.
	StatusDegraded AgentStatus = "degraded"
	// StatusUnreachable means the agent failed enough consecutive polls
	// to be considered down. The record is kept until explicit removal.
	StatusUnreachable AgentStatus = "unreachable"
)

// Action kinds accepted by the exec endpoint.
const (
	ActionClick  = "click"
	ActionType   = "type"
	ActionScroll = "scroll"
)
