package domain

import "encoding/json"

// Action is an input-injection command relayed to an agent.
type Action struct {
	Kind        string `json:"action"`
	Coordinates [2]int `json:"coordinates"`
	Text        string `json:"text,omitempty"`
	DY          int    `json:"dy,omitempty"`
	Screen      int    `json:"screen"`
	Relative    bool   `json:"relative"`
}

// Validate checks the action shape before it is relayed.
func (a *Action) Validate() error {
	switch a.Kind {
	case ActionClick, ActionScroll:
	case ActionType:
		if a.Text == "" {
			return E(KindInvalidInput, "type action requires text")
		}
	default:
		return E(KindInvalidInput, "unknown action kind: "+a.Kind)
	}
	if a.Screen < 0 {
		return E(KindInvalidInput, "screen index must not be negative")
	}
	return nil
}

// ExecResult is the orchestrator-facing acknowledgement of a relayed action.
type ExecResult struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}
