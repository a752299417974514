package domain

import (
	"time"
)

// Screen describes one display exposed by an agent.
type Screen struct {
	Index   int    `json:"index"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Left    int    `json:"left"`
	Top     int    `json:"top"`
	Primary bool   `json:"primary"`
	Name    string `json:"name,omitempty"`
}

// Screenshot is one captured frame from an agent screen.
type Screenshot struct {
	Screen      int       `json:"screen"`
	Image       string    `json:"image"` // base64-encoded, as sent by the agent
	Fingerprint string    `json:"fingerprint"`
	CapturedAt  time.Time `json:"captured_at"`
}

// AgentSnapshot is the external, serializable view of a registered agent.
// It carries plain data only: no auth token and no live client, so a
// snapshot is always safe to hand to viewers or marshal onto the wire.
type AgentSnapshot struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Address        string      `json:"address"`
	Status         AgentStatus `json:"status"`
	LastSeen       *time.Time  `json:"last_seen,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	FailureCount   int         `json:"failure_count"`
	ResponseTimeMS float64     `json:"response_time_ms,omitempty"`
	Screens        []Screen    `json:"screens,omitempty"`
	Screenshot     string      `json:"screenshot,omitempty"` // primary screen, base64
	Fingerprint    string      `json:"fingerprint,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
