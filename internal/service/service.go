// Package service implements the orchestration operations behind the HTTP
// surface. It routes everything through the registry and agent clients and
// never blocks on the monitor loop.
package service

import (
	"github.com/screenfleet/orchestrator/internal/audit"
	"github.com/screenfleet/orchestrator/internal/config"
	"github.com/screenfleet/orchestrator/internal/discovery"
	"github.com/screenfleet/orchestrator/internal/monitor"
	"github.com/screenfleet/orchestrator/internal/protocol"
	"github.com/screenfleet/orchestrator/internal/registry"
	"github.com/screenfleet/orchestrator/policy"
)

type Service struct {
	registry *registry.Registry
	monitor  *monitor.Monitor
	notifier protocol.Notifier
	scanner  *discovery.Scanner
	policy   *policy.Engine
	audit    *audit.Log
	cfg      *config.Config
}

func New(reg *registry.Registry, mon *monitor.Monitor, notifier protocol.Notifier, scanner *discovery.Scanner, policyEngine *policy.Engine, auditLog *audit.Log, cfg *config.Config) *Service {
	return &Service{
		registry: reg,
		monitor:  mon,
		notifier: notifier,
		scanner:  scanner,
		policy:   policyEngine,
		audit:    auditLog,
		cfg:      cfg,
	}
}
