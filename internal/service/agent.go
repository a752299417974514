package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/screenfleet/orchestrator/internal/audit"
	"github.com/screenfleet/orchestrator/internal/domain"
)

// AddAgent validates and registers an agent, then performs one synchronous
// probe so the first view of the agent is already populated. A failed probe
// does not fail the add: the record simply starts with its failure
// captured. Registering an address that already exists returns the
// existing record's snapshot; the token and name supplied with the
// duplicate are ignored, so re-adding an agent never rotates its
// credential.
func (s *Service) AddAgent(ctx context.Context, address, token, name string) (domain.AgentSnapshot, error) {
	id, created, err := s.registry.Register(address, token, name)
	if err != nil {
		return domain.AgentSnapshot{}, err
	}
	if !created {
		return s.registry.Get(id)
	}

	s.writeAudit(ctx, id, "agent.add", fmt.Sprintf("address=%s token=%s", address, audit.MaskSecret(token)))

	snap, err := s.monitor.PollAgent(ctx, id)
	if err != nil {
		// The agent was removed between register and probe, or the
		// commit failed; fall back to whatever the registry holds.
		return s.registry.Get(id)
	}
	return snap, nil
}

// RemoveAgent unregisters an agent, cancelling its in-flight requests and
// releasing its client. Removing an unknown id reports NotFound and
// changes nothing.
func (s *Service) RemoveAgent(ctx context.Context, id string) error {
	if err := s.registry.Unregister(id); err != nil {
		return err
	}
	s.writeAudit(ctx, id, "agent.remove", "")
	if s.notifier != nil {
		s.notifier.AgentRemoved(id)
	}
	return nil
}

// RefreshAgent polls an agent synchronously, out of band of the sweep.
func (s *Service) RefreshAgent(ctx context.Context, id string) (domain.AgentSnapshot, error) {
	return s.monitor.PollAgent(ctx, id)
}

// ListAgents returns snapshots of the whole fleet.
func (s *Service) ListAgents(ctx context.Context) []domain.AgentSnapshot {
	return s.registry.List()
}

// GetAgent returns one agent's snapshot.
func (s *Service) GetAgent(ctx context.Context, id string) (domain.AgentSnapshot, error) {
	return s.registry.Get(id)
}

// ExecAction relays an input-injection action to the agent's live client.
// The action is validated and checked against the action policy first.
func (s *Service) ExecAction(ctx context.Context, id string, action *domain.Action) (*domain.ExecResult, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	decision, err := s.policy.Evaluate(ctx, map[string]interface{}{
		"agent_id": id,
		"action":   action.Kind,
		"text":     action.Text,
		"screen":   action.Screen,
	})
	if err != nil {
		return nil, domain.E(domain.KindInternal, "policy evaluation failed")
	}
	if decision != "allow" {
		return nil, domain.E(domain.KindUnauthorized, "action blocked by policy")
	}

	client, _, err := s.registry.Live(id)
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, id, "agent.exec", fmt.Sprintf("kind=%s screen=%d", action.Kind, action.Screen))

	resp, err := client.Exec(ctx, action)
	if err != nil {
		return nil, err
	}
	return &domain.ExecResult{Status: resp.Status, Result: resp.Result}, nil
}

// Screenshot serves a screen's frame from cache when it is fresh enough,
// otherwise triggers a synchronous fetch.
func (s *Service) Screenshot(ctx context.Context, id string, screen int) (domain.Screenshot, error) {
	shot, ok, err := s.registry.Shot(id, screen)
	if err != nil {
		return domain.Screenshot{}, err
	}
	if ok && time.Since(shot.CapturedAt) < s.cfg.ScreenshotMaxAge {
		return shot, nil
	}
	return s.monitor.FetchScreenshot(ctx, id, screen)
}

// TriggerUpdate relays a fire-and-forget update check to the agent.
func (s *Service) TriggerUpdate(ctx context.Context, id string) error {
	client, _, err := s.registry.Live(id)
	if err != nil {
		return err
	}
	s.writeAudit(ctx, id, "agent.update", "")
	return client.TriggerUpdate(ctx)
}

// Discover scans a bounded port range for answering agents. The registry
// is never touched; registering a candidate is a separate explicit add.
func (s *Service) Discover(ctx context.Context, host string, fromPort, toPort int) ([]domain.Candidate, error) {
	candidates, err := s.scanner.Scan(ctx, host, fromPort, toPort)
	if err != nil {
		return nil, err
	}
	s.writeAudit(ctx, "", "discovery.scan", fmt.Sprintf("host=%s ports=%d-%d found=%d", host, fromPort, toPort, len(candidates)))
	if s.notifier != nil {
		s.notifier.DiscoveryFinished(candidates)
	}
	return candidates, nil
}

// AuditRecent returns the newest audit entries.
func (s *Service) AuditRecent(ctx context.Context, n int) ([]audit.Entry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Recent(ctx, n)
}

func (s *Service) writeAudit(ctx context.Context, agentID, kind, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, agentID, kind, detail); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}
