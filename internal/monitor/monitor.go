// Package monitor runs the background sweep that keeps fleet state fresh.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/screenfleet/orchestrator/internal/adapter/agentclient"
	"github.com/screenfleet/orchestrator/internal/config"
	"github.com/screenfleet/orchestrator/internal/domain"
	"github.com/screenfleet/orchestrator/internal/protocol"
	"github.com/screenfleet/orchestrator/internal/registry"
)

// Monitor polls every registered agent on an adaptive per-agent interval
// and publishes a change notification only when an agent's fingerprint
// actually moved.
type Monitor struct {
	registry *registry.Registry
	notifier protocol.Notifier
	cfg      *config.Config
}

// New creates a monitor over the given registry.
func New(reg *registry.Registry, notifier protocol.Notifier, cfg *config.Config) *Monitor {
	return &Monitor{registry: reg, notifier: notifier, cfg: cfg}
}

// Run ticks until ctx is cancelled. Each tick polls the agents whose
// adaptive deadline has passed, concurrently, bounded by MaxInFlight so a
// large fleet of slow agents cannot pile up unbounded goroutines.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	sem := semaphore.NewWeighted(m.cfg.MaxInFlight)
	m.sweep(ctx, sem)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, sem)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context, sem *semaphore.Weighted) {
	for _, id := range m.registry.DueIDs(time.Now()) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(id string) {
			defer sem.Release(1)
			// An id removed mid-sweep comes back as NotFound; skip it.
			if _, err := m.PollAgent(ctx, id); err != nil && !domain.IsKind(err, domain.KindNotFound) {
				log.Printf("poll failed for %s: %v", id, err)
			}
		}(id)
	}
}

// PollAgent performs one full poll of an agent: status probe (which also
// enumerates screens), primary screenshot, then a single atomic commit to
// the registry. It is used by both the background sweep and synchronous
// refresh; per-record locking in the registry means the two can never
// interleave partially. The returned error reflects commit problems only:
// an agent failing its probe is captured on the record, not surfaced.
func (m *Monitor) PollAgent(ctx context.Context, id string) (domain.AgentSnapshot, error) {
	client, recCtx, err := m.registry.Live(id)
	if err != nil {
		return domain.AgentSnapshot{}, err
	}

	// Requests run under the record's context so removing the agent
	// cancels them; the client's own timeout bounds each call.
	start := time.Now()
	status, probeErr := client.Status(recCtx)

	var shot *agentclient.ShotResponse
	var shotErr error
	if probeErr == nil && recCtx.Err() == nil && ctx.Err() == nil {
		shot, shotErr = client.Screenshot(recCtx, 0)
	}
	elapsed := time.Since(start)

	var prevPrint string
	snap, err := m.registry.Commit(id, func(s *registry.State) {
		prevPrint = s.Fingerprint
		now := time.Now()

		if probeErr != nil {
			m.applyFailure(s, probeErr, now)
			return
		}

		s.LastSeen = &now
		s.ResponseTimeMS = float64(elapsed.Microseconds()) / 1000.0
		s.Screens = status.Screens

		// The agent can throttle the frame route alone; a rate limit on
		// any route lengthens the interval.
		var rl *agentclient.RateLimitError
		if errors.As(shotErr, &rl) {
			m.applyFailure(s, shotErr, now)
			return
		}

		s.FailureCount = 0
		s.Status = domain.StatusOnline
		s.LastError = ""
		s.Interval = m.cfg.PollInterval
		s.NextPoll = now.Add(s.Interval)

		if s.Shots == nil {
			s.Shots = make(map[int]domain.Screenshot)
		}
		switch {
		case shot == nil:
			// Screenshot failed; keep the cached frame and the online
			// status, the status probe itself succeeded.
		case shot.Unchanged:
			// Cached frame still current; fingerprint input unchanged.
		default:
			s.Shots[0] = domain.Screenshot{
				Screen:      0,
				Image:       shot.Image,
				Fingerprint: hashImage(shot.Image),
				CapturedAt:  now,
			}
		}
		s.Fingerprint = fingerprint(s)
	})
	if err != nil {
		return domain.AgentSnapshot{}, err
	}

	if snap.Fingerprint != prevPrint && m.notifier != nil {
		m.notifier.AgentUpdated(snap)
	}
	return snap, nil
}

// FetchScreenshot fetches one screen's frame out of band, commits it to the
// cache and notifies viewers if the fingerprint moved. An "unchanged"
// answer from the agent serves the cached frame.
func (m *Monitor) FetchScreenshot(ctx context.Context, id string, screen int) (domain.Screenshot, error) {
	client, recCtx, err := m.registry.Live(id)
	if err != nil {
		return domain.Screenshot{}, err
	}

	shot, err := client.Screenshot(recCtx, screen)
	if err != nil {
		return domain.Screenshot{}, err
	}
	if shot.Unchanged {
		cached, ok, err := m.registry.Shot(id, screen)
		if err != nil {
			return domain.Screenshot{}, err
		}
		if !ok {
			return domain.Screenshot{}, domain.E(domain.KindUnreachable, "agent reported no change but no frame is cached")
		}
		return cached, nil
	}

	now := time.Now()
	fresh := domain.Screenshot{
		Screen:      screen,
		Image:       shot.Image,
		Fingerprint: hashImage(shot.Image),
		CapturedAt:  now,
	}
	var prevPrint string
	snap, err := m.registry.Commit(id, func(s *registry.State) {
		prevPrint = s.Fingerprint
		if s.Shots == nil {
			s.Shots = make(map[int]domain.Screenshot)
		}
		s.Shots[screen] = fresh
		s.Fingerprint = fingerprint(s)
	})
	if err != nil {
		return domain.Screenshot{}, err
	}
	if snap.Fingerprint != prevPrint && m.notifier != nil {
		m.notifier.AgentUpdated(snap)
	}
	return fresh, nil
}

// applyFailure records a failed poll: hard failures count toward the
// unreachable threshold; a rate-limit signal only lengthens the interval.
func (m *Monitor) applyFailure(s *registry.State, probeErr error, now time.Time) {
	var rl *agentclient.RateLimitError
	if errors.As(probeErr, &rl) {
		// The agent answered, it just wants us to slow down.
		s.Status = domain.StatusDegraded
		s.LastError = ""
		s.Interval = m.backoff(s.Interval, rl.RetryAfter)
		s.NextPoll = now.Add(s.Interval)
		s.Fingerprint = fingerprint(s)
		return
	}

	s.FailureCount++
	s.LastError = probeErr.Error()
	if s.FailureCount >= m.cfg.FailureThreshold {
		s.Status = domain.StatusUnreachable
	}
	s.Interval = m.backoff(s.Interval, 0)
	s.NextPoll = now.Add(s.Interval)
	s.Fingerprint = fingerprint(s)
}

// backoff doubles the current interval, or adopts the agent's suggested
// retry delay when longer, capped at MaxBackoff. The result always
// strictly exceeds the base interval.
func (m *Monitor) backoff(current, suggested time.Duration) time.Duration {
	next := current * 2
	if next < m.cfg.PollInterval*2 {
		next = m.cfg.PollInterval * 2
	}
	if suggested > next {
		next = suggested
	}
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	return next
}

// fingerprint folds status, screen layout and cached frame hashes into one
// compact change detector.
func fingerprint(s *registry.State) string {
	h := sha256.New()
	fmt.Fprintf(h, "status=%s;", s.Status)
	for _, sc := range s.Screens {
		fmt.Fprintf(h, "screen=%d:%dx%d@%d,%d;", sc.Index, sc.Width, sc.Height, sc.Left, sc.Top)
	}
	indexes := make([]int, 0, len(s.Shots))
	for i := range s.Shots {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		fmt.Fprintf(h, "shot=%d:%s;", i, s.Shots[i].Fingerprint)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func hashImage(b64 string) string {
	sum := sha256.Sum256([]byte(b64))
	return hex.EncodeToString(sum[:])[:16]
}
