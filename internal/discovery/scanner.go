// Package discovery probes a bounded address range for live agents. A scan
// is read-only: it issues status probes and never touches the registry.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/screenfleet/orchestrator/internal/adapter/agentclient"
	"github.com/screenfleet/orchestrator/internal/domain"
)

// Scanner probes candidate ports for answering agents.
type Scanner struct {
	probeTimeout time.Duration
	maxInFlight  int64
	limiter      *rate.Limiter
}

// NewScanner creates a scanner. probeTimeout bounds every individual probe;
// maxInFlight bounds how many probes run at once.
func NewScanner(probeTimeout time.Duration, maxInFlight int64) *Scanner {
	return &Scanner{
		probeTimeout: probeTimeout,
		maxInFlight:  maxInFlight,
		// Pace probe starts so a wide range never bursts the local network.
		limiter: rate.NewLimiter(rate.Limit(100), int(maxInFlight)),
	}
}

// Scan probes host ports [fromPort, toPort] and returns the addresses that
// answered a status probe. Failures are silently excluded.
func (s *Scanner) Scan(ctx context.Context, host string, fromPort, toPort int) ([]domain.Candidate, error) {
	if host == "" {
		return nil, domain.E(domain.KindInvalidInput, "host is required")
	}
	if fromPort <= 0 || toPort < fromPort || toPort > 65535 {
		return nil, domain.E(domain.KindInvalidInput, "invalid port range")
	}

	sem := semaphore.NewWeighted(s.maxInFlight)
	var (
		mu    sync.Mutex
		found []domain.Candidate
		wg    sync.WaitGroup
	)

	for port := fromPort; port <= toPort; port++ {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			defer sem.Release(1)
			if cand, ok := s.probe(ctx, host, port); ok {
				mu.Lock()
				found = append(found, cand)
				mu.Unlock()
			}
		}(port)
	}
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Port < found[j].Port })
	return found, nil
}

// probe checks one port: a TCP dial to weed out closed ports, then a status
// request to verify the listener really is an agent.
func (s *Scanner) probe(ctx context.Context, host string, port int) (domain.Candidate, bool) {
	hostPort := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: s.probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return domain.Candidate{}, false
	}
	conn.Close()

	address := "http://" + hostPort
	client := agentclient.New(address, "", s.probeTimeout)
	defer client.Close()

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if _, err := client.Status(probeCtx); err != nil {
		return domain.Candidate{}, false
	}
	return domain.Candidate{Address: address, Port: port, Status: "available"}, true
}
