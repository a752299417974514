package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/screenfleet/orchestrator/internal/config"
	"github.com/screenfleet/orchestrator/internal/domain"
	"github.com/screenfleet/orchestrator/internal/registry"
)

// recorder collects notifications for assertions.
type recorder struct {
	mu      sync.Mutex
	updates []domain.AgentSnapshot
	removed []string
}

func (r *recorder) AgentUpdated(snap domain.AgentSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, snap)
}

func (r *recorder) AgentRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) DiscoveryFinished([]domain.Candidate) {}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

// fakeAgent is a controllable agent endpoint exposing screens 0 and 1.
type fakeAgent struct {
	mu         sync.Mutex
	statusCode int    // 0 means healthy
	retryAfter string // sent with 429
	shotCode   int    // overrides the screenshot routes only
	shotRetry  string
	images     map[int]string
	lastServed map[int]string
	srv        *httptest.Server
}

func newFakeAgent(t *testing.T) *fakeAgent {
	f := &fakeAgent{
		images:     map[int]string{0: "ZnJhbWUtMQ==", 1: "c2Vjb25kLTE="},
		lastServed: map[int]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code, retry := f.statusCode, f.retryAfter
		f.mu.Unlock()
		if code != 0 {
			if retry != "" {
				w.Header().Set("Retry-After", retry)
			}
			w.WriteHeader(code)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"screens": []map[string]interface{}{
				{"index": 0, "width": 1920, "height": 1080, "primary": true},
				{"index": 1, "width": 1280, "height": 1024},
			},
		})
	})
	shot := func(screen int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.shotCode != 0 {
				if f.shotRetry != "" {
					w.Header().Set("Retry-After", f.shotRetry)
				}
				w.WriteHeader(f.shotCode)
				return
			}
			if f.images[screen] == f.lastServed[screen] {
				json.NewEncoder(w).Encode(map[string]interface{}{"no_change": true})
				return
			}
			f.lastServed[screen] = f.images[screen]
			json.NewEncoder(w).Encode(map[string]interface{}{
				"image":  f.images[screen],
				"screen": map[string]interface{}{"index": screen},
			})
		}
	}
	mux.HandleFunc("/screenshot/0", shot(0))
	mux.HandleFunc("/screenshot/1", shot(1))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) setStatus(code int, retryAfter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCode = code
	f.retryAfter = retryAfter
}

func (f *fakeAgent) setShotStatus(code int, retryAfter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shotCode = code
	f.shotRetry = retryAfter
}

func (f *fakeAgent) setImage(screen int, b64 string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[screen] = b64
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval:     5 * time.Second,
		MaxBackoff:       80 * time.Second,
		MaxInFlight:      4,
		FailureThreshold: 3,
		AgentTimeout:     time.Second,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry, *recorder) {
	cfg := testConfig()
	reg := registry.New(cfg.AgentTimeout, cfg.PollInterval)
	rec := &recorder{}
	return New(reg, rec, cfg), reg, rec
}

func TestPollPopulatesRecord(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, rec := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	snap, err := m.PollAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("PollAgent failed: %v", err)
	}
	assert.Equal(t, domain.StatusOnline, snap.Status)
	assert.NotNil(t, snap.LastSeen)
	assert.Len(t, snap.Screens, 2)
	assert.True(t, snap.Screens[0].Primary)
	assert.NotEmpty(t, snap.Screenshot)
	assert.NotEmpty(t, snap.Fingerprint)
	assert.Equal(t, 1, rec.updateCount())
}

func TestUnchangedFrameYieldsNoNotification(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, rec := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	m.PollAgent(context.Background(), id)
	first := rec.updateCount()

	// Agent reports no_change; status and screens are identical too.
	m.PollAgent(context.Background(), id)
	assert.Equal(t, first, rec.updateCount())
}

func TestContentChangeNotifiesExactlyOnce(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, rec := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	m.PollAgent(context.Background(), id)
	before, _ := reg.Get(id)
	count := rec.updateCount()

	agent.setImage(0, "ZnJhbWUtMg==")
	m.PollAgent(context.Background(), id)

	after, _ := reg.Get(id)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	assert.Equal(t, count+1, rec.updateCount())
}

func TestSecondaryScreenChangeMovesFingerprintAndNotifies(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, rec := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	// Only screen 1 is cached; no sweep has populated screen 0.
	_, err := m.FetchScreenshot(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("FetchScreenshot failed: %v", err)
	}
	before, _ := reg.Get(id)
	count := rec.updateCount()

	agent.setImage(1, "c2Vjb25kLTI=")
	shot, err := m.FetchScreenshot(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("second FetchScreenshot failed: %v", err)
	}
	assert.Equal(t, "c2Vjb25kLTI=", shot.Image)

	after, _ := reg.Get(id)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
	assert.Equal(t, count+1, rec.updateCount())
}

func TestConsecutiveFailuresMarkUnreachable(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, _ := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	m.PollAgent(context.Background(), id)
	agent.setStatus(http.StatusInternalServerError, "")

	for i := 1; i <= 2; i++ {
		m.PollAgent(context.Background(), id)
		snap, _ := reg.Get(id)
		assert.Equal(t, i, snap.FailureCount)
		// Below the threshold the previous status holds; the agent
		// keeps its last-known data rather than disappearing.
		assert.Equal(t, domain.StatusOnline, snap.Status)
		assert.NotEmpty(t, snap.Screenshot)
		assert.NotEmpty(t, snap.LastError)
	}

	m.PollAgent(context.Background(), id)
	snap, _ := reg.Get(id)
	assert.Equal(t, 3, snap.FailureCount)
	assert.Equal(t, domain.StatusUnreachable, snap.Status)

	agent.setStatus(0, "")
	m.PollAgent(context.Background(), id)
	snap, _ = reg.Get(id)
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, domain.StatusOnline, snap.Status)
	assert.Empty(t, snap.LastError)
}

func TestFailureBackoffExceedsBaseAndIsCapped(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, _ := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")
	agent.setStatus(http.StatusInternalServerError, "")

	now := time.Now()
	m.PollAgent(context.Background(), id)

	// Strictly beyond the base interval after one failure.
	assert.NotContains(t, m.registry.DueIDs(now.Add(m.cfg.PollInterval)), id)

	// Repeated failures never push the deadline past MaxBackoff.
	for i := 0; i < 10; i++ {
		reg.Update(id, func(s *registry.State) { s.NextPoll = time.Time{} })
		m.PollAgent(context.Background(), id)
	}
	assert.Contains(t, m.registry.DueIDs(time.Now().Add(m.cfg.MaxBackoff+time.Second)), id)
}

func TestRateLimitedPollBacksOffWithoutFailing(t *testing.T) {
	agent := newFakeAgent(t)
	other := newFakeAgent(t)
	m, reg, _ := newTestMonitor(t)
	limited, _, _ := reg.Register(agent.srv.URL, "", "")
	healthy, _, _ := reg.Register(other.srv.URL, "", "")

	m.PollAgent(context.Background(), limited)
	agent.setStatus(http.StatusTooManyRequests, "30")
	reg.Update(limited, func(s *registry.State) { s.NextPoll = time.Time{} })

	now := time.Now()
	snap, err := m.PollAgent(context.Background(), limited)
	if err != nil {
		t.Fatalf("PollAgent returned an error for a rate-limited agent: %v", err)
	}
	assert.Equal(t, domain.StatusDegraded, snap.Status)
	assert.Zero(t, snap.FailureCount)
	assert.Empty(t, snap.LastError)

	// Not polled again before the suggested delay; the healthy agent's
	// schedule is unaffected.
	due := m.registry.DueIDs(now.Add(29 * time.Second))
	assert.NotContains(t, due, limited)
	assert.Contains(t, due, healthy)
	assert.Contains(t, m.registry.DueIDs(now.Add(31*time.Second)), limited)
}

func TestRateLimitedScreenshotRouteBacksOff(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, _ := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	m.PollAgent(context.Background(), id)

	// Status keeps answering; only the frame route throttles.
	agent.setShotStatus(http.StatusTooManyRequests, "30")
	reg.Update(id, func(s *registry.State) { s.NextPoll = time.Time{} })

	now := time.Now()
	snap, err := m.PollAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("PollAgent failed: %v", err)
	}
	assert.Equal(t, domain.StatusDegraded, snap.Status)
	assert.Zero(t, snap.FailureCount)
	assert.Empty(t, snap.LastError)
	assert.Len(t, snap.Screens, 2)
	assert.NotNil(t, snap.LastSeen)

	assert.NotContains(t, m.registry.DueIDs(now.Add(29*time.Second)), id)
	assert.Contains(t, m.registry.DueIDs(now.Add(31*time.Second)), id)
}

func TestRemovedAgentMidSweepIsSkipped(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, rec := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")
	reg.Unregister(id)

	_, err := m.PollAgent(context.Background(), id)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Zero(t, rec.updateCount())
}

func TestFetchScreenshotServesCacheOnUnchanged(t *testing.T) {
	agent := newFakeAgent(t)
	m, reg, _ := newTestMonitor(t)
	id, _, _ := reg.Register(agent.srv.URL, "", "")

	first, err := m.FetchScreenshot(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("FetchScreenshot failed: %v", err)
	}
	assert.Equal(t, "ZnJhbWUtMQ==", first.Image)

	// Agent reports no_change; the cached frame is served.
	second, err := m.FetchScreenshot(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("second FetchScreenshot failed: %v", err)
	}
	assert.Equal(t, first.Image, second.Image)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestRunSweepsAllDueAgents(t *testing.T) {
	a := newFakeAgent(t)
	b := newFakeAgent(t)

	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond
	reg := registry.New(cfg.AgentTimeout, cfg.PollInterval)
	rec := &recorder{}
	m := New(reg, rec, cfg)

	reg.Register(a.srv.URL, "", "")
	reg.Register(b.srv.URL, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.updateCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	assert.GreaterOrEqual(t, rec.updateCount(), 2)
	for _, snap := range reg.List() {
		assert.Equal(t, domain.StatusOnline, snap.Status)
	}
}
