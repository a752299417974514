package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenfleet/orchestrator/internal/audit"
	"github.com/screenfleet/orchestrator/internal/config"
	"github.com/screenfleet/orchestrator/internal/discovery"
	"github.com/screenfleet/orchestrator/internal/domain"
	"github.com/screenfleet/orchestrator/internal/monitor"
	"github.com/screenfleet/orchestrator/internal/registry"
	"github.com/screenfleet/orchestrator/policy"
)

type recorder struct {
	mu      sync.Mutex
	updates []domain.AgentSnapshot
	removed []string
	scans   [][]domain.Candidate
}

func (r *recorder) AgentUpdated(s domain.AgentSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, s)
}

func (r *recorder) AgentRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

func (r *recorder) DiscoveryFinished(c []domain.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, c)
}

func (r *recorder) removedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// fakeAgent is a loopback stand-in for a real agent endpoint.
type fakeAgent struct {
	srv   *httptest.Server
	mu    sync.Mutex
	execs []domain.Action
}

func newFakeAgent(t *testing.T) *fakeAgent {
	f := &fakeAgent{}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"hostname": "fake-host",
			"screens": []map[string]interface{}{
				{"index": 0, "width": 1920, "height": 1080, "primary": true},
			},
		})
	})
	mux.HandleFunc("/screenshot/0", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"image":  "aGVsbG8=",
			"screen": map[string]interface{}{"index": 0, "width": 1920, "height": 1080, "primary": true},
		})
	})
	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		var a domain.Action
		json.NewDecoder(r.Body).Decode(&a)
		f.mu.Lock()
		f.execs = append(f.execs, a)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func newTestService(t *testing.T) (*Service, *recorder) {
	cfg := &config.Config{
		PollInterval:     5 * time.Second,
		MaxBackoff:       80 * time.Second,
		MaxInFlight:      4,
		FailureThreshold: 3,
		AgentTimeout:     2 * time.Second,
		ScreenshotMaxAge: 10 * time.Second,
	}
	reg := registry.New(cfg.AgentTimeout, cfg.PollInterval)
	rec := &recorder{}
	mon := monitor.New(reg, rec, cfg)
	scanner := discovery.NewScanner(500*time.Millisecond, 8)

	eng, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	auditLog, err := audit.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	return New(reg, mon, rec, scanner, eng, auditLog, cfg), rec
}

func TestAddAgentReturnsPopulatedSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	agent := newFakeAgent(t)

	snap, err := svc.AddAgent(context.Background(), agent.srv.URL, "secret", "desk-1")
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "desk-1", snap.Name)
	assert.Equal(t, domain.StatusOnline, snap.Status)
	require.Len(t, snap.Screens, 1)
	assert.Equal(t, 1920, snap.Screens[0].Width)
	assert.Equal(t, "aGVsbG8=", snap.Screenshot)
	assert.NotEmpty(t, snap.Fingerprint)
}

func TestAddAgentDuplicateAddressIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	agent := newFakeAgent(t)

	first, err := svc.AddAgent(context.Background(), agent.srv.URL, "secret", "desk-1")
	require.NoError(t, err)
	second, err := svc.AddAgent(context.Background(), agent.srv.URL, "other", "desk-2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// The duplicate's token and name are ignored; the record is untouched.
	assert.Equal(t, "desk-1", second.Name)
	assert.Len(t, svc.ListAgents(context.Background()), 1)
}

func TestAddAgentUnreachableStillRegisters(t *testing.T) {
	svc, _ := newTestService(t)

	snap, err := svc.AddAgent(context.Background(), "http://127.0.0.1:1", "", "ghost")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusUnknown, snap.Status)
	assert.Equal(t, 1, snap.FailureCount)
	assert.NotEmpty(t, snap.LastError)
}

func TestRemoveAgentUnknownIsNotFound(t *testing.T) {
	svc, rec := newTestService(t)
	agent := newFakeAgent(t)
	_, err := svc.AddAgent(context.Background(), agent.srv.URL, "", "desk-1")
	require.NoError(t, err)

	err = svc.RemoveAgent(context.Background(), "agent_missing")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Len(t, svc.ListAgents(context.Background()), 1)
	assert.Empty(t, rec.removedIDs())
}

func TestRemoveAgentNotifiesViewers(t *testing.T) {
	svc, rec := newTestService(t)
	agent := newFakeAgent(t)
	snap, err := svc.AddAgent(context.Background(), agent.srv.URL, "", "desk-1")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveAgent(context.Background(), snap.ID))
	assert.Empty(t, svc.ListAgents(context.Background()))
	assert.Equal(t, []string{snap.ID}, rec.removedIDs())
}

func TestExecActionBlockedByPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	agent := newFakeAgent(t)
	snap, err := svc.AddAgent(context.Background(), agent.srv.URL, "", "desk-1")
	require.NoError(t, err)

	_, err = svc.ExecAction(context.Background(), snap.ID, &domain.Action{Kind: "reboot"})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	_, err = svc.ExecAction(context.Background(), snap.ID, &domain.Action{Kind: domain.ActionType, Text: string(long)})
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
	assert.Equal(t, 0, agent.execCount())
}

func TestExecActionRelaysToAgent(t *testing.T) {
	svc, _ := newTestService(t)
	agent := newFakeAgent(t)
	snap, err := svc.AddAgent(context.Background(), agent.srv.URL, "", "desk-1")
	require.NoError(t, err)

	res, err := svc.ExecAction(context.Background(), snap.ID, &domain.Action{
		Kind:        domain.ActionClick,
		Coordinates: [2]int{100, 200},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	require.Equal(t, 1, agent.execCount())
	assert.Equal(t, domain.ActionClick, agent.execs[0].Kind)
	assert.Equal(t, [2]int{100, 200}, agent.execs[0].Coordinates)
}

func TestScreenshotServesFreshCache(t *testing.T) {
	svc, _ := newTestService(t)
	agent := newFakeAgent(t)
	snap, err := svc.AddAgent(context.Background(), agent.srv.URL, "", "desk-1")
	require.NoError(t, err)

	agent.srv.Close()

	// The add already cached screen 0 and the cache is still fresh, so the
	// dead agent is never contacted.
	shot, err := svc.Screenshot(context.Background(), snap.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", shot.Image)
}

func TestDiscoverNeverTouchesRegistry(t *testing.T) {
	svc, rec := newTestService(t)
	agent := newFakeAgent(t)
	_, err := svc.AddAgent(context.Background(), agent.srv.URL, "", "desk-1")
	require.NoError(t, err)
	before := svc.ListAgents(context.Background())

	// A range with nothing listening: the scan completes, notifies, and
	// registers nothing.
	_, err = svc.Discover(context.Background(), "127.0.0.1", 1, 1)
	require.NoError(t, err)

	after := svc.ListAgents(context.Background())
	assert.Equal(t, before, after)

	rec.mu.Lock()
	scans := len(rec.scans)
	rec.mu.Unlock()
	assert.Equal(t, 1, scans)
}

func TestAuditTrailRecordsActionsWithMaskedToken(t *testing.T) {
	svc, _ := newTestService(t)
	agent := newFakeAgent(t)
	snap, err := svc.AddAgent(context.Background(), agent.srv.URL, "secret-token", "desk-1")
	require.NoError(t, err)
	_, err = svc.ExecAction(context.Background(), snap.ID, &domain.Action{Kind: domain.ActionClick})
	require.NoError(t, err)

	entries, err := svc.AuditRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "agent.exec", entries[0].Kind)
	assert.Equal(t, "agent.add", entries[1].Kind)
	assert.NotContains(t, entries[1].Detail, "secret-token")
	assert.Contains(t, entries[1].Detail, audit.MaskSecret("secret-token"))
}
