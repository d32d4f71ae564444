// Package integration provides a reusable test harness for end-to-end testing
// of the adaptflow engine server. It starts a full HTTP server with a mock
// notification backend, in-memory stores, a test JWT issuer, and a
// controllable clock for driving escalation deadlines.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/accessworks/adaptflow/internal/config"
	"github.com/accessworks/adaptflow/internal/definition"
	"github.com/accessworks/adaptflow/internal/engine"
	"github.com/accessworks/adaptflow/internal/hook"
	"github.com/accessworks/adaptflow/internal/observability"
	"github.com/accessworks/adaptflow/internal/roles"
	"github.com/accessworks/adaptflow/internal/runner"
	"github.com/accessworks/adaptflow/internal/scheduler"
	"github.com/accessworks/adaptflow/internal/transport"
	"github.com/accessworks/adaptflow/model"
)

// TestHarness encapsulates a fully wired engine server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Engine        *engine.Engine
	Clock         *TestClock
	Notifications *NotificationBackend

	cfg *config.Config
}

// TestClock is a controllable clock for the escalation scheduler.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the clock's current time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NotificationBackend is a mock notification service that records every
// request it receives.
type NotificationBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	received []map[string]any
}

func newNotificationBackend(t *testing.T) *NotificationBackend {
	t.Helper()
	nb := &NotificationBackend{}
	nb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if data, err := io.ReadAll(r.Body); err == nil && len(data) > 0 {
			json.Unmarshal(data, &body)
		}
		nb.mu.Lock()
		nb.received = append(nb.received, body)
		nb.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"notified": true})
	}))
	t.Cleanup(nb.server.Close)
	return nb
}

// URL returns the mock backend's base URL.
func (nb *NotificationBackend) URL() string {
	return nb.server.URL
}

// Calls returns how many notification requests were received.
func (nb *NotificationBackend) Calls() int {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return len(nb.received)
}

// LastRequest returns the body of the most recent notification request.
func (nb *NotificationBackend) LastRequest() map[string]any {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if len(nb.received) == 0 {
		return nil
	}
	return nb.received[len(nb.received)-1]
}

// NewTestHarness creates and starts a full engine test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	td := testdataDir()

	h := &TestHarness{
		t:             t,
		issuer:        newTokenIssuer(t),
		Clock:         &TestClock{now: time.Now().UTC()},
		Notifications: newNotificationBackend(t),
	}

	logger := zap.NewNop()

	// Load the notification service spec, pointing at the mock backend.
	hookIndex := hook.NewIndex()
	if err := hookIndex.Load([]hook.SpecSource{{
		ServiceID: "notifications",
		BaseURL:   h.Notifications.URL(),
		SpecPath:  filepath.Join(td, "specs", "notifications.yaml"),
	}}); err != nil {
		t.Fatalf("load notification spec: %v", err)
	}
	services := map[string]config.ServiceConfig{
		"notifications": {BaseURL: h.Notifications.URL(), Timeout: 5 * time.Second},
	}
	hooks := hook.NewRegistry(hook.NewOpenAPIHook(hookIndex, services))

	// Roles come from the static policy file first, token claims second.
	static, err := roles.NewStaticPolicyProvider(filepath.Join(td, "roles.yaml"))
	if err != nil {
		t.Fatalf("load role policy: %v", err)
	}
	roleProvider := roles.Chain{static, roles.ClaimsProvider{}}

	h.cfg = config.Defaults()
	h.cfg.Definitions.Directories = []string{filepath.Join(td, "definitions")}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: 1 * time.Hour,
		Algorithms:   []string{"RS256"},
	}

	defs := definition.NewService(definition.NewMemoryStore(), logger)
	sched := scheduler.New(scheduler.NewMemoryTimerStore(), h.Clock, time.Hour, logger)
	rnr := runner.New(defs, runner.NewMemoryInstanceStore(), hooks, roleProvider, sched, 10, logger)
	h.Engine = engine.New(h.cfg, defs, rnr, sched, nil, logger)

	if err := h.Engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Engine.Stop(ctx)
	})

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Engine.Ready(context.Background()) },
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// ProcessDueTimers runs one escalation scan against the harness clock.
func (h *TestHarness) ProcessDueTimers() {
	h.Engine.ProcessDueTimers(context.Background())
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(data))
	}
	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
		}
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	resp.Body.Close()
}

// --- Default test claims ---

// AssessorClaims returns TestClaims for the assessor listed in the role policy.
func AssessorClaims() TestClaims {
	return TestClaims{ActorID: "adam", Email: "adam@accessworks.example.com"}
}

// ManagerClaims returns TestClaims for the manager listed in the role policy.
func ManagerClaims() TestClaims {
	return TestClaims{ActorID: "mira", Email: "mira@accessworks.example.com"}
}

// PlannerClaims returns TestClaims for the planner listed in the role policy.
func PlannerClaims() TestClaims {
	return TestClaims{ActorID: "priya", Email: "priya@accessworks.example.com"}
}

// ContractorClaims returns TestClaims carrying the contractor role only in the
// token; the actor is absent from the static policy file.
func ContractorClaims() TestClaims {
	return TestClaims{
		ActorID: "cole",
		Email:   "cole@contractors.example.com",
		Roles:   []string{"contractor"},
	}
}

// CoordinatorClaims returns TestClaims for the coordinator listed in the role policy.
func CoordinatorClaims() TestClaims {
	return TestClaims{ActorID: "carol", Email: "carol@accessworks.example.com"}
}

// AdminClaims returns TestClaims for the admin listed in the role policy.
func AdminClaims() TestClaims {
	return TestClaims{ActorID: "alice", Email: "alice@accessworks.example.com"}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// InstanceResponse is the wire shape of step complete and cancel responses.
type InstanceResponse struct {
	Instance        model.WorkflowInstance `json:"instance"`
	AlreadyTerminal bool                   `json:"already_terminal"`
}
