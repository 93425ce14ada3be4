package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/api"
	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/auth"
	"github.com/gatewright/gatewright/pkg/crypto"
	"github.com/gatewright/gatewright/pkg/evidence"
	"github.com/gatewright/gatewright/pkg/ledger"
	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/rollout"
	"github.com/gatewright/gatewright/pkg/verify"
)

const testSecret = "api-test-secret"

const testPolicy = `{
  "name": "release-gates",
  "version": "1.0.0",
  "rules": [
    {"name": "signoff-present", "expr": {"op": "compare", "field": "signoff", "cmp": "eq", "value": true}}
  ]
}`

type stack struct {
	handler http.Handler
	sink    *evidence.FSSink
}

func newStack(t *testing.T) *stack {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("api-test-key")
	require.NoError(t, err)

	led := ledger.New(ledger.NewMemoryStore())
	writer := ledger.NewWriter(led, led, signer)
	engine := policy.NewEngine()
	policies := policy.NewStore()

	manager := rollout.NewManager(engine, writer, rollout.Config{
		Tick:     time.Hour,
		Actuator: &rollout.LogActuator{},
	})

	sink, err := evidence.NewFSSink(t.TempDir())
	require.NoError(t, err)
	exporter := evidence.NewExporter(led, signer)

	srv := api.NewServer(api.ServerConfig{
		Engine:   engine,
		Policies: policies,
		Ledger:   led,
		Writer:   writer,
		Rollouts: manager,
		Exporter: exporter,
		Sink:     sink,
		RunCtx:   context.Background(),
	})

	validator := auth.NewJWTValidator([]byte(testSecret), "gatewright")
	return &stack{
		handler: auth.Middleware(validator)(srv.Routes()),
		sink:    sink,
	}
}

func token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "gatewright",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *stack) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func uploadAndPublish(t *testing.T, s *stack, tok string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/policies", tok, json.RawMessage(testPolicy))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	digest := decode[map[string]string](t, rec)["digest"]
	require.NotEmpty(t, digest)

	rec = s.do(t, http.MethodPost, "/api/policies/publish", tok, map[string]string{"digest": digest})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return digest
}

func TestAPI_ReleaseLifecycle(t *testing.T) {
	s := newStack(t)
	tok := token(t, "sre@corp", api.RoleOperator)

	digest := uploadAndPublish(t, s, tok)

	rec := s.do(t, http.MethodGet, "/api/policies/active", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, digest, decode[map[string]string](t, rec)["digest"])

	// Submit an allowed release.
	rec = s.do(t, http.MethodPost, "/api/releases", tok, map[string]any{
		"release_id":   "rel-42",
		"actor":        "ci@pipeline",
		"submitted_at": time.Now().UTC(),
		"facts":        map[string]any{"signoff": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Decision policy.Decision `json:"decision"`
		EventID  string          `json:"event_id"`
	}](t, rec)
	assert.True(t, resp.Decision.Allow)
	assert.NotEmpty(t, resp.EventID)

	// The decision is attested on the chain.
	rec = s.do(t, http.MethodGet, "/api/chains?release_id=rel-42", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[attest.Chain](t, rec)
	require.Len(t, chain.Events, 1)
	assert.Equal(t, attest.KindPolicyEvaluated, chain.Events[0].Kind)

	// Start a rollout plan for the evaluated release.
	rec = s.do(t, http.MethodPost, "/api/plans", tok, rollout.Plan{
		ID:        "plan-1",
		ReleaseID: "rel-42",
		Cohorts:   []rollout.Cohort{{Name: "all", Weight: 100}},
		Steps:     []rollout.Step{{Percent: 100, MinSoak: time.Minute}},
		Gate:      rollout.GateConfig{BurnRateThreshold: 2.0, ConsecutiveBreaches: 2},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[rollout.State](t, rec)
	assert.Equal(t, rollout.StatusAdvancing, st.Status)

	// Telemetry is a public path; no token needed.
	rec = s.do(t, http.MethodPost, "/api/telemetry", "", map[string]any{
		"plan_id": "plan-1", "cohort": "all", "bad_rate": 0.001, "budget": 0.01,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Rollback with an attributed approver.
	rec = s.do(t, http.MethodPost, "/api/plans/plan-1/rollback", tok, map[string]string{"reason": "bad deploy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = decode[rollout.State](t, rec)
	assert.Equal(t, rollout.StatusRolledBack, st.Status)
	assert.Equal(t, "sre@corp", st.Transitions[len(st.Transitions)-1].Actor)

	// Export evidence and verify it offline.
	rec = s.do(t, http.MethodPost, "/api/evidence/export", tok, map[string]string{"release_id": "rel-42"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	exported := decode[map[string]string](t, rec)

	bundle, err := s.sink.Get(context.Background(), exported["bundle_hash"])
	require.NoError(t, err)
	report := verify.Verify(bundle)
	assert.True(t, report.Verified, "summary: %s", report.Summary)
}

func TestAPI_DeniedReleaseCarriesReason(t *testing.T) {
	s := newStack(t)
	tok := token(t, "sre@corp", api.RoleOperator)
	uploadAndPublish(t, s, tok)

	rec := s.do(t, http.MethodPost, "/api/releases", tok, map[string]any{
		"release_id": "rel-43",
		"actor":      "ci@pipeline",
		"facts":      map[string]any{"signoff": false},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Decision policy.Decision `json:"decision"`
	}](t, rec)
	assert.False(t, resp.Decision.Allow)
	assert.NotEmpty(t, resp.Decision.Reason())
}

func TestAPI_NoActivePolicyIs503(t *testing.T) {
	s := newStack(t)
	tok := token(t, "sre@corp", api.RoleOperator)

	rec := s.do(t, http.MethodPost, "/api/releases", tok, map[string]any{
		"release_id": "rel-44", "facts": map[string]any{},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestAPI_PlanForUnevaluatedReleaseRejected(t *testing.T) {
	s := newStack(t)
	tok := token(t, "sre@corp", api.RoleOperator)
	uploadAndPublish(t, s, tok)

	rec := s.do(t, http.MethodPost, "/api/plans", tok, rollout.Plan{
		ID:        "plan-x",
		ReleaseID: "never-submitted",
		Cohorts:   []rollout.Cohort{{Name: "all", Weight: 100}},
		Steps:     []rollout.Step{{Percent: 100, MinSoak: time.Minute}},
		Gate:      rollout.GateConfig{BurnRateThreshold: 2.0, ConsecutiveBreaches: 2},
	})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestAPI_AuthBoundary(t *testing.T) {
	s := newStack(t)

	// No token on a protected path.
	rec := s.do(t, http.MethodGet, "/api/policies/active", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health never needs a token.
	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// An authenticated principal without the operator role cannot control
	// rollouts.
	viewer := token(t, "viewer@corp")
	rec = s.do(t, http.MethodPost, "/api/plans/plan-1/rollback", viewer, map[string]string{"reason": "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A token signed with the wrong key is rejected.
	claims := jwt.RegisteredClaims{Subject: "x", Issuer: "gatewright", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/api/policies/active", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_InvalidPolicyRejected(t *testing.T) {
	s := newStack(t)
	tok := token(t, "sre@corp", api.RoleOperator)

	rec := s.do(t, http.MethodPost, "/api/policies", tok, json.RawMessage(`{"name":"x","version":"not-semver","rules":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Contains(t, problem.Detail, "rejected")
}

func TestAPI_LegalHold(t *testing.T) {
	s := newStack(t)
	tok := token(t, "sre@corp", api.RoleOperator)
	uploadAndPublish(t, s, tok)

	rec := s.do(t, http.MethodPost, "/api/releases", tok, map[string]any{
		"release_id": "rel-45", "facts": map[string]any{"signoff": true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chains?release_id=rel-45", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[attest.Chain](t, rec)
	require.Len(t, chain.Events, 1)

	rec = s.do(t, http.MethodPost, "/api/chains/hold", tok, map[string]any{
		"content_hash": chain.Events[0].ContentHash, "hold": true,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/chains/hold", tok, map[string]any{
		"content_hash": "sha256:missing", "hold": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := api.NewRateLimiter(1, 2)
	defer rl.Stop()
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2], "burst of 2 exhausted")
	require.Equal(t, "5", func() string {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Header().Get("Retry-After")
	}())

	// A different IP has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
