package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/evidence"
	"github.com/gatewright/gatewright/pkg/ledger"
	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/rollout"
)

// RoleOperator is required for rollout control actions.
const RoleOperator = "operator"

// maxBodyBytes bounds request bodies; policy documents are the largest
// legitimate payload.
const maxBodyBytes = 1 << 20

// Server wires the decision engine, ledger, rollout manager and evidence
// exporter behind the HTTP surface.
type Server struct {
	engine   *policy.Engine
	policies *policy.Store
	domain   string
	ledger   *ledger.Ledger
	chains   evidence.ChainReader
	writer   *ledger.Writer
	rollouts *rollout.Manager
	exporter *evidence.Exporter
	sink     evidence.Sink
	logger   *slog.Logger
	runCtx   context.Context // outlives requests; rollout loops run on it

	mu          sync.Mutex
	docs        map[string][]byte      // policy digest -> raw document
	submissions map[string]*submission // release id -> latest evaluation
}

// submission is the recorded outcome of a release evaluation, kept so plans
// and evidence exports can refer back to the exact inputs.
type submission struct {
	Context  *policy.ReleaseContext
	Decision *policy.Decision
	Doc      []byte
	Keys     attest.CorrelationKeys
	EventID  string
}

// ServerConfig collects the server's collaborators.
type ServerConfig struct {
	Engine   *policy.Engine
	Policies *policy.Store
	Domain   string // policy domain releases are evaluated against
	Ledger   *ledger.Ledger
	// Chains serves chain reads; defaults to Ledger. Pass a cache.CachedChains
	// to serve repeated reads from cache.
	Chains   evidence.ChainReader
	Writer   *ledger.Writer
	Rollouts *rollout.Manager
	Exporter *evidence.Exporter
	Sink     evidence.Sink
	// RunCtx is the process lifetime context rollout loops are launched on.
	// Request contexts die with their request; plans must not.
	RunCtx context.Context
}

func NewServer(cfg ServerConfig) *Server {
	domain := cfg.Domain
	if domain == "" {
		domain = "release"
	}
	runCtx := cfg.RunCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	chains := cfg.Chains
	if chains == nil {
		chains = cfg.Ledger
	}
	return &Server{
		engine:      cfg.Engine,
		policies:    cfg.Policies,
		domain:      domain,
		ledger:      cfg.Ledger,
		chains:      chains,
		writer:      cfg.Writer,
		rollouts:    cfg.Rollouts,
		exporter:    cfg.Exporter,
		sink:        cfg.Sink,
		runCtx:      runCtx,
		logger:      slog.Default().With("component", "api"),
		docs:        make(map[string][]byte),
		submissions: make(map[string]*submission),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/policies", s.handlePolicyUpload)
	mux.HandleFunc("POST /api/policies/publish", s.handlePolicyPublish)
	mux.HandleFunc("GET /api/policies/active", s.handlePolicyActive)

	mux.HandleFunc("POST /api/releases", s.handleReleaseSubmit)
	mux.HandleFunc("GET /api/chains", s.handleChainGet)
	mux.HandleFunc("POST /api/chains/hold", s.handleChainHold)

	mux.HandleFunc("POST /api/telemetry", s.handleTelemetry)

	mux.HandleFunc("POST /api/plans", s.handlePlanStart)
	mux.HandleFunc("GET /api/plans", s.handlePlanList)
	mux.HandleFunc("GET /api/plans/{id}", s.handlePlanGet)
	mux.HandleFunc("POST /api/plans/{id}/pause", s.handlePlanPause)
	mux.HandleFunc("POST /api/plans/{id}/resume", s.handlePlanResume)
	mux.HandleFunc("POST /api/plans/{id}/rollback", s.handlePlanRollback)

	mux.HandleFunc("POST /api/evidence/export", s.handleEvidenceExport)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		WriteBadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// handlePolicyUpload loads and validates a bundle document. Loading is
// all-or-nothing: a document that fails any validation never enters the
// store.
func (s *Server) handlePolicyUpload(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}
	b, err := policy.Load(doc)
	if err != nil {
		WriteBadRequest(w, "policy bundle rejected: "+err.Error())
		return
	}
	s.policies.Put(b)
	s.mu.Lock()
	s.docs[b.Digest()] = doc
	s.mu.Unlock()

	s.logger.InfoContext(r.Context(), "policy bundle loaded",
		"name", b.Name, "version", b.Version, "digest", b.Digest())
	writeJSON(w, http.StatusCreated, map[string]string{
		"name": b.Name, "version": b.Version, "digest": b.Digest(),
	})
}

func (s *Server) handlePolicyPublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Digest string `json:"digest"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.Domain == "" {
		req.Domain = s.domain
	}
	b, err := s.policies.Get(req.Digest)
	if err != nil {
		WriteNotFound(w, "no loaded bundle with digest "+req.Digest)
		return
	}
	if err := s.policies.Publish(req.Domain, b); err != nil {
		WriteConflict(w, err.Error())
		return
	}
	s.logger.InfoContext(r.Context(), "policy bundle published",
		"domain", req.Domain, "digest", req.Digest, "version", b.Version)
	writeJSON(w, http.StatusOK, map[string]string{"domain": req.Domain, "digest": req.Digest})
}

func (s *Server) handlePolicyActive(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = s.domain
	}
	b := s.policies.Active(domain)
	if b == nil {
		WriteNotFound(w, "no active bundle for domain "+domain)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"domain": domain, "name": b.Name, "version": b.Version, "digest": b.Digest(),
	})
}

// handleReleaseSubmit evaluates a release context against the active bundle
// and records the decision as a signed chain event. The response carries
// both the full decision and the reference to its attestation.
func (s *Server) handleReleaseSubmit(w http.ResponseWriter, r *http.Request) {
	var rc policy.ReleaseContext
	if !readBody(w, r, &rc) {
		return
	}
	if rc.ReleaseID == "" {
		WriteBadRequest(w, "release_id is required")
		return
	}

	b := s.policies.Active(s.domain)
	if b == nil {
		WriteError(w, http.StatusServiceUnavailable, "No Active Policy",
			"no policy bundle is published for domain "+s.domain)
		return
	}

	d, err := s.engine.Evaluate(&rc, b)
	if err != nil {
		var resource *policy.ResourceExceededError
		if errors.As(err, &resource) {
			WriteError(w, http.StatusUnprocessableEntity, "Policy Evaluation Budget Exceeded", err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	keys := attest.CorrelationKeys{ReleaseID: rc.ReleaseID, BundleDigest: b.Digest()}
	event, err := s.writer.Record(r.Context(), attest.KindPolicyEvaluated, map[string]any{
		"decision_hash": d.DecisionHash,
		"allow":         d.Allow,
		"bundle_digest": d.BundleDigest,
	}, keys)
	if err != nil {
		WriteInternal(w, fmt.Errorf("decision made but not attested: %w", err))
		return
	}

	s.mu.Lock()
	s.submissions[rc.ReleaseID] = &submission{
		Context:  &rc,
		Decision: d,
		Doc:      s.docs[b.Digest()],
		Keys:     keys,
		EventID:  event.ID,
	}
	s.mu.Unlock()

	s.logger.InfoContext(r.Context(), "release evaluated",
		"release_id", rc.ReleaseID, "allow", d.Allow, "decision_hash", d.DecisionHash)
	writeJSON(w, http.StatusOK, map[string]any{
		"decision": d,
		"event_id": event.ID,
	})
}

func keysFromQuery(r *http.Request) attest.CorrelationKeys {
	q := r.URL.Query()
	return attest.CorrelationKeys{
		ReleaseID:    q.Get("release_id"),
		BundleDigest: q.Get("bundle_digest"),
		DeployRev:    q.Get("deploy_rev"),
	}
}

func (s *Server) handleChainGet(w http.ResponseWriter, r *http.Request) {
	keys := keysFromQuery(r)
	if keys == (attest.CorrelationKeys{}) {
		WriteBadRequest(w, "at least one of release_id, bundle_digest, deploy_rev is required")
		return
	}
	chain, err := s.chains.GetChain(r.Context(), keys)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			WriteNotFound(w, "no chain for the given keys")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleChainHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentHash string `json:"content_hash"`
		Hold        bool   `json:"hold"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.ContentHash == "" {
		WriteBadRequest(w, "content_hash is required")
		return
	}
	var err error
	if req.Hold {
		err = s.ledger.Hold(r.Context(), req.ContentHash)
	} else {
		err = s.ledger.ReleaseHold(r.Context(), req.ContentHash)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			WriteNotFound(w, "no event with content hash "+req.ContentHash)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_hash": req.ContentHash, "hold": req.Hold})
}

// handleTelemetry ingests burn-rate samples. Always 202: the sample is
// routed (or dropped by the bounded queue) after the response is written.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var sample rollout.BurnRateSample
	if !readBody(w, r, &sample) {
		return
	}
	if sample.PlanID == "" || sample.Cohort == "" {
		WriteBadRequest(w, "plan_id and cohort are required")
		return
	}
	s.rollouts.Ingest(&sample)
	w.WriteHeader(http.StatusAccepted)
}

// handlePlanStart launches a rollout for an already evaluated release. The
// plan reuses the release's recorded context and the exact bundle the
// decision was made against.
func (s *Server) handlePlanStart(w http.ResponseWriter, r *http.Request) {
	var plan rollout.Plan
	if !readBody(w, r, &plan) {
		return
	}

	s.mu.Lock()
	sub := s.submissions[plan.ReleaseID]
	s.mu.Unlock()
	if sub == nil {
		WriteError(w, http.StatusPreconditionFailed, "Release Not Evaluated",
			"release "+plan.ReleaseID+" has no recorded policy evaluation")
		return
	}
	if plan.BundleDigest == "" {
		plan.BundleDigest = sub.Decision.BundleDigest
	}

	bundle, err := s.policies.Get(sub.Decision.BundleDigest)
	if err != nil {
		WriteInternal(w, fmt.Errorf("evaluated bundle vanished from store: %w", err))
		return
	}

	c, err := s.rollouts.StartPlan(s.runCtx, &plan, sub.Context, bundle)
	if err != nil {
		WriteError(w, http.StatusUnprocessableEntity, "Plan Rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c.Snapshot())
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rollouts.Plans())
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.rollouts.Snapshot(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// approver extracts the authenticated operator for control actions. Every
// pause, resume and rollback is attributed; anonymous control is refused.
func approver(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "control actions require an authenticated approver")
		return "", false
	}
	if !p.HasRole(RoleOperator) {
		WriteForbidden(w, "control actions require the operator role")
		return "", false
	}
	return p.ID, true
}

func (s *Server) handlePlanPause(w http.ResponseWriter, r *http.Request) {
	who, ok := approver(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, "a pause requires a reason")
		return
	}
	if err := s.rollouts.Pause(r.Context(), r.PathValue("id"), who, req.Reason); err != nil {
		WriteConflict(w, err.Error())
		return
	}
	st, _ := s.rollouts.Snapshot(r.PathValue("id"))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlanResume(w http.ResponseWriter, r *http.Request) {
	who, ok := approver(w, r)
	if !ok {
		return
	}
	if err := s.rollouts.Resume(r.Context(), r.PathValue("id"), who); err != nil {
		WriteConflict(w, err.Error())
		return
	}
	st, _ := s.rollouts.Snapshot(r.PathValue("id"))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlanRollback(w http.ResponseWriter, r *http.Request) {
	who, ok := approver(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, "a rollback requires a reason")
		return
	}
	if err := s.rollouts.Rollback(r.Context(), r.PathValue("id"), who, req.Reason); err != nil {
		WriteConflict(w, err.Error())
		return
	}
	st, _ := s.rollouts.Snapshot(r.PathValue("id"))
	writeJSON(w, http.StatusOK, st)
}

// handleEvidenceExport seals the release's full evidence into a portable
// bundle and publishes it to the configured sink.
func (s *Server) handleEvidenceExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReleaseID string `json:"release_id"`
	}
	if !readBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	sub := s.submissions[req.ReleaseID]
	s.mu.Unlock()
	if sub == nil {
		WriteNotFound(w, "release "+req.ReleaseID+" has no recorded evaluation")
		return
	}

	b, err := s.exporter.Export(r.Context(), sub.Keys, sub.Context, sub.Decision, sub.Doc)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	location, err := s.sink.Put(r.Context(), b)
	if err != nil {
		WriteInternal(w, fmt.Errorf("bundle sealed but not published: %w", err))
		return
	}

	s.logger.InfoContext(r.Context(), "evidence bundle exported",
		"release_id", req.ReleaseID, "bundle_hash", b.BundleHash, "location", location)
	writeJSON(w, http.StatusCreated, map[string]string{
		"bundle_hash": b.BundleHash,
		"location":    location,
	})
}
