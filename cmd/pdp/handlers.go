package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/duty"
	"github.com/Mennes303/gdpr-art5-engine/pkg/errs"
	"github.com/Mennes303/gdpr-art5-engine/pkg/httpx"
	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
	"github.com/Mennes303/gdpr-art5-engine/pkg/models"
	"github.com/Mennes303/gdpr-art5-engine/pkg/stream"
)

type policyStore interface {
	Create(ctx context.Context, uid, body string) (int64, error)
	Read(ctx context.Context, id int64) (string, error)
	Update(ctx context.Context, id int64, body string) error
	Delete(ctx context.Context, id int64) error
}

type policyLoader interface {
	Load(ctx context.Context, ref string) (*models.Policy, error)
}

type decisionEngine interface {
	Evaluate(ctx context.Context, pol *models.Policy, rc models.RequestCtx) (models.Decision, error)
}

type auditLog interface {
	FullAudit(ctx context.Context) ([]audit.Entry, error)
	Verify(ctx context.Context) (int, error)
}

type dutyStore interface {
	Tick(ctx context.Context, now time.Time) (int, error)
	CountOpen(ctx context.Context) (int, error)
	MaxExpiry(ctx context.Context) (*time.Time, error)
	AddOverdue(ctx context.Context, assetUID string) (duty.Record, error)
}

type Server struct {
	Policies            policyStore
	Loader              policyLoader
	Eval                decisionEngine
	Audit               auditLog
	Duties              dutyStore
	Hub                 *stream.Hub
	EnableTestEndpoints bool
}

func (s *Server) routes(r chi.Router) {
	r.Post("/v1/policies", s.createPolicy)
	r.Get("/v1/policies/{id}", s.getPolicy)
	r.Put("/v1/policies/{id}", s.updatePolicy)
	r.Delete("/v1/policies/{id}", s.deletePolicy)

	r.Post("/v1/decision", s.decide)

	r.Get("/v1/audit", s.fullAudit)
	r.Get("/v1/audit/verify", s.verifyAudit)
	r.Get("/v1/audit/stream", s.streamAudit)

	r.Post("/v1/duties/flush", s.flushDuties)
	r.Get("/v1/duties/open", s.openDuties)
	r.Get("/v1/duties/max-expiry", s.maxExpiry)
	if s.EnableTestEndpoints {
		r.Post("/v1/duties/test-overdue", s.addOverdueDuty)
	}
}

type policyIn struct {
	UID  string          `json:"uid"`
	Body json.RawMessage `json:"body"`
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyIn
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.UID) == "" || len(req.Body) == 0 {
		httpx.Error(w, 400, "uid and body required")
		return
	}
	if _, err := models.ParsePolicy(req.Body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.Policies.Create(r.Context(), req.UID, string(req.Body))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"id": id, "uid": req.UID})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	body, err := s.Policies.Read(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var parsed struct {
		UID string `json:"uid"`
	}
	_ = json.Unmarshal([]byte(body), &parsed)
	httpx.WriteJSON(w, 200, map[string]any{"id": id, "uid": parsed.UID, "body": json.RawMessage(body)})
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req policyIn
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Body) == 0 {
		httpx.Error(w, 400, "body required")
		return
	}
	if _, err := models.ParsePolicy(req.Body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Policies.Update(r.Context(), id, string(req.Body)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Policies.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionRequest struct {
	PolicyID   *int64 `json:"policy_id"`
	PolicyFile string `json:"policy_file"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	Purpose    string `json:"purpose"`
	Role       string `json:"role"`
	Location   string `json:"location"`
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	var ref string
	switch {
	case req.PolicyID != nil:
		ref = strconv.FormatInt(*req.PolicyID, 10)
	case strings.TrimSpace(req.PolicyFile) != "":
		ref = req.PolicyFile
	default:
		httpx.Error(w, 422, "provide either policy_id or policy_file")
		return
	}
	if strings.TrimSpace(req.Action) == "" || strings.TrimSpace(req.Target) == "" {
		httpx.Error(w, 422, "action and target required")
		return
	}
	pol, err := s.Loader.Load(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	rc := models.NewRequestCtx(req.Action, req.Target, req.Purpose, req.Role, req.Location)
	decision, err := s.Eval.Evaluate(r.Context(), pol, rc)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"decision": string(decision)})
}

func (s *Server) fullAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Audit.FullAudit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"items": entries})
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	n, err := s.Audit.Verify(r.Context())
	if err != nil {
		if errs.IsIntegrity(err) {
			metrics.ChainVerifyFailures.Inc()
			log.Printf("pdp ALARM audit chain broken: %v", err)
			httpx.Error(w, 409, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"ok": true, "records": n})
}

func (s *Server) streamAudit(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ch := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(ch)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) flushDuties(w http.ResponseWriter, r *http.Request) {
	n, err := s.Duties.Tick(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	if n > 0 {
		metrics.DutiesFulfilled.Add(float64(n))
	}
	httpx.WriteJSON(w, 200, map[string]int{"fulfilled": n})
}

func (s *Server) openDuties(w http.ResponseWriter, r *http.Request) {
	n, err := s.Duties.CountOpen(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]int{"open": n})
}

func (s *Server) maxExpiry(w http.ResponseWriter, r *http.Request) {
	max, err := s.Duties.MaxExpiry(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var out any
	if max != nil {
		out = max.Format(time.RFC3339)
	}
	httpx.WriteJSON(w, 200, map[string]any{"max_expiry": out})
}

func (s *Server) addOverdueDuty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetUID string `json:"asset_uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.AssetUID) == "" {
		httpx.Error(w, 400, "asset_uid required")
		return
	}
	rec, err := s.Duties.AddOverdue(r.Context(), req.AssetUID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, rec)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, 400, "invalid policy id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsNotFound(err):
		httpx.Error(w, 404, "policy not found")
	case errs.IsValidation(err):
		httpx.Error(w, 422, err.Error())
	default:
		log.Printf("pdp: %v", err)
		httpx.Error(w, 500, "internal error")
	}
}
