package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/auth"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/reporting"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/service"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
)

// Pinger is the readiness dependency of /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	service  *service.Service
	pinger   Pinger
	verifier *auth.Verifier
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func New(svc *service.Service, pinger Pinger, verifier *auth.Verifier, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service:  svc,
		pinger:   pinger,
		verifier: verifier,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/sla", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))

		r.Route("/instances/{id}", func(r chi.Router) {
			r.Get("/compliance", s.handleCompliance)
			r.Post("/check", s.handleCheck)
			r.Post("/escalate", s.handleEscalate)
			r.Get("/eligible", s.handleEligible)
			r.Get("/escalations", s.handleHistory)
			r.Get("/escalations/status", s.handleStatus)
		})
		r.Post("/escalations/{id}/resolve", s.handleResolve)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/history", s.handleRecordStageExit)
		r.Put("/templates/{templateId}/stages/{stageId}", s.handlePutStageSLA)

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", s.handleCreatePolicy)
			r.Get("/{id}", s.handleGetPolicy)
			r.Put("/{id}", s.handleUpdatePolicy)
			r.Delete("/{id}", s.handleDisablePolicy)
			r.Post("/{id}/activate", s.handleActivatePolicy)
			r.Post("/{id}/rules", s.handleAddRule)
			r.Delete("/{id}/rules/{ruleId}", s.handleDisableRule)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	info, err := s.service.InstanceCompliance(r.Context(), p.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type checkRequest struct {
	PolicyID string `json:"policyId"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := principal(r)
	var user *string
	if p.Subject != "" {
		user = &p.Subject
	}
	ev, err := s.service.CheckAndEscalate(r.Context(), service.CheckInput{
		InstanceID:        chi.URLParam(r, "id"),
		TenantID:          p.TenantID,
		PolicyID:          req.PolicyID,
		TriggeredByUserID: user,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]interface{}{"escalated": ev != nil}
	if ev != nil {
		resp["event"] = ev
	}
	respondJSON(w, http.StatusOK, resp)
}

type escalateRequest struct {
	RuleID   string `json:"ruleId"`
	PolicyID string `json:"policyId"`
	Reason   string `json:"reason"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := principal(r)
	ev, err := s.service.ManualEscalate(r.Context(), service.ManualInput{
		InstanceID: chi.URLParam(r, "id"),
		RuleID:     req.RuleID,
		TenantID:   p.TenantID,
		PolicyID:   req.PolicyID,
		UserID:     p.Subject,
		Reason:     req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleEligible(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	eval, err := s.service.EvaluateRules(r.Context(), p.TenantID, chi.URLParam(r, "id"), r.URL.Query().Get("policyId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, eval)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	if err := s.service.InstanceOwnedBy(r.Context(), principal(r).TenantID, instanceID); err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.service.EscalationHistory(r.Context(), instanceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	if err := s.service.InstanceOwnedBy(r.Context(), principal(r).TenantID, instanceID); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := s.service.GetEscalationStatus(r.Context(), instanceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := principal(r)
	ev, err := s.service.ResolveEscalation(r.Context(), service.ResolveInput{
		EventID:    chi.URLParam(r, "id"),
		TenantID:   p.TenantID,
		ResolvedBy: p.Subject,
		Notes:      req.Notes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := reporting.Filter{
		TenantID:   principal(r).TenantID,
		TemplateID: q.Get("templateId"),
		InstanceID: q.Get("instanceId"),
		SortBy:     q.Get("sortBy"),
		SortOrder:  q.Get("sortOrder"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		respondError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		respondError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if f.Page, err = parseInt(q.Get("page")); err != nil {
		respondError(w, http.StatusBadRequest, "page: "+err.Error())
		return
	}
	if f.PageSize, err = parseInt(q.Get("pageSize")); err != nil {
		respondError(w, http.StatusBadRequest, "pageSize: "+err.Error())
		return
	}
	m, err := s.service.QuerySLAMetrics(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

type stageExitRequest struct {
	InstanceID     string     `json:"instanceId"`
	TemplateID     string     `json:"templateId"`
	StageID        string     `json:"stageId"`
	StageName      string     `json:"stageName"`
	StageEnteredAt time.Time  `json:"stageEnteredAt"`
	StageExitedAt  *time.Time `json:"stageExitedAt"`
}

func (s *Server) handleRecordStageExit(w http.ResponseWriter, r *http.Request) {
	var req stageExitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var exited time.Time
	if req.StageExitedAt != nil {
		exited = req.StageExitedAt.UTC()
	}
	rec, err := s.service.RecordStageExit(r.Context(), models.WorkflowInstanceSnapshot{
		InstanceID:     req.InstanceID,
		TenantID:       principal(r).TenantID,
		TemplateID:     req.TemplateID,
		StageID:        req.StageID,
		StageName:      req.StageName,
		StageEnteredAt: req.StageEnteredAt.UTC(),
	}, exited)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

type stageSLARequest struct {
	StageName string   `json:"stageName"`
	SLAHours  *float64 `json:"slaHours"`
}

func (s *Server) handlePutStageSLA(w http.ResponseWriter, r *http.Request) {
	var req stageSLARequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sla, err := s.service.SetStageSLA(r.Context(), principal(r).TenantID, models.StageSLA{
		TemplateID: chi.URLParam(r, "templateId"),
		StageID:    chi.URLParam(r, "stageId"),
		StageName:  req.StageName,
		SLAHours:   req.SLAHours,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sla)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req service.PolicyInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.service.CreatePolicy(r.Context(), principal(r).TenantID, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetPolicy(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req service.PolicySettings
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.service.UpdatePolicy(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDisablePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DisablePolicy(r.Context(), principal(r).TenantID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.service.SetPolicyActive(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"), true); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req service.RuleInput
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := s.service.AddRule(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	err := s.service.DisableRule(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"), chi.URLParam(r, "ruleId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrValidation), errors.Is(err, store.ErrInvalidParent):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("expected RFC3339 timestamp")
	}
	return &t, nil
}

func parseInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
