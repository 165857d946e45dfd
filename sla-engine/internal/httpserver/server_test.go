package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/auth"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/httpserver"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/service"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/telemetry"
)

var now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func newRouter(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	svc := service.New(service.Deps{Store: mem, Instances: mem, Metrics: metrics, Logger: zap.NewNop()},
		service.Config{Now: func() time.Time { return now }})
	mem.PutInstance(models.WorkflowInstanceSnapshot{
		InstanceID:     "inst-1",
		TenantID:       "tenant-a",
		TemplateID:     "tmpl-1",
		StageID:        "review",
		StageEnteredAt: now.Add(-50 * time.Hour),
		Priority:       models.PriorityHigh,
	})
	srv := httpserver.New(svc, mem, auth.NewVerifier("", ""), reg, zap.NewNop())
	return srv.Router(), mem
}

func do(t *testing.T, h http.Handler, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(auth.HeaderTenant, tenant)
		req.Header.Set(auth.HeaderUser, "user-"+tenant)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	h, _ := newRouter(t)
	w := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	do(t, h, http.MethodGet, "/sla/instances/inst-1/compliance", "tenant-a", nil)
	w = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sla_compliance_evaluations_total")
}

func TestSLARoutesRequireAuth(t *testing.T) {
	h, _ := newRouter(t)
	w := do(t, h, http.MethodGet, "/sla/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEscalationFlow(t *testing.T) {
	h, _ := newRouter(t)

	w := do(t, h, http.MethodPut, "/sla/templates/tmpl-1/stages/review", "tenant-a", map[string]interface{}{"stageName": "Review", "slaHours": 40})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/sla/instances/inst-1/compliance", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info models.SLAComplianceInfo
	decode(t, w, &info)
	assert.Equal(t, models.StatusBreached, info.Status)
	assert.Equal(t, 125.0, info.Percentage())
	require.NotNil(t, info.HoursBreach)
	assert.Equal(t, 10.0, *info.HoursBreach)

	w = do(t, h, http.MethodPost, "/sla/policies", "tenant-a", map[string]interface{}{"name": "default", "templateId": "tmpl-1", "active": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var policy models.EscalationPolicy
	decode(t, w, &policy)

	w = do(t, h, http.MethodPost, "/sla/policies/"+policy.ID+"/rules", "tenant-a", map[string]interface{}{
		"name":        "bad",
		"triggerType": "SLABreach",
		"level":       1,
		"actions":     []map[string]interface{}{{"type": "CreateAlert", "order": 1, "params": map[string]string{"severity": "apocalyptic", "message": "x"}}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/sla/policies/"+policy.ID+"/rules", "tenant-a", map[string]interface{}{
		"name":        "breach",
		"triggerType": "SLABreach",
		"level":       1,
		"actions":     []map[string]interface{}{{"type": "AddComment", "order": 1, "params": map[string]string{"body": "escalated"}}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule models.EscalationRule
	decode(t, w, &rule)
	require.Len(t, rule.Actions, 1)
	assert.Equal(t, models.ActionAddComment, rule.Actions[0].Type())

	w = do(t, h, http.MethodGet, "/sla/instances/inst-1/eligible", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), rule.ID)

	w = do(t, h, http.MethodPost, "/sla/instances/inst-1/check", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var check struct {
		Escalated bool                   `json:"escalated"`
		Event     models.EscalationEvent `json:"event"`
	}
	decode(t, w, &check)
	require.True(t, check.Escalated)
	assert.Equal(t, rule.ID, check.Event.RuleID)
	require.NotNil(t, check.Event.TriggeredByUserID)
	assert.Equal(t, "user-tenant-a", *check.Event.TriggeredByUserID)

	w = do(t, h, http.MethodPost, "/sla/instances/inst-1/check", "tenant-a", map[string]string{"policyId": policy.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"escalated":false}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/sla/instances/inst-1/escalate", "tenant-a", map[string]string{"ruleId": "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/sla/instances/inst-1/escalate", "tenant-a", map[string]string{"ruleId": rule.ID, "reason": "vip customer"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var manual models.EscalationEvent
	decode(t, w, &manual)
	assert.Equal(t, 2, manual.ChainLevel)

	w = do(t, h, http.MethodGet, "/sla/instances/inst-1/escalations/status", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status models.EscalationStatus
	decode(t, w, &status)
	assert.Equal(t, 2, status.TotalEvents)
	assert.Equal(t, 2, status.ChainDepth)

	w = do(t, h, http.MethodGet, "/sla/instances/inst-1/escalations/status", "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/sla/escalations/"+manual.ID+"/resolve", "tenant-a", map[string]string{"notes": "handled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPost, "/sla/escalations/"+manual.ID+"/resolve", "tenant-a", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/sla/instances/inst-1/escalations", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history service.ChainHistory
	decode(t, w, &history)
	assert.True(t, history.Verified)
	assert.Len(t, history.Events, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newRouter(t)
	do(t, h, http.MethodPut, "/sla/templates/tmpl-1/stages/review", "tenant-a", map[string]interface{}{"slaHours": 10})

	entered := now.Add(-48 * time.Hour)
	for i, hours := range []int{5, 9, 12} {
		exited := entered.Add(time.Duration(hours) * time.Hour)
		w := do(t, h, http.MethodPost, "/sla/history", "tenant-a", map[string]interface{}{
			"instanceId":     "inst-" + string(rune('a'+i)),
			"templateId":     "tmpl-1",
			"stageId":        "review",
			"stageEnteredAt": entered,
			"stageExitedAt":  exited,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := do(t, h, http.MethodGet, "/sla/metrics?sortBy=hoursUsed&sortOrder=asc&pageSize=2", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var m models.SLAMetrics
	decode(t, w, &m)
	assert.Equal(t, 3, m.TotalRecords)
	assert.Equal(t, 1, m.CompliantCount)
	assert.Equal(t, 1, m.WarningCount)
	assert.Equal(t, 1, m.BreachedCount)
	require.Len(t, m.Records, 2)
	assert.Equal(t, 5.0, m.Records[0].HoursUsed)

	w = do(t, h, http.MethodGet, "/sla/metrics", "tenant-b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &m)
	assert.Equal(t, 0, m.TotalRecords)

	for _, q := range []string{"sortBy=priority", "from=yesterday", "page=two", "from=2026-07-02T00:00:00Z&to=2026-07-01T00:00:00Z"} {
		w = do(t, h, http.MethodGet, "/sla/metrics?"+q, "tenant-a", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestStageSLAWritesStayWithinTenant(t *testing.T) {
	h, _ := newRouter(t)

	w := do(t, h, http.MethodPut, "/sla/templates/tmpl-1/stages/review", "tenant-a", map[string]interface{}{"slaHours": 40})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, h, http.MethodPut, "/sla/templates/tmpl-1/stages/review", "tenant-b", map[string]interface{}{"slaHours": 1000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/sla/instances/inst-1/compliance", "tenant-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info models.SLAComplianceInfo
	decode(t, w, &info)
	assert.Equal(t, models.StatusBreached, info.Status)
	require.NotNil(t, info.TotalSLAHours)
	assert.Equal(t, 40.0, *info.TotalSLAHours)
}

func TestUnknownFieldsRejected(t *testing.T) {
	h, _ := newRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/sla/policies", strings.NewReader(`{"name":"p","templateId":"t","surprise":true}`))
	req.Header.Set(auth.HeaderTenant, "tenant-a")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
