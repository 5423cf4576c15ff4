package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/classification"
	"github.com/pesio-ai/be-npa-governance/internal/ledger"
	"github.com/pesio-ai/be-npa-governance/internal/logger"
	"github.com/pesio-ai/be-npa-governance/internal/monitor"
	"github.com/pesio-ai/be-npa-governance/internal/repository"
	"github.com/pesio-ai/be-npa-governance/internal/service"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

func newTestService() *service.GovernanceService {
	store := repository.NewMemoryStore()
	machine := workflow.NewMachine(workflow.DefaultPolicy())
	return service.NewGovernanceService(
		store,
		classification.NewEngine(classification.DefaultSignoffMatrix()),
		machine,
		ledger.New(ledger.DefaultPolicy(), machine),
		monitor.NewSweeper(store, machine, monitor.DefaultConfig(), logger.Nop()),
		logger.Nop(),
	)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHTTPHandler(newTestService(), logger.Nop()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, actorID string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set(ActorHeader, actorID)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

var createBody = map[string]interface{}{
	"title": "SGD forwards",
	"attributes": map[string]interface{}{
		"product_category": "FX",
		"product_type":     "fx/forward",
		"novelty":          "EXISTING",
		"notional_amount":  500000000,
		"currency":         "SGD",
		"risk_level":       "LOW",
		"jurisdictions":    []string{"SG"},
	},
}

func TestHTTP_Health(t *testing.T) {
	srv := newTestServer(t)
	status, body := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestHTTP_ProposalFlow(t *testing.T) {
	srv := newTestServer(t)

	status, body := do(t, srv, http.MethodPost, "/api/v1/proposals", "maker", createBody)
	require.Equal(t, http.StatusCreated, status)
	proposal := body["proposal"].(map[string]interface{})
	id := proposal["id"].(string)
	assert.Equal(t, "INITIATION", proposal["stage"])
	assert.Equal(t, "NPA_LITE", proposal["track"])

	for _, want := range []string{"REVIEW", "RISK_ASSESSMENT", "PENDING_SIGN_OFFS"} {
		status, body = do(t, srv, http.MethodPost, "/api/v1/proposals/"+id+"/advance", "maker", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, want, body["stage"])
	}

	status, body = do(t, srv, http.MethodGet, "/api/v1/proposals/"+id+"/signoffs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["signoffs"], 2)

	status, body = do(t, srv, http.MethodPost, "/api/v1/proposals/"+id+"/signoffs/decision", "mr-head",
		map[string]interface{}{"party": "Market Risk", "decision": "APPROVED"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["outstanding"])

	status, body = do(t, srv, http.MethodGet, "/api/v1/proposals?stage=pending_sign_offs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["proposals"], 1)

	status, body = do(t, srv, http.MethodGet, "/api/v1/proposals/"+id+"/audit", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["entries"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	status, body := do(t, srv, http.MethodPost, "/api/v1/proposals", "", createBody)
	assert.Equal(t, http.StatusBadRequest, status, "missing actor header")
	assert.Equal(t, "INVALID_INPUT", body["error"].(map[string]interface{})["code"])

	status, _ = do(t, srv, http.MethodGet, "/api/v1/proposals/00000000-0000-0000-0000-000000000000", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	_, created := do(t, srv, http.MethodPost, "/api/v1/proposals", "maker", createBody)
	id := created["proposal"].(map[string]interface{})["id"].(string)

	status, body = do(t, srv, http.MethodPost, "/api/v1/proposals/"+id+"/pir", "maker",
		map[string]interface{}{"summary": "too early"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "STATE_TRANSITION", errBody["code"])
	assert.Equal(t, workflow.GuardNotLaunched, errBody["guard"])
}

func TestHTTP_EscalateAndResolve(t *testing.T) {
	srv := newTestServer(t)
	_, created := do(t, srv, http.MethodPost, "/api/v1/proposals", "maker", createBody)
	id := created["proposal"].(map[string]interface{})["id"].(string)

	status, body := do(t, srv, http.MethodPost, "/api/v1/proposals/"+id+"/escalations", "maker",
		map[string]interface{}{"level": 2, "reason": "pricing dispute"})
	require.Equal(t, http.StatusCreated, status)
	escID := body["escalation_id"].(string)

	status, body = do(t, srv, http.MethodPost, "/api/v1/escalations/"+escID+"/resolve", "cro",
		map[string]interface{}{"decision": "PROCEED", "resolution": "agreed"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "INITIATION", body["stage"])

	status, body = do(t, srv, http.MethodPost, "/api/v1/monitor/sweep", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["breaches_found"])

	status, body = do(t, srv, http.MethodGet, "/api/v1/alerts?status=open", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["alerts"])
}
