package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/casf/verifier/app"
	"github.com/casf/verifier/internal/metrics"
	"github.com/casf/verifier/internal/orchestrator"
	"github.com/casf/verifier/internal/policyclient"
	"github.com/casf/verifier/internal/ratelimit"
	"github.com/casf/verifier/internal/replay"
	"github.com/casf/verifier/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type nopAuditWriter struct{}

func (nopAuditWriter) Append(ctx context.Context, draft *models.AuditEvent) (*models.AuditEvent, error) {
	evt := *draft
	evt.Hash = "test-hash"
	return &evt, nil
}

func testDeps(t *testing.T, policyURL string) *app.Dependencies {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := metrics.New()
	orch := orchestrator.New(
		replay.New(nil, 0, 0),
		ratelimit.New(nil, 0),
		policyclient.New(policyURL, time.Second),
		nopAuditWriter{},
		reg,
		logger,
		orchestrator.Config{},
	)
	return &app.Dependencies{
		Logger:       logger,
		Metrics:      reg,
		Orchestrator: orch,
	}
}

func validVerifyRequest() models.VerifyRequest {
	return models.VerifyRequest{
		RequestID: uuid.New(),
		Tool:      models.ToolListAppointments,
		Mode:      models.ModeAllow,
		Role:      models.Role("nurse"),
		Subject:   models.Subject{PatientID: "p-1"},
		Context:   models.RequestContext{TenantID: "tenant-1"},
	}
}

func policyAllowServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"allow":true,"violations":[]}}`))
	}))
}

func policyDenyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"allow":false,"violations":["Policy_NotAllowed"]}}`))
	}))
}

func TestVerifyHandler_ReturnsBadRequestOnMalformedJSON(t *testing.T) {
	srv := policyAllowServer(t)
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("not-json"))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyHandler_ReturnsBadRequestOnMissingFields(t *testing.T) {
	srv := policyAllowServer(t)
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	body, err := json.Marshal(map[string]string{"tool": "list_appointments"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "bad_request", resp["error"])
}

func TestVerifyHandler_ReturnsAllowOn200WhenPolicyAllows(t *testing.T) {
	srv := policyAllowServer(t)
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	body, err := json.Marshal(validVerifyRequest())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.VerifyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, models.DecisionAllow, resp.Decision)
}

func TestVerifyHandler_ReturnsDenyOn200WhenPolicyDenies(t *testing.T) {
	srv := policyDenyServer(t)
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	body, err := json.Marshal(validVerifyRequest())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.VerifyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, models.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Violations, "Policy_NotAllowed")
}

func TestVerifyHandler_InvariantViolationDeniesWithoutContactingPolicy(t *testing.T) {
	contacted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contacted = true
		_, _ = w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	reqBody := validVerifyRequest()
	reqBody.Context = models.RequestContext{TenantID: ""}
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.VerifyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, models.DecisionDeny, resp.Decision)
	assert.False(t, contacted)
}

func TestVerifyHandler_EmptyPatientIdDeniesWith200NotBadRequest(t *testing.T) {
	contacted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contacted = true
		_, _ = w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	reqBody := validVerifyRequest()
	reqBody.Subject = models.Subject{PatientID: ""}
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.VerifyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, models.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Violations, "BadRequest_MissingPatientId")
	assert.False(t, contacted)
}

func TestVerifyHandler_ReturnsBadRequestOnEmptyBody(t *testing.T) {
	srv := policyAllowServer(t)
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(""))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyHandler_ReturnsAllowedOutputsForWriteTool(t *testing.T) {
	srv := policyAllowServer(t)
	defer srv.Close()

	deps := testDeps(t, srv.URL)
	handler := VerifyHandler(deps)

	reqBody := validVerifyRequest()
	reqBody.Tool = models.ToolCreateAppointment
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.VerifyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, models.DecisionAllow, resp.Decision)
	assert.Equal(t, []string{"appointment_confirmation"}, resp.AllowedOutputs)
}
