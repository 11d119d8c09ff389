package rules

import (
	"testing"

	"github.com/casf/verifier/internal/ratelimit"
	"github.com/casf/verifier/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func baseRequest() *models.VerifyRequest {
	return &models.VerifyRequest{
		RequestID: uuid.New(),
		Tool:      models.ToolListAppointments,
		Mode:      models.ModeAllow,
		Role:      models.Role("nurse"),
		Subject:   models.Subject{PatientID: "p-1"},
		Context:   models.RequestContext{TenantID: "tenant-1"},
	}
}

func TestEvaluate_Allows(t *testing.T) {
	d := Evaluate(baseRequest())
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Violations)
}

func TestEvaluate_MissingTenantID(t *testing.T) {
	req := baseRequest()
	req.Context.TenantID = ""
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "BadRequest_MissingTenantId")
}

func TestEvaluate_MissingPatientID(t *testing.T) {
	req := baseRequest()
	req.Subject.PatientID = ""
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "BadRequest_MissingPatientId")
}

func TestEvaluate_UnknownTool(t *testing.T) {
	req := baseRequest()
	req.Tool = models.Tool("delete_everything")
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "Tool_Unknown")
}

func TestEvaluate_UnknownRole(t *testing.T) {
	req := baseRequest()
	req.Role = models.Role("janitor")
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "BadRequest_UnknownRole")
}

func TestEvaluate_UnknownMode(t *testing.T) {
	req := baseRequest()
	req.Mode = models.Mode("BOGUS")
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "BadRequest_UnknownMode")
}

func TestEvaluate_KillSwitch(t *testing.T) {
	req := baseRequest()
	req.Mode = models.ModeKillSwitch
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "Mode_KillSwitch")
}

func TestEvaluate_ReadOnlyBlocksWrite(t *testing.T) {
	req := baseRequest()
	req.Tool = models.ToolCreateAppointment
	req.Mode = models.ModeReadOnly
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "Mode_ReadOnly_NoWrite")
}

func TestEvaluate_ReadOnlyDegradedOutputForListAppointments(t *testing.T) {
	req := baseRequest()
	req.Tool = models.ToolListAppointments
	req.Mode = models.ModeReadOnly
	d := Evaluate(req)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"slots_aggregated"}, d.Outputs)
}

func TestEvaluate_StepUpTreatedAsAllow(t *testing.T) {
	req := baseRequest()
	req.Tool = models.ToolCreateAppointment
	req.Mode = models.ModeStepUp
	d := Evaluate(req)
	assert.True(t, d.Allowed)
}

func TestEvaluate_MultipleViolationsAllReported(t *testing.T) {
	req := baseRequest()
	req.Context.TenantID = ""
	req.Subject.PatientID = ""
	req.Role = models.Role("janitor")
	d := Evaluate(req)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, "BadRequest_MissingTenantId")
	assert.Contains(t, d.Violations, "BadRequest_MissingPatientId")
	assert.Contains(t, d.Violations, "BadRequest_UnknownRole")
}

func TestSmsRateLimitViolation(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		violations, _, ok := SmsRateLimitViolation(ratelimit.Allowed)
		assert.True(t, ok)
		assert.Nil(t, violations)
	})

	t.Run("exceeded", func(t *testing.T) {
		violations, _, ok := SmsRateLimitViolation(ratelimit.Exceeded)
		assert.False(t, ok)
		assert.Equal(t, []string{"Inv_NoSmsBurst"}, violations)
	})

	t.Run("unavailable fails closed", func(t *testing.T) {
		violations, _, ok := SmsRateLimitViolation(ratelimit.Unavailable)
		assert.False(t, ok)
		assert.Contains(t, violations, "FAIL_CLOSED")
		assert.Contains(t, violations, "Inv_NoSmsBurst")
	})
}
