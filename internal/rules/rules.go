// Package rules implements the hard-invariant checks that run before any
// call to the external policy engine. These are the checks the gateway
// trusts itself to enforce regardless of what the policy engine says.
package rules

import (
	"github.com/casf/verifier/internal/ratelimit"
	"github.com/casf/verifier/models"
)

// Decision is the verdict from the rules layer alone. Allowed=false means
// the request is terminally DENY. Violations carries every failing input
// check (tenant, patient, tool, role, mode) together; the mode checks
// (KillSwitch, NoWriteInReadOnly) run only when all input checks pass.
type Decision struct {
	Allowed    bool
	Violations []string
	Reason     string
	// Outputs carries a degraded-mode output whitelist, set only by the
	// READ_ONLY list_appointments carve-out.
	Outputs []string
}

// readOnlyAllowedOutputs is the conservative degraded-mode output
// whitelist for READ_ONLY mode, keyed by tool.
var readOnlyAllowedOutputs = map[models.Tool][]string{
	models.ToolListAppointments: {"slots_aggregated"},
}

// Evaluate runs the ordered hard-invariant table (TenantRequired,
// PatientRequired, KnownTool, KnownRole, KnownMode, KillSwitch,
// NoWriteInReadOnly). It never touches the network — the send_sms rate
// limit is a distinct orchestrator stage that runs after this one and is
// folded into the final violation set by the caller.
func Evaluate(req *models.VerifyRequest) Decision {
	var violations []string

	if req.Context.TenantID == "" {
		violations = append(violations, "BadRequest_MissingTenantId")
	}
	if req.Subject.PatientID == "" {
		violations = append(violations, "BadRequest_MissingPatientId")
	}
	if _, known := models.ToolRegistry[req.Tool]; !known {
		violations = append(violations, "Tool_Unknown")
	}
	if !models.KnownRoles[req.Role] {
		violations = append(violations, "BadRequest_UnknownRole")
	}
	if !models.KnownModes[req.Mode] {
		violations = append(violations, "BadRequest_UnknownMode")
	}

	if len(violations) > 0 {
		return Decision{Allowed: false, Violations: violations, Reason: joinReasons(violations)}
	}

	if req.Mode == models.ModeKillSwitch {
		violations = append(violations, "Mode_KillSwitch")
	}
	if req.Tool.IsWrite() && req.Mode == models.ModeReadOnly {
		violations = append(violations, "Mode_ReadOnly_NoWrite")
	}

	if len(violations) > 0 {
		return Decision{Allowed: false, Violations: violations, Reason: joinReasons(violations)}
	}

	if req.Mode == models.ModeReadOnly {
		if outputs, ok := readOnlyAllowedOutputs[req.Tool]; ok {
			return Decision{Allowed: true, Outputs: outputs, Reason: "OK (READ_ONLY degraded output)"}
		}
	}

	return Decision{Allowed: true, Reason: "OK"}
}

// SmsRateLimitViolation maps a rate-limit outcome for send_sms into the
// violation tags the orchestrator folds into the response. ok is false
// when the outcome denies the request.
func SmsRateLimitViolation(outcome ratelimit.Outcome) (violations []string, reason string, ok bool) {
	switch outcome {
	case ratelimit.Unavailable:
		return []string{"FAIL_CLOSED", "Inv_NoSmsBurst"}, "rate limiter unavailable (fail-closed)", false
	case ratelimit.Exceeded:
		return []string{"Inv_NoSmsBurst"}, "sms rate limit exceeded", false
	default:
		return nil, "", true
	}
}

func joinReasons(violations []string) string {
	out := violations[0]
	for _, v := range violations[1:] {
		out += "|" + v
	}
	return out
}
