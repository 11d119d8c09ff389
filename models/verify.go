package models

import (
	"time"

	"github.com/google/uuid"
)

// Mode is the caller-declared operating mode for a request.
type Mode string

const (
	ModeAllow      Mode = "ALLOW"
	ModeStepUp     Mode = "STEP_UP"
	ModeReadOnly   Mode = "READ_ONLY"
	ModeKillSwitch Mode = "KILL_SWITCH"
)

// KnownModes is the closed set of modes the rules layer recognizes.
var KnownModes = map[Mode]bool{
	ModeAllow:      true,
	ModeStepUp:     true,
	ModeReadOnly:   true,
	ModeKillSwitch: true,
}

// Role is a caller-declared role tag, checked against a closed set.
type Role string

// KnownRoles is the closed set of role tags accepted at v1.
var KnownRoles = map[Role]bool{
	Role("receptionist"): true,
	Role("nurse"):        true,
	Role("physician"):    true,
	Role("admin"):        true,
	Role("agent"):        true,
}

// Decision is the terminal verdict returned to the caller.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Tool identifies a side-effectful or read operation the caller wants to run.
type Tool string

const (
	ToolListAppointments    Tool = "list_appointments"
	ToolCreateAppointment   Tool = "create_appointment"
	ToolCancelAppointment   Tool = "cancel_appointment"
	ToolSendSMS             Tool = "send_sms"
	ToolReadPatientRecord   Tool = "read_patient_record"
	ToolUpdatePatientRecord Tool = "update_patient_record"
)

// ToolClass classifies a tool as READ or WRITE for the mode/rate-limit rules.
type ToolClass string

const (
	ToolClassRead  ToolClass = "READ"
	ToolClassWrite ToolClass = "WRITE"
)

// ToolRegistry is the closed set of recognized tools, their side-effect
// class, and the output channels they may return on ALLOW.
var ToolRegistry = map[Tool]ToolInfo{
	ToolListAppointments:    {Class: ToolClassRead, Outputs: []string{"appointment_list"}},
	ToolCreateAppointment:   {Class: ToolClassWrite, Outputs: []string{"appointment_confirmation"}},
	ToolCancelAppointment:   {Class: ToolClassWrite, Outputs: []string{"appointment_confirmation"}},
	ToolSendSMS:             {Class: ToolClassWrite, Outputs: []string{"sms_receipt"}},
	ToolReadPatientRecord:   {Class: ToolClassRead, Outputs: []string{"patient_record"}},
	ToolUpdatePatientRecord: {Class: ToolClassWrite, Outputs: []string{"patient_record"}},
}

// ToolInfo describes a registered tool's static properties.
type ToolInfo struct {
	Class   ToolClass
	Outputs []string
}

// IsWrite reports whether tool is registered as a WRITE tool. Unknown
// tools are treated as WRITE for the purpose of fail-closed defaults.
func (t Tool) IsWrite() bool {
	info, ok := ToolRegistry[t]
	if !ok {
		return true
	}
	return info.Class == ToolClassWrite
}

// Subject identifies the patient the request concerns.
type Subject struct {
	PatientID string `json:"patient_id"`
}

// RequestContext carries tenant scoping and optional provenance fields.
type RequestContext struct {
	TenantID  string     `json:"tenant_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Source    string     `json:"source,omitempty"`
}

// VerifyRequest is the immutable-after-parse decision request.
type VerifyRequest struct {
	RequestID uuid.UUID              `json:"request_id" validate:"required"`
	Tool      Tool                   `json:"tool" validate:"required"`
	Mode      Mode                   `json:"mode" validate:"required"`
	Role      Role                   `json:"role" validate:"required"`
	Subject   Subject                `json:"subject"`
	Args      map[string]interface{} `json:"args"`
	Context   RequestContext         `json:"context"`
}

// VerifyResponse is the terminal decision returned to the caller.
type VerifyResponse struct {
	Decision       Decision `json:"decision"`
	Violations     []string `json:"violations"`
	Reason         string   `json:"reason"`
	AllowedOutputs []string `json:"allowed_outputs"`
}
