package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Selectable decisions for a pending tool call.
const (
	DecisionDeny           = "deny"
	DecisionApproveOnce    = "approve_once"
	DecisionApproveSession = "approve_session"
)

// Approval scopes derived from a decision.
const (
	ScopeOnce    = "once"
	ScopeSession = "session"
)

// DefaultApprovalOptions is the ordered option list presented to the human.
var DefaultApprovalOptions = []string{DecisionDeny, DecisionApproveOnce, DecisionApproveSession}

func IsKnownDecision(d string) bool {
	switch d {
	case DecisionDeny, DecisionApproveOnce, DecisionApproveSession:
		return true
	}
	return false
}

// ToolResultPayload is the outcome of a gated tool call, recorded verbatim as
// the content of a role=tool message. It is the single source of truth for
// session approvals: later calls scan the message log for it instead of
// consulting any separate cache.
type ToolResultPayload struct {
	Decision         string         `json:"decision"`
	Scope            string         `json:"scope,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	ToolName         string         `json:"tool_name"`
	ToolArgs         map[string]any `json:"tool_args,omitempty"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	Result           string         `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
}

func (p ToolResultPayload) Encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// ParseToolResult decodes a role=tool message content. JSON is the current
// format; the legacy plain-text form ("approved session for <tool>") is
// accepted read-only for histories written before the tagged payload existed.
func ParseToolResult(content string) (ToolResultPayload, bool) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var p ToolResultPayload
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil && IsKnownDecision(p.Decision) {
			return p, true
		}
		return ToolResultPayload{}, false
	}
	return parseLegacyToolResult(trimmed)
}

func parseLegacyToolResult(s string) (ToolResultPayload, bool) {
	lower := strings.ToLower(s)
	var p ToolResultPayload
	switch {
	case strings.HasPrefix(lower, "approved session"):
		p.Decision = DecisionApproveSession
		p.Scope = ScopeSession
	case strings.HasPrefix(lower, "approved once"), strings.HasPrefix(lower, "approved"):
		p.Decision = DecisionApproveOnce
		p.Scope = ScopeOnce
	case strings.HasPrefix(lower, "denied"):
		p.Decision = DecisionDeny
	default:
		return ToolResultPayload{}, false
	}
	// "... for <tool>" names the tool in the legacy form.
	if i := strings.LastIndex(lower, " for "); i >= 0 {
		p.ToolName = strings.TrimSpace(s[i+len(" for "):])
	}
	return p, true
}

const decisionSchema = `{
  "type": "object",
  "required": ["type", "request_id", "decision"],
  "properties": {
    "type": {"const": "DECISION"},
    "protocol_version": {"type": "string"},
    "req_id": {"type": "string"},
    "request_id": {"type": "string", "minLength": 1},
    "decision": {"enum": ["deny", "approve_once", "approve_session"]}
  }
}`

var compiledDecisionSchema = jsonschema.MustCompileString("decision.schema.json", decisionSchema)

// ValidateDecision checks a raw DECISION frame at the transport boundary.
// Malformed payloads are rejected before any runtime state is touched.
func ValidateDecision(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	if err := compiledDecisionSchema.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", ErrProtoBadRequest, err)
	}
	return nil
}
