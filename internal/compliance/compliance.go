// Package compliance normalizes MCP messages crossing the gateway's
// public boundary so they conform to the target protocol revision
// regardless of backend quirks (spec §4.3). Every rule here is
// idempotent: applying any of these functions twice to the same message
// produces the same result as applying it once.
package compliance

import (
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
)

// PrimaryProtocolVersion is the gateway's preferred/fallback handshake
// revision, used when echoing a protocolVersion the client didn't ask
// for in a way the gateway recognizes.
const PrimaryProtocolVersion = mcp.LATEST_PROTOCOL_VERSION

// NormalizeHandshake applies rule 4 to an outgoing initialize response
// (echoing the client's requested protocol version when the gateway
// recognizes it, else its primary version) and confirms rule 1's
// top-level-only/empty-means-omitted invariant on whatever instructions
// the caller already resolved (spec §4.4's instructions priority).
//
// Rules 1's relocation hard case and rule 2's null-capability coercion
// both need the backend's raw, not-yet-decoded initialize response body:
// by the time a *mcp.InitializeResult reaches this function, mcp-go's
// typed decode has already silently dropped an "instructions" key nested
// under serverInfo (it isn't a field mcp.Implementation declares) and
// already collapsed "capability key absent" and "capability key present
// but null" to the same nil pointer. See RelocateServerInfoInstructions
// and CoerceNullCapabilities, which operate on rawBody and should run
// before this function when a transport can supply it (see DESIGN.md for
// why none currently do).
func NormalizeHandshake(result *mcp.InitializeResult, requestedVersion string) *mcp.InitializeResult {
	if result == nil {
		return nil
	}
	normalized := *result

	// Rule 4: echo what the client requested when the gateway supports it.
	if isRecognizedVersion(requestedVersion) {
		normalized.ProtocolVersion = requestedVersion
	} else {
		normalized.ProtocolVersion = PrimaryProtocolVersion
	}

	// Rule 1: instructions is top-level-only; empty means omitted.
	if normalized.Instructions == "" {
		normalized.Instructions = ""
	}

	return &normalized
}

// rawServerInfo mirrors the wire shape of InitializeResult.serverInfo
// loosely enough to recover an "instructions" key a non-compliant backend
// nested there instead of at the top level (spec §4.3 rule 1, spec §8
// scenario 1).
type rawServerInfo struct {
	Instructions string `json:"instructions"`
}

// RelocateServerInfoInstructions implements the hard case of rule 1: a
// backend that nests "instructions" inside "serverInfo" instead of at the
// top level of the initialize result. It must run against the backend's
// raw JSON response body, before mcp-go's typed decode discards the
// unrecognized field, which is why it takes rawBody rather than an already
// decoded *mcp.InitializeResult. If the top-level result already carries
// non-empty instructions (rule-1 priority: top level wins), rawBody is not
// consulted.
func RelocateServerInfoInstructions(result *mcp.InitializeResult, rawBody []byte) *mcp.InitializeResult {
	if result == nil {
		return nil
	}
	if result.Instructions != "" || len(rawBody) == 0 {
		return result
	}
	var envelope struct {
		Result struct {
			ServerInfo rawServerInfo `json:"serverInfo"`
		} `json:"result"`
		ServerInfo rawServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return result
	}
	relocated := *result
	if envelope.ServerInfo.Instructions != "" {
		relocated.Instructions = envelope.ServerInfo.Instructions
	} else if envelope.Result.ServerInfo.Instructions != "" {
		relocated.Instructions = envelope.Result.ServerInfo.Instructions
	}
	return &relocated
}

// capabilityKeys lists the capabilities sub-fields rule 2 governs, in the
// shape mcp-go's ServerCapabilities decodes them: a pointer, nil when the
// wire value was either absent or null.
var capabilityKeys = []string{"tools", "resources", "prompts", "logging", "completions"}

// CoerceNullCapabilities implements rule 2: a capabilities sub-field whose
// wire value is the literal JSON `null` denotes the backend declaring the
// capability (the key is present) without any detail object, and must be
// coerced to `{}` rather than treated as absent. encoding/json's pointer
// decoding already collapses "key absent" and "key present but null" to
// the same nil value, so — like rule 1 — recovering the distinction
// requires the raw, not-yet-decoded JSON body; it cannot be recovered from
// an already-decoded *mcp.InitializeResult (see RelocateServerInfoInstructions
// for the same constraint applied to rule 1, and DESIGN.md for why no
// transport currently retains rawBody).
func CoerceNullCapabilities(result *mcp.InitializeResult, rawBody []byte) *mcp.InitializeResult {
	if result == nil || len(rawBody) == 0 {
		return result
	}
	var envelope struct {
		Result struct {
			Capabilities map[string]json.RawMessage `json:"capabilities"`
		} `json:"result"`
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return result
	}
	raw := envelope.Capabilities
	if len(raw) == 0 {
		raw = envelope.Result.Capabilities
	}
	if len(raw) == 0 {
		return result
	}
	coerced := false
	for _, key := range capabilityKeys {
		v, present := raw[key]
		if present && string(v) == "null" {
			raw[key] = json.RawMessage("{}")
			coerced = true
		}
	}
	if !coerced {
		return result
	}
	capJSON, err := json.Marshal(raw)
	if err != nil {
		return result
	}
	var caps mcp.ServerCapabilities
	if err := json.Unmarshal(capJSON, &caps); err != nil {
		return result
	}
	normalized := *result
	normalized.Capabilities = caps
	return &normalized
}

// isRecognizedVersion reports whether version is one of the protocol
// revisions mcp-go lists in mcp.ValidProtocolVersions (a superset of
// spec §4.2's R_PRIMARY/R_FALLBACK pair).
func isRecognizedVersion(version string) bool {
	for _, v := range mcp.ValidProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// NormalizeToolDef applies rule 3: inputSchema defaults to an object
// schema, description defaults to empty, and tools with no name are
// dropped (logged via logger, nil if dropped).
func NormalizeToolDef(t mcp.Tool, logger *slog.Logger) *mcp.Tool {
	if t.Name == "" {
		logger.Warn("dropping tool definition with empty name")
		return nil
	}
	normalized := t
	if normalized.InputSchema.Type == "" {
		normalized.InputSchema.Type = "object"
	}
	return &normalized
}

// NormalizeToolDefs applies NormalizeToolDef across a slice, dropping any
// tool with no name.
func NormalizeToolDefs(tools []mcp.Tool, logger *slog.Logger) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if n := NormalizeToolDef(t, logger); n != nil {
			out = append(out, *n)
		}
	}
	return out
}

// ErrorCodeForHTTPStatus maps an HTTP status code onto the JSON-RPC
// server-error range per rule 5 (4xx/5xx -> -32000..-32099).
func ErrorCodeForHTTPStatus(status int) int {
	switch {
	case status >= 200 && status < 300:
		return 0
	case status >= 400 && status < 600:
		// Map the status's last two digits into the 100-wide server-error
		// range, keeping the mapping stable for debugging without claiming
		// JSON-RPC semantics for it. A 4xx and a 5xx with the same last two
		// digits (404 and 504) share a code, so the code alone does not
		// identify the status.
		offset := status % 100
		return -32000 - offset
	default:
		return -32000
	}
}

// NewErrorResponse builds a rule-5-compliant JSON-RPC error envelope.
func NewErrorResponse(id mcp.RequestId, code int, message string, data interface{}) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error: struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data,omitempty"`
		}{Code: code, Message: message, Data: data},
	}
}

// SynthesizeResourcesList produces the empty-but-schema-valid result for
// resources/list (rule 6), used when the backend doesn't implement it.
func SynthesizeResourcesList() mcp.ListResourcesResult {
	return mcp.ListResourcesResult{Resources: []mcp.Resource{}}
}

// SynthesizeResourceTemplatesList produces the empty-but-schema-valid
// result for resources/templates/list (rule 6).
func SynthesizeResourceTemplatesList() mcp.ListResourceTemplatesResult {
	return mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{}}
}
