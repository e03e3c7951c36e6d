// Package adapters implements the protocol translation core: bidirectional,
// streaming-aware converters between the public chat wire protocols (Ollama,
// OpenAI Chat Completions, Anthropic Messages, OpenAI Responses) and the
// single upstream protocol the gateway speaks (OpenAI Chat Completions).
package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Common role and content type constants shared across adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"

	ContentTypeText     = "text"
	ContentTypeToolUse  = "tool_use"
	ContentTypeImageURL = "image_url"

	StopReasonEndTurn = "end_turn"
)

// Adapter is the capability contract every protocol translator implements
// (spec §4.1). Implementations are stateless singletons; all mutable
// per-request state lives in the value returned by NewStreamState, which the
// Pipeline owns for the lifetime of one request.
type Adapter interface {
	// Name identifies the adapter for logging and routing.
	Name() string

	// ConvertRequest turns a protocol-native inbound payload into an
	// upstream (OpenAI Chat Completions) request body. Must be pure except
	// for identifier generation. Never returns an error for malformed
	// input — it converts what it can and drops what it can't.
	ConvertRequest(payload []byte) ([]byte, error)

	// DetectVisionRequest reports whether the inbound payload carries an
	// image content part native to the protocol.
	DetectVisionRequest(payload []byte) bool

	// ParseResponse converts one complete, non-streaming upstream response
	// body into the protocol-native outbound body.
	ParseResponse(upstream []byte) ([]byte, error)

	// NewStreamState allocates a fresh, empty per-request parse state.
	NewStreamState() any

	// ParseStreamChunk consumes buffer (previously-unconsumed bytes plus
	// the newly-arrived chunk already appended by the caller) and returns
	// newly-completed outbound JSON events (unwrapped — the pipeline adds
	// protocol framing) plus the bytes to carry over to the next call.
	ParseStreamChunk(buffer []byte, state any) (events [][]byte, remainder []byte, err error)

	// Flush is invoked once at end-of-stream so the adapter can close any
	// content block left open by an upstream connection that ended without
	// a [DONE] sentinel. A no-op if the stream already terminated cleanly.
	Flush(state any) [][]byte
}

// mintID returns a random lowercase hex identifier prefixed with prefix,
// e.g. "call_3fa85f6457174562b3fc2c963f66afa6".
func mintID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// mustMarshal marshals v, falling back to a minimal error object if v is
// somehow unmarshalable (should not happen for the adapter-constructed
// values in this package).
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}

	return data
}

// detectImageMIME sniffs a base64 payload's leading bytes to guess its MIME
// type (spec §4.2). Unknown prefixes default to image/jpeg.
func detectImageMIME(base64Data string) string {
	switch {
	case hasPrefix(base64Data, "/9j/"):
		return "image/jpeg"
	case hasPrefix(base64Data, "iVBOR"):
		return "image/png"
	case hasPrefix(base64Data, "R0lGO"):
		return "image/gif"
	case hasPrefix(base64Data, "UklGR"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// convertStopReasonAnthropic maps an upstream finish_reason to an Anthropic
// stop_reason (spec §4.3b).
func convertStopReasonAnthropic(reason string) string {
	switch reason {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "refusal"
	default:
		return StopReasonEndTurn
	}
}

// responsesStatusFromFinishReason maps an upstream finish_reason to a
// Responses API status (spec §4.4b).
func responsesStatusFromFinishReason(reason string) (status string, incompleteReason string) {
	switch reason {
	case "length":
		return "incomplete", "max_tokens"
	case "content_filter":
		return "incomplete", "content_filter"
	default:
		return "completed", ""
	}
}

// asString coerces a decoded-JSON value to a string, returning "" for
// anything that isn't already a string.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asMap coerces a decoded-JSON value to a map[string]any, returning nil for
// anything else.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// asSlice coerces a decoded-JSON value to a []any, returning nil for
// anything else.
func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// asFloat coerces a decoded-JSON number to float64, returning 0 otherwise.
func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// asInt coerces a decoded-JSON number to int, returning 0 otherwise.
func asInt(v any) int {
	return int(asFloat(v))
}
