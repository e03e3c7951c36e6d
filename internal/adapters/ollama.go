package adapters

import (
	"encoding/json"
	"strings"
	"time"
)

// OllamaAdapter converts Ollama chat requests to upstream format and parses
// upstream responses into Ollama NDJSON frames (component C, spec §4.2).
type OllamaAdapter struct{}

func NewOllamaAdapter() *OllamaAdapter { return &OllamaAdapter{} }

func (a *OllamaAdapter) Name() string { return "ollama" }

func (a *OllamaAdapter) ConvertRequest(payload []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return []byte("{}"), nil
	}

	upstream := map[string]any{}

	if model := asString(req["model"]); model != "" {
		upstream["model"] = model
	}

	var messages []any

	for _, raw := range asSlice(req["messages"]) {
		if msg := asMap(raw); msg != nil {
			messages = append(messages, convertOllamaMessage(msg))
		}
	}

	upstream["messages"] = messages

	if tools, ok := req["tools"]; ok {
		upstream["tools"] = tools
	}

	if options := asMap(req["options"]); options != nil {
		for k, v := range options {
			upstream[k] = v
		}
	}

	if stream, ok := req["stream"]; ok {
		upstream["stream"] = stream
	}

	return mustMarshal(upstream), nil
}

func convertOllamaMessage(msg map[string]any) map[string]any {
	out := map[string]any{"role": asString(msg["role"])}

	images := asSlice(msg["images"])
	content := asString(msg["content"])

	if len(images) > 0 {
		parts := []any{
			map[string]any{"type": ContentTypeText, "text": content},
		}

		for _, img := range images {
			b64 := asString(img)
			mime := detectImageMIME(b64)
			parts = append(parts, map[string]any{
				"type": ContentTypeImageURL,
				"image_url": map[string]any{
					"url": "data:" + mime + ";base64," + b64,
				},
			})
		}

		out["content"] = parts
	} else {
		out["content"] = content
	}

	if toolCalls := asSlice(msg["tool_calls"]); len(toolCalls) > 0 {
		converted := make([]any, 0, len(toolCalls))

		for _, raw := range toolCalls {
			tc := asMap(raw)
			fn := asMap(tc["function"])

			converted = append(converted, map[string]any{
				"id":   asString(tc["id"]),
				"type": "function",
				"function": map[string]any{
					"name":      asString(fn["name"]),
					"arguments": stringifyArguments(fn["arguments"]),
				},
			})
		}

		out["tool_calls"] = converted
	}

	if id := asString(msg["tool_call_id"]); id != "" {
		out["tool_call_id"] = id
	}

	if name := asString(msg["name"]); name != "" {
		out["name"] = name
	}

	return out
}

// stringifyArguments ensures tool-call arguments are always a JSON-encoded
// string in the upstream payload (spec §3.1 ToolCall invariant).
func stringifyArguments(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	return string(mustMarshal(v))
}

func (a *OllamaAdapter) DetectVisionRequest(payload []byte) bool {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return false
	}

	for _, raw := range asSlice(req["messages"]) {
		msg := asMap(raw)
		if len(asSlice(msg["images"])) > 0 {
			return true
		}
	}

	return false
}

func (a *OllamaAdapter) ParseResponse(upstream []byte) ([]byte, error) {
	var resp map[string]any
	if err := json.Unmarshal(upstream, &resp); err != nil {
		return nil, err
	}

	model := asString(resp["model"])
	created := int64(asFloat(resp["created"]))

	var content strings.Builder

	var toolCalls []any

	for _, raw := range asSlice(resp["choices"]) {
		choice := asMap(raw)
		msg := asMap(choice["message"])
		content.WriteString(asString(msg["content"]))

		for _, tcRaw := range asSlice(msg["tool_calls"]) {
			tc := asMap(tcRaw)
			fn := asMap(tc["function"])

			var args any
			if err := json.Unmarshal([]byte(asString(fn["arguments"])), &args); err != nil {
				args = map[string]any{}
			}

			toolCalls = append(toolCalls, map[string]any{
				"function": map[string]any{
					"name":      asString(fn["name"]),
					"arguments": args,
				},
			})
		}
	}

	message := map[string]any{"role": RoleAssistant, "content": content.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	out := map[string]any{
		"model":      model,
		"created_at": isoFromUnix(created),
		"message":    message,
		"done":       true,
	}

	if usage := asMap(resp["usage"]); usage != nil {
		out["prompt_eval_count"] = asInt(usage["prompt_tokens"])
		out["eval_count"] = asInt(usage["completion_tokens"])
	}

	return mustMarshal(out), nil
}

func isoFromUnix(sec int64) string {
	if sec == 0 {
		return ""
	}

	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// ollamaToolAccumulator reconstructs one tool call's arguments from
// fragmented deltas, keyed by function name per spec §4.2b / §9 Open
// Question 1.
type ollamaToolAccumulator struct {
	name      string
	arguments strings.Builder
}

// ollamaStreamState is the AdapterStreamState for the Ollama adapter.
type ollamaStreamState struct {
	model         string
	createdAt     int64
	doneReason    string
	usage         *upstreamUsage
	accumulators  map[string]*ollamaToolAccumulator
	toolOrder     []string
	indexToName   map[int]string
	finalized     bool
}

func (a *OllamaAdapter) NewStreamState() any {
	return &ollamaStreamState{
		accumulators: make(map[string]*ollamaToolAccumulator),
		indexToName:  make(map[int]string),
	}
}

func (a *OllamaAdapter) ParseStreamChunk(buffer []byte, state any) ([][]byte, []byte, error) {
	st := state.(*ollamaStreamState)

	frames, remainder, err := parseUpstreamFrames(buffer)
	if err != nil {
		return nil, nil, err
	}

	var events [][]byte

	for _, f := range frames {
		if f.done {
			events = append(events, a.finalize(st)...)
			continue
		}

		events = append(events, a.applyDelta(st, f.delta)...)
	}

	return events, remainder, nil
}

func (a *OllamaAdapter) applyDelta(st *ollamaStreamState, d *upstreamDelta) [][]byte {
	if d.Model != "" {
		st.model = d.Model
	}

	var events [][]byte

	for _, choice := range d.Choices {
		if choice.Delta.Content != "" {
			events = append(events, mustMarshal(map[string]any{
				"done":       false,
				"message":    map[string]any{"role": RoleAssistant, "content": choice.Delta.Content},
				"model":      st.model,
				"created_at": isoFromUnix(d.Created),
			}))
		}

		for _, tc := range choice.Delta.ToolCalls {
			if tc.Function.Name != "" {
				st.accumulators[tc.Function.Name] = &ollamaToolAccumulator{name: tc.Function.Name}
				st.indexToName[tc.Index] = tc.Function.Name

				found := false

				for _, n := range st.toolOrder {
					if n == tc.Function.Name {
						found = true
						break
					}
				}

				if !found {
					st.toolOrder = append(st.toolOrder, tc.Function.Name)
				}
			}

			if tc.Function.Arguments != "" {
				name := st.indexToName[tc.Index]
				if name == "" && len(st.toolOrder) > 0 {
					name = st.toolOrder[len(st.toolOrder)-1]
				}

				if acc, ok := st.accumulators[name]; ok {
					acc.arguments.WriteString(tc.Function.Arguments)
				}
			}
		}

		if choice.FinishReason != "" {
			st.doneReason = "stop"
			st.usage = d.Usage
			st.createdAt = d.Created
		}
	}

	return events
}

// finalize implements the two-frame termination shape of spec §9 Open
// Question 3: a tool-calls frame without done:true, followed by a separate
// terminal frame carrying done:true.
func (a *OllamaAdapter) finalize(st *ollamaStreamState) [][]byte {
	if st.finalized {
		return nil
	}

	st.finalized = true

	var events [][]byte

	if len(st.accumulators) > 0 {
		toolCalls := make([]any, 0, len(st.toolOrder))

		for _, name := range st.toolOrder {
			acc, ok := st.accumulators[name]
			if !ok {
				continue
			}

			var args any
			if err := json.Unmarshal([]byte(acc.arguments.String()), &args); err != nil {
				args = map[string]any{}
			}

			toolCalls = append(toolCalls, map[string]any{
				"function": map[string]any{"name": acc.name, "arguments": args},
			})
		}

		events = append(events, mustMarshal(map[string]any{
			"done":    false,
			"message": map[string]any{"role": RoleAssistant, "tool_calls": toolCalls},
			"model":   st.model,
		}))
	}

	final := map[string]any{
		"done":  true,
		"model": st.model,
	}

	if st.createdAt != 0 {
		final["created_at"] = isoFromUnix(st.createdAt)
	}

	if st.doneReason != "" {
		final["done_reason"] = st.doneReason
	}

	if st.usage != nil {
		final["prompt_eval_count"] = st.usage.PromptTokens
		final["eval_count"] = st.usage.CompletionTokens
	}

	events = append(events, mustMarshal(final))

	return events
}

func (a *OllamaAdapter) Flush(state any) [][]byte {
	st := state.(*ollamaStreamState)
	return a.finalize(st)
}
