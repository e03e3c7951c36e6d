package adapters

import (
	"encoding/json"
	"strings"
)

// AnthropicAdapter converts Anthropic Messages requests to upstream format
// and rebuilds Anthropic's stateful message/content_block event stream from
// flat OpenAI deltas (component E, spec §4.3).
type AnthropicAdapter struct{}

func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) ConvertRequest(payload []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return []byte("{}"), nil
	}

	upstream := map[string]any{}

	if model := asString(req["model"]); model != "" {
		upstream["model"] = model
	}

	var messages []any

	if sys := systemText(req["system"]); sys != "" {
		messages = append(messages, map[string]any{"role": RoleSystem, "content": sys})
	}

	for _, raw := range asSlice(req["messages"]) {
		if msg := asMap(raw); msg != nil {
			messages = append(messages, convertAnthropicMessage(msg))
		}
	}

	upstream["messages"] = messages

	for _, key := range []string{"max_tokens", "temperature", "top_p", "top_k"} {
		if v, ok := req[key]; ok {
			upstream[key] = v
		}
	}

	if tools := asSlice(req["tools"]); len(tools) > 0 {
		converted := make([]any, 0, len(tools))

		for _, raw := range tools {
			t := asMap(raw)
			converted = append(converted, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        asString(t["name"]),
					"description": asString(t["description"]),
					"parameters":  t["input_schema"],
				},
			})
		}

		upstream["tools"] = converted
	}

	if stream, ok := req["stream"]; ok {
		upstream["stream"] = stream
	}

	return mustMarshal(upstream), nil
}

// systemText normalizes Anthropic's `system` field, which may be a plain
// string or an array of text blocks, into a single string.
func systemText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	blocks, ok := v.([]any)
	if !ok {
		return ""
	}

	var b strings.Builder

	for _, raw := range blocks {
		b.WriteString(asString(asMap(raw)["text"]))
	}

	return b.String()
}

// convertAnthropicMessage converts one Anthropic message (string or
// content-block-array content) to its upstream shape. A user message whose
// content includes a tool_result block is encoded bit-for-bit as the source
// does it: the pseudo tool_calls[] entry stays on the user message rather
// than becoming a separate {role:"tool"} message (spec §9 Open Question 2).
func convertAnthropicMessage(msg map[string]any) map[string]any {
	role := asString(msg["role"])

	blocks, isBlocks := msg["content"].([]any)
	if !isBlocks {
		return map[string]any{"role": role, "content": asString(msg["content"])}
	}

	var (
		textParts    []string
		contentParts []any
		toolCalls    []any
		hasImage     bool
	)

	for _, raw := range blocks {
		block := asMap(raw)

		switch asString(block["type"]) {
		case ContentTypeText:
			text := asString(block["text"])
			textParts = append(textParts, text)
			contentParts = append(contentParts, map[string]any{"type": ContentTypeText, "text": text})

		case "image":
			hasImage = true
			source := asMap(block["source"])

			mediaType := asString(source["media_type"])
			if mediaType == "" {
				mediaType = "image/jpeg"
			}

			contentParts = append(contentParts, map[string]any{
				"type": ContentTypeImageURL,
				"image_url": map[string]any{
					"url": "data:" + mediaType + ";base64," + asString(source["data"]),
				},
			})

		case ContentTypeToolUse:
			toolCalls = append(toolCalls, map[string]any{
				"id":   asString(block["id"]),
				"type": "function",
				"function": map[string]any{
					"name":      asString(block["name"]),
					"arguments": stringifyArguments(block["input"]),
				},
			})

		case "tool_result":
			toolCalls = append(toolCalls, map[string]any{
				"id":   asString(block["tool_use_id"]),
				"type": "function",
				"function": map[string]any{
					"name":      "",
					"arguments": stringifyToolResult(block["content"]),
				},
			})

		default:
			// Unknown block types are dropped silently (spec §4.1).
		}
	}

	out := map[string]any{"role": role}

	if hasImage {
		out["content"] = contentParts
	} else {
		out["content"] = strings.Join(textParts, "")
	}

	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}

	return out
}

// stringifyToolResult renders an Anthropic tool_result block's content
// (string, or array of text blocks) as a single string.
func stringifyToolResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	if blocks, ok := v.([]any); ok {
		var b strings.Builder

		for _, raw := range blocks {
			b.WriteString(asString(asMap(raw)["text"]))
		}

		return b.String()
	}

	return string(mustMarshal(v))
}

func (a *AnthropicAdapter) DetectVisionRequest(payload []byte) bool {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return false
	}

	for _, raw := range asSlice(req["messages"]) {
		msg := asMap(raw)

		for _, blockRaw := range asSlice(msg["content"]) {
			if asString(asMap(blockRaw)["type"]) == "image" {
				return true
			}
		}
	}

	return false
}

func (a *AnthropicAdapter) ParseResponse(upstream []byte) ([]byte, error) {
	var resp map[string]any
	if err := json.Unmarshal(upstream, &resp); err != nil {
		return nil, err
	}

	model := asString(resp["model"])

	var (
		textBuilder  strings.Builder
		toolCalls    []any
		finishReason string
	)

	for _, raw := range asSlice(resp["choices"]) {
		choice := asMap(raw)
		msg := asMap(choice["message"])
		textBuilder.WriteString(asString(msg["content"]))

		if fr := asString(choice["finish_reason"]); fr != "" {
			finishReason = fr
		}

		for _, tcRaw := range asSlice(msg["tool_calls"]) {
			tc := asMap(tcRaw)
			fn := asMap(tc["function"])

			var input any

			argsStr := asString(fn["arguments"])
			if err := json.Unmarshal([]byte(argsStr), &input); err != nil {
				input = map[string]any{"arguments": argsStr}
			}

			toolCalls = append(toolCalls, map[string]any{
				"type":  ContentTypeToolUse,
				"id":    asString(tc["id"]),
				"name":  asString(fn["name"]),
				"input": input,
			})
		}
	}

	var content []any

	if textBuilder.Len() > 0 {
		content = append(content, map[string]any{"type": ContentTypeText, "text": textBuilder.String()})
	}

	content = append(content, toolCalls...)

	usage := asMap(resp["usage"])
	inputTokens, cacheRead := splitCachedTokens(usage)

	out := map[string]any{
		"id":            mintID("msg_"),
		"type":          "message",
		"role":          RoleAssistant,
		"content":       content,
		"model":         model,
		"stop_reason":   convertStopReasonAnthropic(finishReason),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":                inputTokens,
			"output_tokens":               asInt(usage["completion_tokens"]),
			"cache_read_input_tokens":     cacheRead,
			"cache_creation_input_tokens": 0,
		},
	}

	return mustMarshal(out), nil
}

func splitCachedTokens(usage map[string]any) (inputTokens, cacheRead int) {
	promptTokens := asInt(usage["prompt_tokens"])

	if details := asMap(usage["prompt_tokens_details"]); details != nil {
		cacheRead = asInt(details["cached_tokens"])
	}

	return promptTokens - cacheRead, cacheRead
}

// anthropicToolAccumulator reconstructs one tool call's arguments, keyed by
// function name per spec §9 Open Question 1.
type anthropicToolAccumulator struct {
	id          string
	name        string
	argsBuilder strings.Builder
}

// anthropicStreamState is the AdapterStreamState for the Anthropic adapter.
type anthropicStreamState struct {
	hasStarted             bool
	hasStartedCurrentBlock bool
	currentIndex           int
	currentType            string
	currentToolName        string
	functions              map[string]*anthropicToolAccumulator
	inputTokens            int
	cacheReadTokens        int
	outputTokens           int
	stopReason             string
	messageID              string
	model                  string
	finalized              bool
}

func (a *AnthropicAdapter) NewStreamState() any {
	return &anthropicStreamState{
		currentIndex: -1,
		functions:    make(map[string]*anthropicToolAccumulator),
	}
}

func (a *AnthropicAdapter) ParseStreamChunk(buffer []byte, state any) ([][]byte, []byte, error) {
	st := state.(*anthropicStreamState)

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

func (a *AnthropicAdapter) applyDelta(st *anthropicStreamState, d *upstreamDelta) [][]byte {
	var events [][]byte

	if d.Usage != nil {
		st.cacheReadTokens = 0
		if d.Usage.PromptTokensDetails != nil {
			st.cacheReadTokens = d.Usage.PromptTokensDetails.CachedTokens
		}

		st.inputTokens = d.Usage.PromptTokens - st.cacheReadTokens
		st.outputTokens = d.Usage.CompletionTokens
	}

	if !st.hasStarted {
		st.hasStarted = true
		st.messageID = mintID("msg_")
		st.model = d.Model
		events = append(events, mustMarshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            st.messageID,
				"type":          "message",
				"role":          RoleAssistant,
				"content":       []any{},
				"model":         st.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":                st.inputTokens,
					"output_tokens":               0,
					"cache_read_input_tokens":     st.cacheReadTokens,
					"cache_creation_input_tokens": 0,
				},
			},
		}))
	}

	for _, choice := range d.Choices {
		if choice.Delta.Content != "" {
			if !st.hasStartedCurrentBlock {
				st.currentIndex++
				st.hasStartedCurrentBlock = true
				st.currentType = ContentTypeText
				events = append(events, mustMarshal(map[string]any{
					"type":          "content_block_start",
					"index":         st.currentIndex,
					"content_block": map[string]any{"type": ContentTypeText, "text": ""},
				}))
			}

			events = append(events, mustMarshal(map[string]any{
				"type":  "content_block_delta",
				"index": st.currentIndex,
				"delta": map[string]any{"type": ContentTypeText, "text": choice.Delta.Content},
			}))
		}

		for _, tc := range choice.Delta.ToolCalls {
			if tc.Function.Name != "" {
				id := tc.ID
				if id == "" {
					id = mintID("call_")
				}

				st.functions[tc.Function.Name] = &anthropicToolAccumulator{id: id, name: tc.Function.Name}
				st.currentToolName = tc.Function.Name

				if st.hasStartedCurrentBlock && st.currentType == ContentTypeText {
					events = append(events, mustMarshal(map[string]any{"type": "content_block_stop", "index": st.currentIndex}))
					st.hasStartedCurrentBlock = false
				}

				if !st.hasStartedCurrentBlock {
					st.currentIndex++
					st.hasStartedCurrentBlock = true
					st.currentType = ContentTypeToolUse

					acc := st.functions[tc.Function.Name]
					events = append(events, mustMarshal(map[string]any{
						"type":  "content_block_start",
						"index": st.currentIndex,
						"content_block": map[string]any{
							"type":  ContentTypeToolUse,
							"id":    acc.id,
							"name":  acc.name,
							"input": map[string]any{},
						},
					}))
				}
			}

			if tc.Function.Arguments != "" {
				if acc, ok := st.functions[st.currentToolName]; ok {
					acc.argsBuilder.WriteString(tc.Function.Arguments)
					events = append(events, mustMarshal(map[string]any{
						"type":  "content_block_delta",
						"index": st.currentIndex,
						"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
					}))
				}
			}
		}

		if choice.FinishReason != "" {
			st.stopReason = convertStopReasonAnthropic(choice.FinishReason)
		}
	}

	return events
}

func (a *AnthropicAdapter) finalize(st *anthropicStreamState) [][]byte {
	if st.finalized {
		return nil
	}

	st.finalized = true

	var events [][]byte

	if st.hasStartedCurrentBlock {
		events = append(events, mustMarshal(map[string]any{"type": "content_block_stop", "index": st.currentIndex}))
	}

	stopReason := st.stopReason
	if stopReason == "" {
		stopReason = StopReasonEndTurn
	}

	events = append(events, mustMarshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":                st.inputTokens,
			"output_tokens":               st.outputTokens,
			"cache_read_input_tokens":     st.cacheReadTokens,
			"cache_creation_input_tokens": 0,
		},
	}))

	events = append(events, mustMarshal(map[string]any{"type": "message_stop"}))

	return events
}

func (a *AnthropicAdapter) Flush(state any) [][]byte {
	return a.finalize(state.(*anthropicStreamState))
}
