package adapters

import (
	"encoding/json"
	"strings"
)

// ResponsesAdapter converts OpenAI Responses API requests to upstream
// format and emits the Responses event life-cycle (output_item,
// content_part, annotations, function_call_arguments) from flat OpenAI
// deltas (component F, spec §4.4).
type ResponsesAdapter struct{}

func NewResponsesAdapter() *ResponsesAdapter { return &ResponsesAdapter{} }

func (a *ResponsesAdapter) Name() string { return "responses" }

func (a *ResponsesAdapter) ConvertRequest(payload []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return []byte("{}"), nil
	}

	upstream := map[string]any{}

	if model := asString(req["model"]); model != "" {
		upstream["model"] = model
	}

	var messages []any

	if instructions := asString(req["instructions"]); instructions != "" {
		messages = append(messages, map[string]any{"role": RoleSystem, "content": instructions})
	}

	switch input := req["input"].(type) {
	case string:
		messages = append(messages, map[string]any{"role": RoleUser, "content": input})
	case []any:
		for _, raw := range input {
			item := asMap(raw)

			if asString(item["type"]) == "function_call_output" {
				messages = append(messages, map[string]any{
					"role":         RoleTool,
					"tool_call_id": asString(item["call_id"]),
					"content":      stringifyToolResult(item["output"]),
				})

				continue
			}

			role := asString(item["role"])
			if role == "" {
				role = RoleUser
			}

			messages = append(messages, map[string]any{
				"role":    role,
				"content": normalizeResponsesContent(item["content"]),
			})
		}
	}

	upstream["messages"] = messages

	if reasoning := asMap(req["reasoning"]); reasoning != nil {
		if effort := asString(reasoning["effort"]); effort != "" {
			upstream["reasoning_effort"] = effort
		}
	}

	if text := asMap(req["text"]); text != nil {
		if format := asMap(text["format"]); format != nil {
			switch asString(format["type"]) {
			case "json_schema":
				upstream["response_format"] = map[string]any{
					"type": "json_schema",
					"json_schema": map[string]any{
						"name":   format["name"],
						"schema": format["schema"],
						"strict": format["strict"],
					},
				}
			case "json_object":
				upstream["response_format"] = map[string]any{"type": "json_object"}
			}
		}
	}

	if tc, ok := req["tool_choice"]; ok {
		upstream["tool_choice"] = flattenToolChoice(tc)
	}

	if tools := asSlice(req["tools"]); len(tools) > 0 {
		convertResponsesTools(tools, upstream)
	}

	for _, key := range []string{"metadata", "user", "truncation", "temperature", "top_p", "max_output_tokens"} {
		if v, ok := req[key]; ok {
			upstream[key] = v
		}
	}

	if stream, ok := req["stream"]; ok {
		upstream["stream"] = stream
	}

	return mustMarshal(upstream), nil
}

func convertResponsesTools(tools []any, upstream map[string]any) {
	var converted []any

	var webSearchOpts map[string]any

	for _, raw := range tools {
		t := asMap(raw)

		switch asString(t["type"]) {
		case "mcp":
			converted = append(converted, t)

		case "web_search", "web_search_preview":
			webSearchOpts = map[string]any{}
			if v, ok := t["search_context_size"]; ok {
				webSearchOpts["search_context_size"] = v
			}

			if v, ok := t["user_location"]; ok {
				webSearchOpts["user_location"] = v
			}

		default:
			fn := map[string]any{
				"type":     "function",
				"function": normalizeResponsesFunctionTool(t),
			}

			for _, ext := range []string{"cache_control", "defer_loading", "allowed_callers", "input_examples"} {
				if v, ok := t[ext]; ok {
					fn[ext] = v
				}
			}

			converted = append(converted, fn)
		}
	}

	if len(converted) > 0 {
		upstream["tools"] = converted
	}

	if webSearchOpts != nil {
		upstream["web_search_options"] = webSearchOpts
	}
}

func normalizeResponsesFunctionTool(t map[string]any) map[string]any {
	params := asMap(t["parameters"])
	if params == nil {
		params = map[string]any{}
	}

	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}

	return map[string]any{
		"name":        asString(t["name"]),
		"description": asString(t["description"]),
		"parameters":  params,
	}
}

func flattenToolChoice(v any) any {
	switch tc := v.(type) {
	case string:
		return tc
	case map[string]any:
		switch asString(tc["type"]) {
		case "auto", "none":
			return asString(tc["type"])
		case "required", "tool":
			return "required"
		default:
			return tc
		}
	default:
		return v
	}
}

func normalizeResponsesContent(v any) any {
	items, ok := v.([]any)
	if !ok {
		return v
	}

	var parts []any

	for _, raw := range items {
		item := asMap(raw)

		switch asString(item["type"]) {
		case "input_text":
			parts = append(parts, map[string]any{"type": ContentTypeText, "text": asString(item["text"])})

		case "input_image":
			url := asString(item["image_url"])
			if url == "" {
				url = asString(item["url"])
			}

			parts = append(parts, map[string]any{"type": ContentTypeImageURL, "image_url": map[string]any{"url": url}})

		case "input_file":
			file := item["file_id"]
			if file == nil {
				file = item["file_data"]
			}

			parts = append(parts, map[string]any{"type": "file", "file": file})

		case "input_audio":
			audio := item["audio"]
			if audio == nil {
				audio = map[string]any{"url": item["url"]}
			}

			parts = append(parts, map[string]any{"type": "input_audio", "input_audio": audio})

		case "output_text", "tool_result":
			parts = append(parts, map[string]any{"type": ContentTypeText, "text": asString(item["text"])})

		default:
			parts = append(parts, raw)
		}
	}

	if len(parts) == 1 {
		if p := asMap(parts[0]); p != nil && asString(p["type"]) == ContentTypeText {
			return asString(p["text"])
		}
	}

	return parts
}

func (a *ResponsesAdapter) DetectVisionRequest(payload []byte) bool {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return false
	}

	items, ok := req["input"].([]any)
	if !ok {
		return false
	}

	for _, raw := range items {
		item := asMap(raw)

		for _, cRaw := range asSlice(item["content"]) {
			if asString(asMap(cRaw)["type"]) == "input_image" {
				return true
			}
		}
	}

	return false
}

func (a *ResponsesAdapter) ParseResponse(upstream []byte) ([]byte, error) {
	var resp map[string]any
	if err := json.Unmarshal(upstream, &resp); err != nil {
		return nil, err
	}

	model := asString(resp["model"])

	var (
		output       []any
		outputText   strings.Builder
		finishReason string
		annotations  []any
		toolCalls    []any
	)

	for _, raw := range asSlice(resp["choices"]) {
		choice := asMap(raw)
		msg := asMap(choice["message"])

		if fr := asString(choice["finish_reason"]); fr != "" {
			finishReason = fr
		}

		if rc := asString(msg["reasoning_content"]); rc != "" {
			output = append(output, map[string]any{
				"type":    "reasoning",
				"id":      mintID("reasoning_"),
				"summary": []any{},
				"content": []any{map[string]any{"type": "reasoning_text", "text": rc}},
			})
		}

		outputText.WriteString(asString(msg["content"]))

		for _, annRaw := range asSlice(msg["annotations"]) {
			ann := asMap(annRaw)
			if asString(ann["type"]) != "url_citation" {
				continue
			}

			uc := asMap(ann["url_citation"])
			annotations = append(annotations, map[string]any{
				"type":       "url_citation",
				"start_index": asInt(uc["start_index"]),
				"end_index":   asInt(uc["end_index"]),
				"url":         asString(uc["url"]),
				"title":       asString(uc["title"]),
			})
		}

		toolCalls = append(toolCalls, asSlice(msg["tool_calls"])...)
	}

	if outputText.Len() > 0 {
		if annotations == nil {
			annotations = []any{}
		}

		output = append(output, map[string]any{
			"type":   "message",
			"id":     mintID("msg_"),
			"role":   RoleAssistant,
			"status": "completed",
			"content": []any{
				map[string]any{"type": "output_text", "text": outputText.String(), "annotations": annotations},
			},
		})
	}

	for _, tcRaw := range toolCalls {
		tc := asMap(tcRaw)
		fn := asMap(tc["function"])

		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        mintID("fc_"),
			"call_id":   asString(tc["id"]),
			"name":      asString(fn["name"]),
			"arguments": asString(fn["arguments"]),
		})
	}

	status, incompleteReason := responsesStatusFromFinishReason(finishReason)

	var incompleteDetails any
	if status == "incomplete" {
		incompleteDetails = map[string]any{"reason": incompleteReason}
	}

	out := map[string]any{
		"id":                  mintID("resp_"),
		"object":              "response",
		"model":               model,
		"status":              status,
		"incomplete_details":  incompleteDetails,
		"output":              output,
		"output_text":         outputText.String(),
		"usage":               responsesUsageFromUpstreamMap(asMap(resp["usage"])),
	}

	return mustMarshal(out), nil
}

func responsesUsageFromUpstreamMap(usage map[string]any) map[string]any {
	var cached, textIn, audioIn int
	if d := asMap(usage["prompt_tokens_details"]); d != nil {
		cached = asInt(d["cached_tokens"])
		textIn = asInt(d["text_tokens"])
		audioIn = asInt(d["audio_tokens"])
	}

	var reasoningOut, textOut int
	if d := asMap(usage["completion_tokens_details"]); d != nil {
		reasoningOut = asInt(d["reasoning_tokens"])
		textOut = asInt(d["text_tokens"])
	}

	out := map[string]any{
		"input_tokens":  asInt(usage["prompt_tokens"]),
		"output_tokens": asInt(usage["completion_tokens"]),
		"total_tokens":  asInt(usage["total_tokens"]),
		"input_tokens_details": map[string]any{
			"cached_tokens": cached, "text_tokens": textIn, "audio_tokens": audioIn,
		},
		"output_tokens_details": map[string]any{
			"reasoning_tokens": reasoningOut, "text_tokens": textOut,
		},
	}

	if cost, ok := usage["cost"]; ok {
		out["cost"] = cost
	}

	return out
}

func usageFromUpstreamUsage(u *upstreamUsage) map[string]any {
	if u == nil {
		return map[string]any{
			"input_tokens": 0, "output_tokens": 0, "total_tokens": 0,
			"input_tokens_details":  map[string]any{"cached_tokens": 0, "text_tokens": 0, "audio_tokens": 0},
			"output_tokens_details": map[string]any{"reasoning_tokens": 0, "text_tokens": 0},
		}
	}

	var cached, textIn, audioIn int
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
		textIn = u.PromptTokensDetails.TextTokens
		audioIn = u.PromptTokensDetails.AudioTokens
	}

	var reasoningOut, textOut int
	if u.CompletionTokensDetails != nil {
		reasoningOut = u.CompletionTokensDetails.ReasoningTokens
		textOut = u.CompletionTokensDetails.TextTokens
	}

	out := map[string]any{
		"input_tokens": u.PromptTokens, "output_tokens": u.CompletionTokens, "total_tokens": u.TotalTokens,
		"input_tokens_details":  map[string]any{"cached_tokens": cached, "text_tokens": textIn, "audio_tokens": audioIn},
		"output_tokens_details": map[string]any{"reasoning_tokens": reasoningOut, "text_tokens": textOut},
	}

	if u.Cost != nil {
		out["cost"] = *u.Cost
	}

	return out
}

// responsesToolAccumulator reconstructs one function call's arguments,
// keyed by the upstream tool-call index (spec §4.4c).
type responsesToolAccumulator struct {
	outputIndex int
	itemID      string
	arguments   strings.Builder
}

// responsesStreamState is the AdapterStreamState for the Responses adapter.
type responsesStreamState struct {
	initialized        bool
	responseID         string
	createdAt          int64
	model              string
	outputText         strings.Builder
	usage              *upstreamUsage
	toolCalls          map[int]*responsesToolAccumulator
	toolOrder          []int
	itemID             string
	outputItemAdded    bool
	contentPartAdded   bool
	annotationAdded    bool
	contentPartDone    bool
	outputItemDone     bool
	currentAnnotations []any
	finalized          bool
}

func (a *ResponsesAdapter) NewStreamState() any {
	return &responsesStreamState{
		responseID: mintID("resp_"),
		toolCalls:  make(map[int]*responsesToolAccumulator),
	}
}

func (a *ResponsesAdapter) ParseStreamChunk(buffer []byte, state any) ([][]byte, []byte, error) {
	st := state.(*responsesStreamState)

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

func (a *ResponsesAdapter) applyDelta(st *responsesStreamState, d *upstreamDelta) [][]byte {
	var events [][]byte

	if !st.initialized {
		st.initialized = true
		st.model = d.Model
		st.createdAt = d.Created

		envelope := a.envelope(st, "in_progress", nil)
		events = append(events, mustMarshal(map[string]any{"type": "response.created", "response": envelope}))
		events = append(events, mustMarshal(map[string]any{"type": "response.in_progress", "response": envelope}))
	}

	if d.Usage != nil {
		st.usage = d.Usage
	}

	hasAnyDelta := false

	for _, choice := range d.Choices {
		if choice.Delta.Content != "" || len(choice.Delta.ToolCalls) > 0 || len(choice.Delta.Annotations) > 0 {
			hasAnyDelta = true
		}
	}

	if hasAnyDelta && !st.outputItemAdded {
		st.outputItemAdded = true
		st.itemID = mintID("msg_")
		events = append(events, mustMarshal(map[string]any{
			"type":         "response.output_item.added",
			"output_index": 0,
			"item": map[string]any{
				"id": st.itemID, "type": "message", "role": RoleAssistant, "status": "in_progress", "content": []any{},
			},
		}))
	}

	for _, choice := range d.Choices {
		if choice.Delta.Content != "" {
			if !st.contentPartAdded {
				st.contentPartAdded = true
				events = append(events, mustMarshal(map[string]any{
					"type": "response.content_part.added", "output_index": 0, "item_id": st.itemID, "content_index": 0,
					"part": map[string]any{"type": "output_text", "text": "", "annotations": []any{}},
				}))
			}

			st.outputText.WriteString(choice.Delta.Content)
			events = append(events, mustMarshal(map[string]any{
				"type": "response.output_text.delta", "output_index": 0, "item_id": st.itemID, "content_index": 0,
				"delta": choice.Delta.Content,
			}))
		}

		if len(choice.Delta.Annotations) > 0 && !st.annotationAdded {
			st.annotationAdded = true

			for i, annRaw := range choice.Delta.Annotations {
				if annRaw.URLCitation == nil {
					continue
				}

				ann := map[string]any{
					"type":        "url_citation",
					"start_index": annRaw.URLCitation.StartIndex,
					"end_index":   annRaw.URLCitation.EndIndex,
					"url":         annRaw.URLCitation.URL,
					"title":       annRaw.URLCitation.Title,
				}

				st.currentAnnotations = append(st.currentAnnotations, ann)
				events = append(events, mustMarshal(map[string]any{
					"type": "response.output_text.annotation_added", "output_index": 0, "item_id": st.itemID,
					"content_index": 0, "annotation_index": i, "annotation": ann,
				}))
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc, exists := st.toolCalls[tc.Index]
			if !exists {
				outputIndex := tc.Index
				if st.outputText.Len() > 0 {
					outputIndex++
				}

				itemID := tc.ID
				if itemID == "" {
					itemID = mintID("fc_")
				}

				acc = &responsesToolAccumulator{outputIndex: outputIndex, itemID: itemID}
				st.toolCalls[tc.Index] = acc
				st.toolOrder = append(st.toolOrder, tc.Index)
			}

			if tc.Function.Arguments != "" {
				acc.arguments.WriteString(tc.Function.Arguments)
				events = append(events, mustMarshal(map[string]any{
					"type": "response.function_call_arguments.delta",
					"output_index": acc.outputIndex, "item_id": acc.itemID, "delta": tc.Function.Arguments,
				}))
			}
		}
	}

	return events
}

func (a *ResponsesAdapter) finalize(st *responsesStreamState) [][]byte {
	if st.finalized {
		return nil
	}

	st.finalized = true

	var events [][]byte

	annotations := st.currentAnnotations
	if annotations == nil {
		annotations = []any{}
	}

	if st.contentPartAdded && !st.contentPartDone {
		st.contentPartDone = true
		events = append(events, mustMarshal(map[string]any{
			"type": "response.content_part.done", "output_index": 0, "item_id": st.itemID, "content_index": 0,
			"part": map[string]any{"type": "output_text", "text": st.outputText.String(), "annotations": annotations},
		}))
	}

	if st.outputItemAdded && !st.outputItemDone {
		st.outputItemDone = true
		events = append(events, mustMarshal(map[string]any{
			"type": "response.output_item.done", "output_index": 0,
			"item": map[string]any{
				"id": st.itemID, "type": "message", "role": RoleAssistant, "status": "completed",
				"content": []any{map[string]any{"type": "output_text", "text": st.outputText.String(), "annotations": annotations}},
			},
		}))
	}

	if st.outputText.Len() > 0 {
		events = append(events, mustMarshal(map[string]any{
			"type": "response.output_text.done", "output_index": 0, "item_id": st.itemID, "content_index": 0,
			"text": st.outputText.String(),
		}))
	}

	for _, idx := range st.toolOrder {
		acc := st.toolCalls[idx]
		events = append(events, mustMarshal(map[string]any{
			"type": "response.function_call_arguments.done",
			"output_index": acc.outputIndex, "item_id": acc.itemID, "arguments": acc.arguments.String(),
		}))
	}

	envelope := a.envelope(st, "completed", st.usage)
	events = append(events, mustMarshal(map[string]any{"type": "response.completed", "response": envelope}))

	return events
}

func (a *ResponsesAdapter) envelope(st *responsesStreamState, status string, usage *upstreamUsage) map[string]any {
	env := map[string]any{
		"id":          st.responseID,
		"object":      "response",
		"created_at":  st.createdAt,
		"model":       st.model,
		"status":      status,
		"output":      []any{},
		"output_text": st.outputText.String(),
	}

	if usage != nil {
		env["usage"] = usageFromUpstreamUsage(usage)
	}

	return env
}

func (a *ResponsesAdapter) Flush(state any) [][]byte {
	return a.finalize(state.(*responsesStreamState))
}
