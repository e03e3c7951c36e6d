package adapters

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponsesAdapter_ConvertRequest_InputNormalization(t *testing.T) {
	a := NewResponsesAdapter()

	payload := []byte(`{
		"model": "gpt-4o",
		"instructions": "be terse",
		"input": [
			{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"},{"type":"input_image","image_url":"data:image/png;base64,abc"}]},
			{"type":"function_call_output","call_id":"call_1","output":"sunny"}
		],
		"reasoning": {"effort":"high"},
		"text": {"format": {"type":"json_object"}},
		"tool_choice": {"type":"required"},
		"tools": [
			{"type":"function","name":"get_weather","parameters":{"properties":{}}},
			{"type":"web_search","search_context_size":"medium"}
		]
	}`)

	out, err := a.ConvertRequest(payload)
	require.NoError(t, err)

	var upstream map[string]any
	require.NoError(t, json.Unmarshal(out, &upstream))

	messages := upstream["messages"].([]any)
	require.Len(t, messages, 3)
	assert.Equal(t, RoleSystem, messages[0].(map[string]any)["role"])

	userMsg := messages[1].(map[string]any)
	content := userMsg["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, ContentTypeImageURL, content[1].(map[string]any)["type"])

	toolMsg := messages[2].(map[string]any)
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Equal(t, "sunny", toolMsg["content"])

	assert.Equal(t, "high", upstream["reasoning_effort"])
	assert.Equal(t, map[string]any{"type": "json_object"}, upstream["response_format"])
	assert.Equal(t, "required", upstream["tool_choice"])

	tools := upstream["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "object", fn["parameters"].(map[string]any)["type"])

	opts := upstream["web_search_options"].(map[string]any)
	assert.Equal(t, "medium", opts["search_context_size"])
}

func TestResponsesAdapter_ConvertRequest_SingleTextPartCollapses(t *testing.T) {
	a := NewResponsesAdapter()

	payload := []byte(`{"model":"gpt-4o","input":[{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}]}`)

	out, err := a.ConvertRequest(payload)
	require.NoError(t, err)

	var upstream map[string]any
	require.NoError(t, json.Unmarshal(out, &upstream))

	messages := upstream["messages"].([]any)
	assert.Equal(t, "hi", messages[0].(map[string]any)["content"])
}

// TestResponsesAdapter_ReasoningAndToolCallOrdering is spec §8.3 scenario 4.
func TestResponsesAdapter_ReasoningAndToolCallOrdering(t *testing.T) {
	a := NewResponsesAdapter()

	upstream := []byte(`{
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"reasoning_content": "step 1",
				"content": "answer",
				"tool_calls": [{"id":"call_1","function":{"name":"get_weather","arguments":"{}"}}]
			}
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	out, err := a.ParseResponse(upstream)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))

	output := resp["output"].([]any)
	require.Len(t, output, 3)
	assert.Equal(t, "reasoning", output[0].(map[string]any)["type"])
	assert.Equal(t, "message", output[1].(map[string]any)["type"])
	assert.Equal(t, "function_call", output[2].(map[string]any)["type"])
	assert.Equal(t, "answer", resp["output_text"])
}

func TestResponsesAdapter_StreamingLifecycle(t *testing.T) {
	a := NewResponsesAdapter()
	state := a.NewStreamState()

	stream := "data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1,\"total_tokens\":4}}\n\n" +
		"data: [DONE]\n\n"

	events, remainder, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)
	assert.Empty(t, remainder)

	var types []string

	for _, e := range events {
		var m map[string]any
		require.NoError(t, json.Unmarshal(e, &m))
		types = append(types, m["type"].(string))
	}

	assert.Equal(t, []string{
		"response.created",
		"response.in_progress",
		"response.output_item.added",
		"response.content_part.added",
		"response.output_text.delta",
		"response.content_part.done",
		"response.output_item.done",
		"response.output_text.done",
		"response.completed",
	}, types)

	var completed map[string]any
	require.NoError(t, json.Unmarshal(events[len(events)-1], &completed))
	response := completed["response"].(map[string]any)
	assert.Equal(t, "completed", response["status"])
	assert.Equal(t, "hi", response["output_text"])
}
