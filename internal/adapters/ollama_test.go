package adapters

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaAdapter_ConvertRequest_ImagesAndToolCalls(t *testing.T) {
	a := NewOllamaAdapter()

	payload := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "what is this?", "images": ["iVBORabc"]},
			{"role": "assistant", "tool_calls": [{"id":"call_1","function":{"name":"get_weather","arguments":{"location":"Beijing"}}}]},
			{"role": "tool", "tool_call_id": "call_1", "name": "get_weather", "content": "sunny"}
		],
		"options": {"temperature": 0.5},
		"tools": [{"type":"function"}],
		"stream": true
	}`)

	out, err := a.ConvertRequest(payload)
	require.NoError(t, err)

	var upstream map[string]any
	require.NoError(t, json.Unmarshal(out, &upstream))

	assert.Equal(t, 0.5, upstream["temperature"])
	assert.NotNil(t, upstream["tools"])

	messages := upstream["messages"].([]any)
	require.Len(t, messages, 3)

	userMsg := messages[0].(map[string]any)
	content := userMsg["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image_url", content[1].(map[string]any)["type"])
	imageURL := content[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.Contains(t, imageURL, "image/png;base64,iVBORabc")

	assistantMsg := messages[1].(map[string]any)
	toolCalls := assistantMsg["tool_calls"].([]any)
	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, `{"location":"Beijing"}`, fn["arguments"])

	toolMsg := messages[2].(map[string]any)
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Equal(t, "get_weather", toolMsg["name"])
}

func TestOllamaAdapter_DetectVisionRequest(t *testing.T) {
	a := NewOllamaAdapter()

	withImage := []byte(`{"messages":[{"role":"user","content":"hi","images":["abc"]}]}`)
	withoutImage := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)

	assert.True(t, a.DetectVisionRequest(withImage))
	assert.False(t, a.DetectVisionRequest(withoutImage))
}

// TestOllamaAdapter_SimpleTextStream is spec §8.3 scenario 1.
func TestOllamaAdapter_SimpleTextStream(t *testing.T) {
	a := NewOllamaAdapter()
	state := a.NewStreamState()

	stream := "data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello \"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"world.\"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"

	events, remainder, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)
	assert.Empty(t, remainder)
	require.Len(t, events, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal(events[0], &first))
	assert.Equal(t, "Hello ", first["message"].(map[string]any)["content"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(events[1], &second))
	assert.Equal(t, "world.", second["message"].(map[string]any)["content"])

	var final map[string]any
	require.NoError(t, json.Unmarshal(events[2], &final))
	assert.Equal(t, true, final["done"])
	assert.Equal(t, float64(5), final["prompt_eval_count"])
	assert.Equal(t, float64(2), final["eval_count"])
}

func TestOllamaAdapter_SimpleTextStream_RechunkInvariance(t *testing.T) {
	stream := "data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello \"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{\"content\":\"world.\"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"created\":1700000000,\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"

	baseline := driveOllamaWhole(t, stream)

	for k := 1; k < len(stream); k++ {
		split := driveOllamaSplit(t, stream, k)
		assert.Equal(t, baseline, split, "mismatch at split k=%d", k)
	}
}

func driveOllamaWhole(t *testing.T, stream string) []string {
	t.Helper()

	a := NewOllamaAdapter()
	state := a.NewStreamState()

	events, _, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)

	return stringifyEvents(events)
}

func driveOllamaSplit(t *testing.T, stream string, k int) []string {
	t.Helper()

	a := NewOllamaAdapter()
	state := a.NewStreamState()

	first, remainder, err := a.ParseStreamChunk([]byte(stream[:k]), state)
	require.NoError(t, err)

	buf := append(remainder, []byte(stream[k:])...)

	second, _, err := a.ParseStreamChunk(buf, state)
	require.NoError(t, err)

	return append(stringifyEvents(first), stringifyEvents(second)...)
}

func stringifyEvents(events [][]byte) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}

	return out
}

func TestOllamaAdapter_ToolArgumentsReconstituteAsObject(t *testing.T) {
	a := NewOllamaAdapter()
	state := a.NewStreamState()

	stream := "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"name\":\"get_weather\",\"arguments\":\"{\\\"loc\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"ation\\\":\\\"Beijing\\\"}\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5}}\n\n" +
		"data: [DONE]\n\n"

	events, _, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var toolFrame map[string]any
	require.NoError(t, json.Unmarshal(events[0], &toolFrame))

	toolCalls := toolFrame["message"].(map[string]any)["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)

	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])

	args := fn["arguments"].(map[string]any)
	assert.Equal(t, "Beijing", args["location"])
}

// TestOllamaAdapter_SameNameToolCallOverwritesAccumulator is spec §9 Open
// Question 1: two tool calls sharing a function name in one turn are keyed
// into the same accumulators map entry, so the second call's start silently
// replaces the first's in-progress accumulator and its arguments are lost.
func TestOllamaAdapter_SameNameToolCallOverwritesAccumulator(t *testing.T) {
	a := NewOllamaAdapter()
	state := a.NewStreamState()

	stream := "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"location\\\":\\\"Paris\\\"}\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":1,\"id\":\"call_2\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":1,\"function\":{\"arguments\":\"{\\\"location\\\":\\\"Tokyo\\\"}\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5}}\n\n" +
		"data: [DONE]\n\n"

	events, _, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var toolFrame map[string]any
	require.NoError(t, json.Unmarshal(events[0], &toolFrame))

	// Both calls shared the name "get_weather", so they collapse into a
	// single tool_calls entry and the first call's "Paris" arguments are
	// gone entirely, clobbered by the second call's accumulator.
	toolCalls := toolFrame["message"].(map[string]any)["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)

	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])

	args := fn["arguments"].(map[string]any)
	assert.Equal(t, "Tokyo", args["location"])
}
