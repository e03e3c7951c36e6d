package adapters

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicAdapter_ConvertRequest_SystemAndToolUse(t *testing.T) {
	a := NewAnthropicAdapter()

	payload := []byte(`{
		"model": "gpt-4o",
		"system": "be terse",
		"messages": [
			{"role":"user","content":[{"type":"text","text":"what's the weather?"}]},
			{"role":"assistant","content":[{"type":"tool_use","id":"call_1","name":"get_weather","input":{"location":"Beijing"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"call_1","content":"sunny"}]}
		],
		"tools": [{"name":"get_weather","input_schema":{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}}],
		"max_tokens": 100
	}`)

	out, err := a.ConvertRequest(payload)
	require.NoError(t, err)

	var upstream map[string]any
	require.NoError(t, json.Unmarshal(out, &upstream))

	messages := upstream["messages"].([]any)
	require.Len(t, messages, 4)
	assert.Equal(t, RoleSystem, messages[0].(map[string]any)["role"])

	assistantMsg := messages[2].(map[string]any)
	toolCalls := assistantMsg["tool_calls"].([]any)
	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, `{"location":"Beijing"}`, fn["arguments"])

	// spec §9 Open Question 2: the tool_result stays on the user message as
	// a pseudo tool_calls entry, not a separate {role:"tool"} message.
	userMsg := messages[3].(map[string]any)
	assert.Equal(t, RoleUser, userMsg["role"])
	pseudo := userMsg["tool_calls"].([]any)
	pseudoFn := pseudo[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "sunny", pseudoFn["arguments"])

	tools := upstream["tools"].([]any)
	toolFn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.NotNil(t, toolFn["parameters"])
}

// TestAnthropicAdapter_ToolUseStream is spec §8.3 scenario 3.
func TestAnthropicAdapter_ToolUseStream(t *testing.T) {
	events := driveAnthropicWhole(t, toolUseStreamFixture)

	require.Len(t, events, 6)

	assertEventType(t, events[0], "message_start")
	assertEventType(t, events[1], "content_block_start")
	assertEventType(t, events[2], "content_block_delta")
	assertEventType(t, events[3], "content_block_stop")
	assertEventType(t, events[4], "message_delta")
	assertEventType(t, events[5], "message_stop")

	var start map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[1]), &start))
	block := start["content_block"].(map[string]any)
	assert.Equal(t, ContentTypeToolUse, block["type"])
	assert.Equal(t, "get_weather", block["name"])
	assert.Regexp(t, regexp.MustCompile(`^call_`), block["id"])
	assert.Equal(t, map[string]any{}, block["input"])

	var delta map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[2]), &delta))
	partial := delta["delta"].(map[string]any)
	assert.Equal(t, `{"location":"Beijing"}`, partial["partial_json"])

	var msgDelta map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[4]), &msgDelta))
	d := msgDelta["delta"].(map[string]any)
	assert.Equal(t, "tool_use", d["stop_reason"])
	usage := msgDelta["usage"].(map[string]any)
	assert.Equal(t, float64(100), usage["input_tokens"])
	assert.Equal(t, float64(20), usage["output_tokens"])
	assert.Equal(t, float64(0), usage["cache_read_input_tokens"])
	assert.Equal(t, float64(0), usage["cache_creation_input_tokens"])
}

func TestAnthropicAdapter_ToolUseStream_RechunkInvariance(t *testing.T) {
	baseline := maskMessageID(driveAnthropicWhole(t, toolUseStreamFixture))

	for k := 1; k < len(toolUseStreamFixture); k++ {
		split := maskMessageID(driveAnthropicSplit(t, toolUseStreamFixture, k))
		assert.Equal(t, baseline, split, "mismatch at split k=%d", k)
	}
}

// messageIDPattern matches the message_start id, which is freshly minted for
// every stream and so differs between any two drives of the same fixture.
var messageIDPattern = regexp.MustCompile(`"id":"msg_[^"]*"`)

// maskMessageID blanks the minted message id so that two drives of one
// fixture can be compared on every other byte.
func maskMessageID(events [][]byte) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = messageIDPattern.ReplaceAllString(string(e), `"id":"msg_"`)
	}

	return out
}

// TestAnthropicAdapter_CachedTokens is spec §8.3 scenario 5.
func TestAnthropicAdapter_CachedTokens(t *testing.T) {
	a := NewAnthropicAdapter()
	state := a.NewStreamState()

	// The usage-bearing frame must carry the message's content too: applyDelta
	// reads d.Usage before deciding whether to emit message_start, so
	// message_start only ever sees usage from the frame that triggers it.
	stream := "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":100,\"completion_tokens\":8,\"prompt_tokens_details\":{\"cached_tokens\":80}}}\n\n" +
		"data: [DONE]\n\n"

	events, _, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)

	var start map[string]any
	require.NoError(t, json.Unmarshal(events[0], &start))
	usage := start["message"].(map[string]any)["usage"].(map[string]any)
	assert.Equal(t, float64(20), usage["input_tokens"])
	assert.Equal(t, float64(80), usage["cache_read_input_tokens"])

	var msgDelta map[string]any
	require.NoError(t, json.Unmarshal(events[len(events)-2], &msgDelta))
	deltaUsage := msgDelta["usage"].(map[string]any)
	assert.Equal(t, float64(20), deltaUsage["input_tokens"])
	assert.Equal(t, float64(80), deltaUsage["cache_read_input_tokens"])
}

// TestAnthropicAdapter_SameNameToolCallOverwritesAccumulator is spec §9 Open
// Question 1: two tool calls sharing a function name in one turn are keyed
// into the same st.functions entry, so the second call's start silently
// replaces the first's accumulator and both calls collapse into a single
// content_block, even though they carried distinct tool-call ids.
func TestAnthropicAdapter_SameNameToolCallOverwritesAccumulator(t *testing.T) {
	a := NewAnthropicAdapter()
	state := a.NewStreamState()

	stream := "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"location\\\":\\\"Paris\\\"}\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":1,\"id\":\"call_2\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":1,\"function\":{\"arguments\":\"{\\\"location\\\":\\\"Tokyo\\\"}\"}}]}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}],\"usage\":{\"prompt_tokens\":100,\"completion_tokens\":20}}\n\n" +
		"data: [DONE]\n\n"

	events, _, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)
	require.Len(t, events, 7)

	assertEventType(t, events[0], "message_start")
	assertEventType(t, events[1], "content_block_start")
	assertEventType(t, events[2], "content_block_delta")
	assertEventType(t, events[3], "content_block_delta")
	assertEventType(t, events[4], "content_block_stop")
	assertEventType(t, events[5], "message_delta")
	assertEventType(t, events[6], "message_stop")

	// The second call's id never gets its own content_block_start: the
	// block opened for call_1 is still "open" when call_2 arrives under
	// the same function name, so both calls' arguments land on index 0.
	var start map[string]any
	require.NoError(t, json.Unmarshal(events[1], &start))
	block := start["content_block"].(map[string]any)
	assert.Equal(t, "call_1", block["id"])

	var firstDelta map[string]any
	require.NoError(t, json.Unmarshal(events[2], &firstDelta))
	assert.Equal(t, `{"location":"Paris"}`, firstDelta["delta"].(map[string]any)["partial_json"])
	assert.Equal(t, float64(0), firstDelta["index"])

	var secondDelta map[string]any
	require.NoError(t, json.Unmarshal(events[3], &secondDelta))
	assert.Equal(t, `{"location":"Tokyo"}`, secondDelta["delta"].(map[string]any)["partial_json"])
	assert.Equal(t, float64(0), secondDelta["index"])
}

const toolUseStreamFixture = "data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_abc\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
	"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"location\\\":\\\"Beijing\\\"}\"}}]}}]}\n\n" +
	"data: {\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}],\"usage\":{\"prompt_tokens\":100,\"completion_tokens\":20}}\n\n" +
	"data: [DONE]\n\n"

func assertEventType(t *testing.T, raw []byte, want string) {
	t.Helper()

	var e map[string]any
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, want, e["type"])
}

func driveAnthropicWhole(t *testing.T, stream string) [][]byte {
	t.Helper()

	a := NewAnthropicAdapter()
	state := a.NewStreamState()

	events, _, err := a.ParseStreamChunk([]byte(stream), state)
	require.NoError(t, err)

	return events
}

func driveAnthropicSplit(t *testing.T, stream string, k int) [][]byte {
	t.Helper()

	a := NewAnthropicAdapter()
	state := a.NewStreamState()

	first, remainder, err := a.ParseStreamChunk([]byte(stream[:k]), state)
	require.NoError(t, err)

	buf := append(remainder, []byte(stream[k:])...)

	second, _, err := a.ParseStreamChunk(buf, state)
	require.NoError(t, err)

	return append(first, second...)
}
