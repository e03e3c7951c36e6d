package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenAIChatAdapter_RoundTrip is spec §8.1 "Round-trip of OpenAI
// pass-through".
func TestOpenAIChatAdapter_RoundTrip(t *testing.T) {
	a := NewOpenAIChatAdapter()

	payload := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	converted, err := a.ConvertRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, converted)

	response := []byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)

	parsed, err := a.ParseResponse(response)
	require.NoError(t, err)
	assert.Equal(t, response, parsed)
}

func TestOpenAIChatAdapter_DetectVisionRequest(t *testing.T) {
	a := NewOpenAIChatAdapter()

	payload := []byte(`{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`)
	assert.True(t, a.DetectVisionRequest(payload))

	textOnly := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	assert.False(t, a.DetectVisionRequest(textOnly))
}

func TestOpenAIChatAdapter_ParseStreamChunk_StopsOnDone(t *testing.T) {
	a := NewOpenAIChatAdapter()
	state := a.NewStreamState()

	buf := []byte("data: {\"id\":1}\n\ndata: [DONE]\n\ndata: {\"id\":2}\n\n")

	events, remainder, err := a.ParseStreamChunk(buf, state)
	require.NoError(t, err)
	assert.Empty(t, remainder)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"id":1}`, string(events[0]))
	assert.NotContains(t, events, []byte(`{"id":2}`))
}
