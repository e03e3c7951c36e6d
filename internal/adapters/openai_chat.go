package adapters

import "encoding/json"

// OpenAIChatAdapter is the pass-through adapter for the upstream's native
// protocol (component D, spec §4.6): requests and unary responses pass
// through unchanged, and streaming re-emits each data frame until the
// [DONE] sentinel, dropping the sentinel and anything after it in the buffer.
type OpenAIChatAdapter struct{}

func NewOpenAIChatAdapter() *OpenAIChatAdapter { return &OpenAIChatAdapter{} }

func (a *OpenAIChatAdapter) Name() string { return "openai" }

func (a *OpenAIChatAdapter) ConvertRequest(payload []byte) ([]byte, error) {
	return payload, nil
}

func (a *OpenAIChatAdapter) DetectVisionRequest(payload []byte) bool {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return false
	}

	for _, raw := range asSlice(req["messages"]) {
		msg := asMap(raw)

		for _, partRaw := range asSlice(msg["content"]) {
			part := asMap(partRaw)
			if asString(part["type"]) == ContentTypeImageURL {
				return true
			}
		}
	}

	return false
}

func (a *OpenAIChatAdapter) ParseResponse(upstream []byte) ([]byte, error) {
	return upstream, nil
}

// openAIChatStreamState has no fields: the pass-through adapter needs no
// parsing state beyond the shared SSE frame buffer the dispatcher owns.
type openAIChatStreamState struct{}

func (a *OpenAIChatAdapter) NewStreamState() any { return &openAIChatStreamState{} }

func (a *OpenAIChatAdapter) ParseStreamChunk(buffer []byte, state any) ([][]byte, []byte, error) {
	frames, remainder := splitSSEFrames(buffer)

	var events [][]byte

	for _, frame := range frames {
		for _, payload := range dataPayloads(frame) {
			if payload == doneSentinel {
				return events, remainder, nil
			}

			events = append(events, []byte(payload))
		}
	}

	return events, remainder, nil
}

func (a *OpenAIChatAdapter) Flush(state any) [][]byte { return nil }
