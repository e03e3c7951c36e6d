package adapters

import (
	"encoding/json"
	"strings"
)

// doneSentinel is the upstream stream terminator, line payload "[DONE]".
const doneSentinel = "[DONE]"

// splitSSEFrames splits buf on the blank-line frame separator (spec §4.5).
// Splitting an N-frame buffer yields N+1 parts; the last (possibly empty)
// part is the incomplete tail and is returned as remainder, never as a
// frame. Frames never contain an embedded blank line because JSON strings
// escape newlines, so this split is safe against payload content.
func splitSSEFrames(buf []byte) (frames []string, remainder []byte) {
	parts := strings.Split(string(buf), "\n\n")
	remainder = []byte(parts[len(parts)-1])
	frames = parts[:len(parts)-1]

	return frames, remainder
}

// dataPayloads extracts the payloads of all "data: " lines in one frame,
// skipping blank and non-data lines silently (spec §4.5).
func dataPayloads(frame string) []string {
	var out []string

	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, payload)
		}
	}

	return out
}

// upstreamFrame is either the [DONE] sentinel or one decoded upstream delta.
type upstreamFrame struct {
	done  bool
	delta *upstreamDelta
}

// upstreamDelta is the typed view of one OpenAI-SSE chunk (component B):
// choice deltas, tool-call deltas, usage, and finish-reason.
type upstreamDelta struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Created int64            `json:"created"`
	Choices []upstreamChoice `json:"choices"`
	Usage   *upstreamUsage   `json:"usage,omitempty"`
}

type upstreamChoice struct {
	Index        int                  `json:"index"`
	Delta        upstreamMessageDelta `json:"delta"`
	FinishReason string               `json:"finish_reason,omitempty"`
}

type upstreamMessageDelta struct {
	Role             string                  `json:"role,omitempty"`
	Content          string                  `json:"content,omitempty"`
	ReasoningContent string                  `json:"reasoning_content,omitempty"`
	Annotations      []upstreamAnnotation    `json:"annotations,omitempty"`
	ToolCalls        []upstreamToolCallDelta `json:"tool_calls,omitempty"`
}

type upstreamToolCallDelta struct {
	Index    int                  `json:"index"`
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function upstreamFunctionCall `json:"function"`
}

type upstreamFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type upstreamAnnotation struct {
	Type        string               `json:"type"`
	URLCitation *upstreamURLCitation `json:"url_citation,omitempty"`
}

type upstreamURLCitation struct {
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	URL        string `json:"url"`
	Title      string `json:"title"`
}

type upstreamUsage struct {
	PromptTokens            int                              `json:"prompt_tokens"`
	CompletionTokens        int                               `json:"completion_tokens"`
	TotalTokens             int                               `json:"total_tokens"`
	PromptTokensDetails     *upstreamPromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *upstreamCompletionTokensDetails `json:"completion_tokens_details,omitempty"`
	Cost                    *float64                          `json:"cost,omitempty"`
}

type upstreamPromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
	AudioTokens  int `json:"audio_tokens,omitempty"`
	TextTokens   int `json:"text_tokens,omitempty"`
}

type upstreamCompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	TextTokens      int `json:"text_tokens,omitempty"`
}

// parseUpstreamFrames splits buf into complete SSE frames and decodes each
// data payload, returning the decoded frames in order and the unconsumed
// remainder. A JSON decode failure on a non-sentinel payload is a parse
// error (spec §4.5, §7 "parse" kind) and aborts the whole call — the
// caller (Stream Dispatcher via the Pipeline) surfaces it to the client.
func parseUpstreamFrames(buf []byte) (out []upstreamFrame, remainder []byte, err error) {
	frames, remainder := splitSSEFrames(buf)

	for _, frame := range frames {
		for _, payload := range dataPayloads(frame) {
			if payload == doneSentinel {
				out = append(out, upstreamFrame{done: true})
				continue
			}

			var delta upstreamDelta
			if err := json.Unmarshal([]byte(payload), &delta); err != nil {
				return nil, nil, err
			}

			out = append(out, upstreamFrame{delta: &delta})
		}
	}

	return out, remainder, nil
}
