// Package pipeline implements the Request Pipeline and Stream Dispatcher
// (components G and H, spec.md §4.7): for each inbound request it selects
// an adapter, fills the default model, sets the vision header, drives the
// upstream call, and translates the response back to the client either as
// one JSON body or as a live stream of adapter-native framed events.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relayhq/copilot-gateway/internal/adapters"
	"github.com/relayhq/copilot-gateway/internal/auth"
	"github.com/relayhq/copilot-gateway/internal/transport"
)

// AuthProvider is the external collaborator of spec.md §6.2. The pipeline
// consults it exactly once per request and, if the token is expired,
// attempts a single Refresh before giving up.
type AuthProvider interface {
	GetToken() (endpoint, token string, expired bool, expiresAt time.Time)
	Refresh(ctx context.Context) bool
}

// ModelProvider is the external collaborator of spec.md §6.2.
type ModelProvider interface {
	GetCurrentModel(ctx context.Context) auth.Model
}

// Pipeline is the sole owner of per-request AdapterStreamState; adapters
// never hold references across requests (spec.md §4.7).
type Pipeline struct {
	auth      AuthProvider
	models    ModelProvider
	transport *transport.Client
	headers   transport.Headers
	logger    *slog.Logger
}

func New(authProvider AuthProvider, modelProvider ModelProvider, client *transport.Client, headers transport.Headers, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		auth:      authProvider,
		models:    modelProvider,
		transport: client,
		headers:   headers,
		logger:    logger,
	}
}

// openAIFamily is the set of adapters whose wire protocol terminates a
// stream with a literal `data: [DONE]\n\n` sentinel (spec.md §4.7 step 6).
var openAIFamily = map[string]bool{
	"openai":    true,
	"responses": true,
}

// HandlerFor builds the http.HandlerFunc for one adapter, used by the HTTP
// Server & Router (M) to wire the streaming endpoints of spec.md §6.1. The
// unary/streaming mode itself is data-driven per request (spec.md §6.1:
// "A request whose stream is false ... returns a single JSON body"), not
// fixed per route.
func (p *Pipeline) HandlerFor(adapter adapters.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.handle(w, r, adapter)
	}
}

func (p *Pipeline) handle(w http.ResponseWriter, r *http.Request, adapter adapters.Adapter) {
	ctx := r.Context()

	endpoint, token, expired, _ := p.auth.GetToken()
	if expired {
		if !p.auth.Refresh(ctx) {
			p.writeError(w, http.StatusUnauthorized, "auth", "upstream credential is missing or expired")
			return
		}

		endpoint, token, _, _ = p.auth.GetToken()
	}

	if token == "" {
		p.writeError(w, http.StatusUnauthorized, "auth", "no upstream credential available")
		return
	}

	inbound, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeError(w, http.StatusBadRequest, "input-invalid", "failed to read request body")
		return
	}

	mode := detectMode(inbound)

	payload, err := adapter.ConvertRequest(inbound)
	if err != nil {
		p.writeError(w, http.StatusBadRequest, "input-invalid", fmt.Sprintf("request conversion failed: %v", err))
		return
	}

	payload = p.fillDefaultModel(ctx, payload)

	vision := adapter.DetectVisionRequest(inbound)

	resp, err := p.transport.Do(ctx, endpoint, token, p.headers, vision, payload)
	if err != nil {
		p.writeTransportError(w, err)
		return
	}
	defer resp.Body.Close()

	body, err := transport.DecompressReader(resp)
	if err != nil {
		p.writeError(w, http.StatusBadGateway, "upstream-transport", fmt.Sprintf("decompression failed: %v", err))
		return
	}

	if mode == adapters.ModeUnary {
		p.handleUnary(w, adapter, body)
		return
	}

	p.handleStream(w, adapter, body)
}

// detectMode reads the inbound body's `stream` field to pick unary vs.
// streaming dispatch (spec.md §6.1: a request whose stream is false, or
// absent as with Anthropic's convention, returns a single JSON body).
func detectMode(inbound []byte) adapters.Mode {
	var probe struct {
		Stream bool `json:"stream"`
	}

	if err := json.Unmarshal(inbound, &probe); err != nil {
		return adapters.ModeUnary
	}

	if probe.Stream {
		return adapters.ModeStream
	}

	return adapters.ModeUnary
}

func (p *Pipeline) fillDefaultModel(ctx context.Context, payload []byte) []byte {
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return payload
	}

	if model, ok := req["model"].(string); ok && model != "" {
		return payload
	}

	fallback := p.models.GetCurrentModel(ctx)
	req["model"] = fallback.ID

	filled, err := json.Marshal(req)
	if err != nil {
		return payload
	}

	return filled
}

func (p *Pipeline) handleUnary(w http.ResponseWriter, adapter adapters.Adapter, body io.Reader) {
	raw, err := io.ReadAll(body)
	if err != nil {
		p.writeError(w, http.StatusBadGateway, "upstream-transport", "failed to read upstream response")
		return
	}

	result, err := adapter.ParseResponse(raw)
	if err != nil {
		p.writeError(w, http.StatusInternalServerError, "parse", fmt.Sprintf("failed to parse upstream response: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// handleStream is the Stream Dispatcher (component H): it owns the
// per-request buffer and AdapterStreamState, feeding each upstream chunk
// through Adapter.ParseStreamChunk and writing emitted events to the
// client in the adapter's wire framing.
func (p *Pipeline) handleStream(w http.ResponseWriter, adapter adapters.Adapter, body io.Reader) {
	w.Header().Set("Content-Type", streamContentType(adapter.Name()))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	if adapter.Name() == "ollama" {
		io.WriteString(w, "\n")
		flush(flusher)
	}

	state := adapter.NewStreamState()

	var buffer []byte
	chunk := make([]byte, 8192)
	wroteAnyBytes := false

	for {
		n, readErr := body.Read(chunk)

		if n > 0 {
			buffer = append(buffer, chunk[:n]...)

			events, remainder, err := adapter.ParseStreamChunk(buffer, state)
			if err != nil {
				p.emitStreamError(w, flusher, adapter, wroteAnyBytes, err)
				return
			}

			buffer = remainder

			for _, ev := range events {
				p.writeFrame(w, adapter.Name(), ev)
				wroteAnyBytes = true
			}

			flush(flusher)
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				p.logger.Error("upstream stream read failed", "error", readErr)
			}

			break
		}
	}

	for _, ev := range adapter.Flush(state) {
		p.writeFrame(w, adapter.Name(), ev)
		wroteAnyBytes = true
	}

	if openAIFamily[adapter.Name()] {
		io.WriteString(w, "data: [DONE]\n\n")
	}

	flush(flusher)
}

func (p *Pipeline) emitStreamError(w http.ResponseWriter, flusher http.Flusher, adapter adapters.Adapter, wroteAnyBytes bool, err error) {
	p.logger.Error("stream parse failed", "adapter", adapter.Name(), "error", err)

	payload := map[string]any{"error": "parse", "message": err.Error()}

	if !wroteAnyBytes {
		data, _ := json.Marshal(payload)
		http.Error(w, string(data), http.StatusInternalServerError)

		return
	}

	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flush(flusher)
}

func (p *Pipeline) writeFrame(w http.ResponseWriter, adapterName string, event []byte) {
	if adapterName == "ollama" {
		w.Write(event)
		io.WriteString(w, "\n\n")

		return
	}

	fmt.Fprintf(w, "data: %s\n\n", event)
}

func streamContentType(adapterName string) string {
	if adapterName == "ollama" {
		return "application/x-ndjson"
	}

	return "text/event-stream"
}

func flush(f http.Flusher) {
	if f != nil {
		f.Flush()
	}
}

func (p *Pipeline) writeTransportError(w http.ResponseWriter, err error) {
	var te *transport.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case transport.KindUpstreamStatus:
			p.writeError(w, http.StatusInternalServerError, string(te.Kind), te.Message)
		default:
			p.writeError(w, http.StatusInternalServerError, string(te.Kind), te.Message)
		}

		return
	}

	p.writeError(w, http.StatusInternalServerError, "upstream-transport", err.Error())
}

func (p *Pipeline) writeError(w http.ResponseWriter, status int, kind, message string) {
	p.logger.Error("pipeline error", "kind", kind, "status", status, "message", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
