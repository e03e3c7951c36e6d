package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// FallbackModelID and FallbackModelName are the hard-coded fallback spec.md
// §6.2 requires when the model listing cannot be fetched.
const (
	FallbackModelID   = "gpt-4o-2024-11-20"
	FallbackModelName = "GPT-4o"

	modelListTTL = 10 * time.Minute
)

// Model is the (modelId, modelName) pair ModelProvider.GetCurrentModel
// returns per spec.md §6.2.
type Model struct {
	ID   string
	Name string
}

type copilotModelsResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Policy    *struct{ State string `json:"state"` } `json:"policy"`
		ModelPick struct {
			Default bool `json:"is_chat_default"`
		} `json:"model_picker_enabled"`
	} `json:"data"`
}

// ModelProvider implements spec.md §6.2's ModelProvider interface: it
// fetches and caches (with a TTL) the Copilot model listing and returns the
// first one flagged as the user's default.
type ModelProvider struct {
	auth   *Provider
	client *http.Client

	mu         sync.Mutex
	cached     *Model
	cachedAt   time.Time
}

func NewModelProvider(authProvider *Provider) *ModelProvider {
	return &ModelProvider{
		auth:   authProvider,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetCurrentModel returns the user's default Copilot model, falling back to
// FallbackModelID/FallbackModelName on any error per spec.md §6.2.
func (m *ModelProvider) GetCurrentModel(ctx context.Context) Model {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && time.Since(m.cachedAt) < modelListTTL {
		return *m.cached
	}

	model, err := m.fetch(ctx)
	if err != nil {
		return Model{ID: FallbackModelID, Name: FallbackModelName}
	}

	m.cached = &model
	m.cachedAt = time.Now()

	return model
}

func (m *ModelProvider) fetch(ctx context.Context) (Model, error) {
	endpoint, token, _, _ := m.auth.GetToken()
	if token == "" {
		return Model{}, fmt.Errorf("no copilot token available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/models", nil)
	if err != nil {
		return Model{}, err
	}

	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return Model{}, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Model{}, fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	var out copilotModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Model{}, fmt.Errorf("decode models response: %w", err)
	}

	for _, model := range out.Data {
		if model.ModelPick.Default {
			return Model{ID: model.ID, Name: model.Name}, nil
		}
	}

	if len(out.Data) > 0 {
		return Model{ID: out.Data[0].ID, Name: out.Data[0].Name}, nil
	}

	return Model{}, fmt.Errorf("no models returned")
}
