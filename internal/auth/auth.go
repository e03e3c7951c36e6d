// Package auth implements the AuthProvider and ModelProvider collaborators
// of spec.md §6.2: the GitHub device-code OAuth dance, on-disk persistence
// of the resulting Copilot chat token, and the model listing used to pick
// a default model. The Request Pipeline only ever calls GetToken/Refresh;
// the interactive device-code flow is driven by the login CLI subcommand.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	githubClientID        = "Iv1.b507a08c87ecfe98"
	deviceCodeURL          = "https://github.com/login/device/code"
	accessTokenURL         = "https://github.com/login/oauth/access_token"
	copilotTokenURL        = "https://api.github.com/copilot_internal/v2/token"
	copilotModelsURL       = "https://api.githubcopilot.com/models"
	copilotChatCompletions = "https://api.githubcopilot.com"

	tokenRefreshSkew = 2 * time.Minute
)

// StoredToken is the on-disk persisted credential (SPEC_FULL §3), written
// with 0600 permissions since it carries a live bearer token.
type StoredToken struct {
	GithubToken  string    `json:"github_token"`
	CopilotToken string    `json:"copilot_token"`
	Endpoint     string    `json:"endpoint"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (t *StoredToken) expired() bool {
	if t == nil || t.CopilotToken == "" {
		return true
	}

	return time.Now().Add(tokenRefreshSkew).After(t.ExpiresAt)
}

// Provider implements spec.md §6.2's AuthProvider interface: GetToken
// returns the current (endpoint, token, expired, expiresAt) tuple; Refresh
// re-exchanges the stored GitHub token for a new short-lived Copilot token.
// It mirrors the teacher's config.Manager atomic-swap-over-a-file shape.
type Provider struct {
	tokenPath string
	client    *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	token *StoredToken
}

func NewProvider(tokenPath string, logger *slog.Logger) *Provider {
	return &Provider{
		tokenPath: tokenPath,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

// GetToken returns the endpoint, bearer token, whether it is expired, and
// its expiry time. Callers that observe expired=true should call Refresh
// once before giving up (spec.md §7 retry policy).
func (p *Provider) GetToken() (endpoint, token string, expired bool, expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		p.token = p.loadFromDisk()
	}

	if p.token == nil {
		return copilotChatCompletions, "", true, time.Time{}
	}

	return p.token.Endpoint, p.token.CopilotToken, p.token.expired(), p.token.ExpiresAt
}

// Refresh re-exchanges the persisted GitHub OAuth token for a new Copilot
// chat token and rewrites the on-disk StoredToken. Returns false if there
// is no GitHub token to exchange or the exchange failed.
func (p *Provider) Refresh(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		p.token = p.loadFromDisk()
	}

	if p.token == nil || p.token.GithubToken == "" {
		return false
	}

	copilotToken, endpoint, expiresAt, err := p.exchangeForCopilotToken(ctx, p.token.GithubToken)
	if err != nil {
		p.logger.Error("copilot token refresh failed", "error", err)
		return false
	}

	p.token.CopilotToken = copilotToken
	p.token.Endpoint = endpoint
	p.token.ExpiresAt = expiresAt

	if err := p.persist(p.token); err != nil {
		p.logger.Error("failed to persist refreshed token", "error", err)
	}

	return true
}

func (p *Provider) loadFromDisk() *StoredToken {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return nil
	}

	var stored StoredToken
	if err := json.Unmarshal(data, &stored); err != nil {
		p.logger.Error("stored token file is not valid JSON", "path", p.tokenPath, "error", err)
		return nil
	}

	return &stored
}

func (p *Provider) persist(stored *StoredToken) error {
	if err := os.MkdirAll(filepath.Dir(p.tokenPath), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stored token: %w", err)
	}

	return os.WriteFile(p.tokenPath, data, 0o600)
}

// deviceCodeResponse is GitHub's response to the device-code request.
type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// accessTokenResponse is GitHub's poll response; Error is populated with
// "authorization_pending" until the user completes the browser step.
type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

// RequestDeviceCode starts the GitHub device-code flow (SPEC_FULL §4.9).
func (p *Provider) RequestDeviceCode(ctx context.Context) (*deviceCodeResponse, error) {
	form := strings.NewReader(fmt.Sprintf("client_id=%s&scope=read:user", githubClientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceCodeURL, form)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()

	var out deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}

	return &out, nil
}

// PollForGithubToken polls the access-token endpoint at the interval GitHub
// requested until the user authorizes the device code or it expires.
func (p *Provider) PollForGithubToken(ctx context.Context, dc *deviceCodeResponse) (string, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval == 0 {
		interval = 5 * time.Second
	}

	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		token, pending, err := p.pollOnce(ctx, dc.DeviceCode)
		if err != nil {
			return "", err
		}

		if pending {
			continue
		}

		return token, nil
	}

	return "", errors.New("device code expired before authorization")
}

func (p *Provider) pollOnce(ctx context.Context, deviceCode string) (token string, pending bool, err error) {
	form := strings.NewReader(fmt.Sprintf(
		"client_id=%s&device_code=%s&grant_type=urn:ietf:params:oauth:grant-type:device_code",
		githubClientID, deviceCode,
	))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, accessTokenURL, form)
	if err != nil {
		return "", false, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("poll access token: %w", err)
	}
	defer resp.Body.Close()

	var out accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode access token response: %w", err)
	}

	switch out.Error {
	case "":
		return out.AccessToken, false, nil
	case "authorization_pending", "slow_down":
		return "", true, nil
	default:
		return "", false, fmt.Errorf("github device flow error: %s", out.Error)
	}
}

// CompleteSignIn exchanges a newly authorized GitHub token for a Copilot
// chat token and persists both, completing the `login` subcommand's flow.
func (p *Provider) CompleteSignIn(ctx context.Context, githubToken string) error {
	copilotToken, endpoint, expiresAt, err := p.exchangeForCopilotToken(ctx, githubToken)
	if err != nil {
		return err
	}

	stored := &StoredToken{
		GithubToken:  githubToken,
		CopilotToken: copilotToken,
		Endpoint:     endpoint,
		ExpiresAt:    expiresAt,
	}

	p.mu.Lock()
	p.token = stored
	p.mu.Unlock()

	return p.persist(stored)
}

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Endpoints struct {
		API string `json:"api"`
	} `json:"endpoints"`
}

func (p *Provider) exchangeForCopilotToken(ctx context.Context, githubToken string) (token, endpoint string, expiresAt time.Time, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, copilotTokenURL, nil)
	if err != nil {
		return "", "", time.Time{}, err
	}

	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("copilot token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", time.Time{}, fmt.Errorf("copilot token exchange returned status %d", resp.StatusCode)
	}

	var out copilotTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode copilot token response: %w", err)
	}

	endpoint = out.Endpoints.API
	if endpoint == "" {
		endpoint = copilotChatCompletions
	}

	return out.Token, endpoint, time.Unix(out.ExpiresAt, 0), nil
}
