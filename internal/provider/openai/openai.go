// Package openai implements the OpenAI image-generation adapter.
// It serves as the reference implementation for other provider adapters.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/provider"
	generrors "github.com/panelforge/panelforge/pkg/errors"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements the OpenAI images API adapter.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new OpenAI provider instance.
func New(cfg provider.Config) (provider.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Style          string `json:"style,omitempty"`
}

// BuildRequest creates an HTTP request for the OpenAI images API.
func (p *Provider) BuildRequest(ctx context.Context, req *provider.GenerationRequest) (*http.Request, error) {
	prompt := req.Prompt
	if req.Style != "" {
		prompt = prompt + "\n\nStyle: " + req.Style
	}

	payload := imageRequest{
		Model:          req.Model,
		Prompt:         prompt,
		N:              1,
		ResponseFormat: "url",
	}
	if req.Width > 0 && req.Height > 0 {
		payload.Size = fmt.Sprintf("%dx%d", req.Width, req.Height)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/images/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	apiKey := p.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	return httpReq, nil
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// ParseResponse transforms an OpenAI images response into an artifact.
func (p *Provider) ParseResponse(resp *http.Response) (*fallback.Artifact, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var imgResp imageResponse
	if err := json.Unmarshal(body, &imgResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(imgResp.Data) == 0 {
		return nil, fmt.Errorf("response contains no images")
	}

	artifact := &fallback.Artifact{ContentType: "image/png"}
	first := imgResp.Data[0]
	switch {
	case first.URL != "":
		artifact.URL = first.URL
	case first.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image data: %w", err)
		}
		artifact.Data = data
	default:
		return nil, fmt.Errorf("response image has neither url nor data")
	}
	return artifact, nil
}

// MapError converts an OpenAI error response to a standardized error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	if errResp.Error.Code == "content_policy_violation" || errResp.Error.Type == "image_generation_user_error" {
		return generrors.NewContentPolicyError(ProviderName, "", message)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return generrors.NewAuthenticationError(ProviderName, "", message)
	case http.StatusTooManyRequests:
		return generrors.NewRateLimitError(ProviderName, "", message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return generrors.NewInvalidRequestError(ProviderName, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return generrors.NewTimeoutError(ProviderName, "", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return generrors.NewServiceUnavailableError(ProviderName, "", message)
	default:
		return generrors.NewInternalError(ProviderName, "", message)
	}
}
