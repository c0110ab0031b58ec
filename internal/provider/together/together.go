// Package together implements the Together AI image-generation adapter.
// Together exposes an OpenAI-compatible images API with FLUX models.
package together

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/provider"
	generrors "github.com/panelforge/panelforge/pkg/errors"
)

const (
	ProviderName = "together"

	DefaultBaseURL = "https://api.together.xyz/v1"
)

// Provider implements the Together AI images adapter.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new Together provider instance.
func New(cfg provider.Config) (provider.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (p *Provider) Name() string {
	return ProviderName
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Steps  int    `json:"steps,omitempty"`
	N      int    `json:"n"`
}

// BuildRequest creates an HTTP request for the Together images API.
func (p *Provider) BuildRequest(ctx context.Context, req *provider.GenerationRequest) (*http.Request, error) {
	prompt := req.Prompt
	if req.Style != "" {
		prompt = prompt + ", " + req.Style + " style"
	}

	payload := imageRequest{
		Model:  req.Model,
		Prompt: prompt,
		Width:  req.Width,
		Height: req.Height,
		N:      1,
	}
	if steps, ok := req.Params["steps"]; ok {
		if n, err := strconv.Atoi(steps); err == nil {
			payload.Steps = n
		}
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

// ParseResponse transforms a Together images response into an artifact.
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

// MapError converts a Together error response to a standardized error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
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
