// Package stability implements the Stability AI image-generation adapter.
package stability

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/provider"
	generrors "github.com/panelforge/panelforge/pkg/errors"
)

const (
	ProviderName = "stability"

	DefaultBaseURL = "https://api.stability.ai"
)

// Provider implements the Stability AI v2beta stable-image adapter.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new Stability provider instance.
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

// aspectRatio maps requested dimensions onto the closest ratio the API
// accepts. Stability takes ratios, not pixel sizes.
func aspectRatio(width, height int) string {
	if width <= 0 || height <= 0 || width == height {
		return "1:1"
	}
	switch {
	case width*9 == height*16:
		return "16:9"
	case width*16 == height*9:
		return "9:16"
	case width*2 == height*3:
		return "2:3"
	case width*3 == height*2:
		return "3:2"
	case width > height:
		return "3:2"
	default:
		return "2:3"
	}
}

// BuildRequest creates a multipart request for the stable-image endpoint.
func (p *Provider) BuildRequest(ctx context.Context, req *provider.GenerationRequest) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"prompt":        req.Prompt,
		"aspect_ratio":  aspectRatio(req.Width, req.Height),
		"output_format": "png",
	}
	if req.Style != "" {
		fields["style_preset"] = req.Style
	}
	for k, v := range req.Params {
		fields[k] = v
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	endpoint := p.baseURL + "/v2beta/stable-image/generate/" + modelEndpoint(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	apiKey := p.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	return httpReq, nil
}

// modelEndpoint maps a configured model name to its endpoint segment.
func modelEndpoint(model string) string {
	switch model {
	case "sd3", "sd3-large", "sd3-medium":
		return "sd3"
	case "ultra":
		return "ultra"
	default:
		return "core"
	}
}

type imageResponse struct {
	Image        string `json:"image"`
	FinishReason string `json:"finish_reason"`
}

// ParseResponse decodes the base64 image payload.
func (p *Provider) ParseResponse(resp *http.Response) (*fallback.Artifact, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var imgResp imageResponse
	if err := json.Unmarshal(body, &imgResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if imgResp.FinishReason == "CONTENT_FILTERED" {
		return nil, generrors.NewContentPolicyError(ProviderName, "", "output filtered by content moderation")
	}
	if imgResp.Image == "" {
		return nil, fmt.Errorf("response contains no image")
	}

	data, err := base64.StdEncoding.DecodeString(imgResp.Image)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return &fallback.Artifact{Data: data, ContentType: "image/png"}, nil
}

// MapError converts a Stability error response to a standardized error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Name   string   `json:"name"`
		Errors []string `json:"errors"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && len(errResp.Errors) > 0 {
		message = strings.Join(errResp.Errors, "; ")
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return generrors.NewAuthenticationError(ProviderName, "", message)
	case http.StatusTooManyRequests:
		return generrors.NewRateLimitError(ProviderName, "", message)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		if errResp.Name == "content_moderation" {
			return generrors.NewContentPolicyError(ProviderName, "", message)
		}
		return generrors.NewInvalidRequestError(ProviderName, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return generrors.NewTimeoutError(ProviderName, "", message)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return generrors.NewServiceUnavailableError(ProviderName, "", message)
	default:
		return generrors.NewInternalError(ProviderName, "", message)
	}
}
