// Package provider defines the interface for image-generation provider
// adapters. Each provider (OpenAI, Stability, Together) implements this
// interface to handle request/response transformation and error mapping.
package provider

import (
	"context"
	"net/http"

	"github.com/panelforge/panelforge/internal/fallback"
)

// GenerationRequest is the unified request for one panel-generation attempt.
type GenerationRequest struct {
	Prompt string
	Model  string
	Width  int
	Height int
	Style  string
	Params map[string]string
	// APIKey overrides the provider's configured credential when the end
	// user supplies their own key (the unmetered path).
	APIKey string
}

// Provider defines the interface that all image-provider adapters implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "stability").
	Name() string

	// BuildRequest transforms a unified GenerationRequest into a
	// provider-specific HTTP request.
	BuildRequest(ctx context.Context, req *GenerationRequest) (*http.Request, error)

	// ParseResponse transforms a provider-specific success response into a
	// unified artifact.
	ParseResponse(resp *http.Response) (*fallback.Artifact, error)

	// MapError converts a provider error response into a standardized
	// GenError carrying the transient/terminal classification.
	MapError(statusCode int, body []byte) error
}

// Factory creates provider instances from configuration.
type Factory func(cfg Config) (Provider, error)

// Config contains provider-specific configuration.
type Config struct {
	Name       string
	Type       string
	APIKey     string
	BaseURL    string
	TimeoutSec int
}
