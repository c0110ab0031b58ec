package openai

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelforge/panelforge/internal/provider"
	generrors "github.com/panelforge/panelforge/pkg/errors"
)

func newTestProvider(t *testing.T) provider.Provider {
	t.Helper()
	p, err := New(provider.Config{Name: "openai", Type: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	return p
}

func TestBuildRequest(t *testing.T) {
	p := newTestProvider(t)

	req, err := p.BuildRequest(context.Background(), &provider.GenerationRequest{
		Prompt: "a heroic raccoon on a rooftop",
		Model:  "gpt-image-1",
		Width:  1024,
		Height: 1024,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://api.openai.com/v1/images/generations", req.URL.String())
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "gpt-image-1", payload["model"])
	assert.Equal(t, "1024x1024", payload["size"])
	assert.Equal(t, float64(1), payload["n"])
}

func TestBuildRequestAPIKeyOverride(t *testing.T) {
	p := newTestProvider(t)

	req, err := p.BuildRequest(context.Background(), &provider.GenerationRequest{
		Prompt: "x",
		Model:  "gpt-image-1",
		APIKey: "sk-user-supplied",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-user-supplied", req.Header.Get("Authorization"))
}

func TestParseResponseURL(t *testing.T) {
	p := newTestProvider(t)

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"data":[{"url":"https://img.example.com/1.png"}]}`)),
	}
	artifact, err := p.ParseResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/1.png", artifact.URL)
}

func TestParseResponseEmpty(t *testing.T) {
	p := newTestProvider(t)

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"data":[]}`)),
	}
	_, err := p.ParseResponse(resp)
	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		name       string
		statusCode int
		body       string
		wantType   string
		transient  bool
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, generrors.TypeAuthentication, false},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, generrors.TypeRateLimit, true},
		{"bad request", 400, `{"error":{"message":"bad size"}}`, generrors.TypeInvalidRequest, false},
		{"content policy", 400, `{"error":{"message":"rejected","code":"content_policy_violation"}}`, generrors.TypeContentPolicy, false},
		{"server error", 500, `{}`, generrors.TypeInternalError, true},
		{"bad gateway", 502, `{}`, generrors.TypeServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.MapError(tt.statusCode, []byte(tt.body))
			var genErr *generrors.GenError
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, tt.wantType, genErr.Type)
			assert.Equal(t, tt.transient, generrors.IsTransient(err))
		})
	}
}
