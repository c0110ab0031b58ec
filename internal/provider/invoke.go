package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/httputil"
	generrors "github.com/panelforge/panelforge/pkg/errors"
)

// Invoke runs one generation attempt against a provider: build, send, parse.
// Error responses go through the provider's MapError so the fallback
// executor sees classified failures.
func Invoke(ctx context.Context, client *http.Client, prov Provider, req *GenerationRequest) (*fallback.Artifact, error) {
	httpReq, err := prov.BuildRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network-level failures are transient by classification.
		return nil, generrors.NewServiceUnavailableError(prov.Name(), req.Model, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
		return nil, prov.MapError(resp.StatusCode, body)
	}

	artifact, err := prov.ParseResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	artifact.Provider = prov.Name()
	return artifact, nil
}
