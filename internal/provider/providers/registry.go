// Package providers provides a centralized registry of all image providers.
package providers

import (
	"github.com/panelforge/panelforge/internal/provider"
	"github.com/panelforge/panelforge/internal/provider/openai"
	"github.com/panelforge/panelforge/internal/provider/stability"
	"github.com/panelforge/panelforge/internal/provider/together"
)

// Factories maps provider type names to their factory functions.
var Factories = map[string]provider.Factory{
	"openai":    openai.New,
	"stability": stability.New,
	"together":  together.New,
}

// Register installs every known factory into the registry.
func Register(r *provider.Registry) {
	for name, factory := range Factories {
		r.RegisterFactory(name, factory)
	}
}
