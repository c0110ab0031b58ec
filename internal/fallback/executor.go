// Package fallback drives an ordered list of provider profiles until one
// attempt succeeds, a terminal failure stops the chain, or the list is
// exhausted. Classification of a failure as transient or terminal is a pure
// function of the attempt error, never of elapsed time or attempt count.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	generrors "github.com/panelforge/panelforge/pkg/errors"
)

// Profile describes one provider model configuration in the fallback chain.
// Profiles are selected strictly by list position.
type Profile struct {
	Provider string            `yaml:"provider" json:"provider"`
	Model    string            `yaml:"model" json:"model"`
	Width    int               `yaml:"width" json:"width"`
	Height   int               `yaml:"height" json:"height"`
	Params   map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Artifact is one generated panel image reference produced by a provider.
type Artifact struct {
	URL         string `json:"url,omitempty"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
}

// AttemptFunc executes one provider call for one profile.
type AttemptFunc func(ctx context.Context, profile Profile) (*Artifact, error)

// Result is a successful run: the artifact and the profile that produced it.
type Result struct {
	Artifact *Artifact
	Profile  Profile
	Attempts int
}

// ExhaustedError reports a run that produced no artifact. Last is the error
// that stopped the chain; Failures holds every observed failure in attempt
// order for diagnostics.
type ExhaustedError struct {
	Last     error
	Failures []error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fallback chain exhausted after %d attempt(s)", e.Attempts)
	if e.Last != nil {
		fmt.Fprintf(&b, ": %v", e.Last)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor runs fallback chains.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a fallback executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Run invokes attempt against each profile in list order. A transient
// failure moves to the next profile; a terminal failure stops immediately.
// No profile is tried more than once per run.
func (e *Executor) Run(ctx context.Context, profiles []Profile, attempt AttemptFunc) (*Result, error) {
	if len(profiles) == 0 {
		return nil, &ExhaustedError{Last: errors.New("no profiles configured")}
	}

	var failures []error
	for i, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return nil, &ExhaustedError{Last: err, Failures: failures, Attempts: i}
		}

		artifact, err := attempt(ctx, profile)
		if err == nil {
			if artifact == nil {
				err = generrors.NewInternalError(profile.Provider, profile.Model, "provider returned no artifact")
			} else {
				return &Result{Artifact: artifact, Profile: profile, Attempts: i + 1}, nil
			}
		}

		failures = append(failures, err)
		if generrors.IsTerminal(err) {
			e.logger.Warn("fallback stopped on terminal failure",
				"provider", profile.Provider,
				"model", profile.Model,
				"attempt", i+1,
				"error", err,
			)
			return nil, &ExhaustedError{Last: err, Failures: failures, Attempts: i + 1}
		}

		e.logger.Debug("transient failure, trying next profile",
			"provider", profile.Provider,
			"model", profile.Model,
			"attempt", i+1,
			"error", err,
		)
	}

	return nil, &ExhaustedError{
		Last:     failures[len(failures)-1],
		Failures: failures,
		Attempts: len(profiles),
	}
}
