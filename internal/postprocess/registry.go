// Package postprocess applies per-content-type transformations to compiled
// HTML before a build result is cached and returned.
package postprocess

import (
	"context"
	"fmt"
	"slices"
	"sync"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// Processor transforms the artifact of one successful build.
type Processor interface {
	Validate(bctx *model.BuildContext) bool
	Process(ctx context.Context, bctx *model.BuildContext, result *model.BuildResult) (*model.BuildResult, error)
}

// Registry maps content types to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// NewDefaultRegistry returns a registry with the email, activity and landing
// processors registered.
func NewDefaultRegistry(defaults Defaults) *Registry {
	r := NewRegistry()
	r.Register(model.TypeEmail, NewEmailProcessor())
	r.Register(model.TypeActivity, NewActivityProcessor(defaults))
	r.Register(model.TypeLanding, NewLandingProcessor(defaults))
	return r
}

// Register adds or replaces the processor for buildType.
func (r *Registry) Register(buildType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[buildType] = p
}

// Has reports whether buildType has a processor.
func (r *Registry) Has(buildType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[buildType]
	return ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Process runs the processor registered for buildType. An unknown type or a
// failed validation is an error; output is never passed through silently.
func (r *Registry) Process(ctx context.Context, buildType string, bctx *model.BuildContext, result *model.BuildResult) (*model.BuildResult, error) {
	r.mu.RLock()
	p, ok := r.processors[buildType]
	r.mu.RUnlock()
	if !ok {
		return nil, ferrors.PostProcessError(fmt.Sprintf("no strategy for type %q", buildType)).
			WithContext("build_type", buildType).Build()
	}
	if !p.Validate(bctx) {
		return nil, ferrors.ValidationError(fmt.Sprintf("post-processing validation failed for type %q", buildType)).
			WithContext("build_type", buildType).Build()
	}
	if result == nil {
		return nil, ferrors.PostProcessError("no build result to process").Build()
	}
	out, err := p.Process(ctx, bctx, result)
	if err != nil {
		if ferrors.IsClassified(err) {
			return nil, err
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryPostProcess, "post-processing failed").
			WithContext("build_type", buildType).Build()
	}
	return out, nil
}
