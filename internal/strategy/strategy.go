// Package strategy defines how a single build is validated, keyed, prepared,
// executed and cleaned up.
//
// CompilerStrategy is the production implementation. It copies the project
// template into a per-build working directory, runs the external static-site
// compiler there and packages the published output as the build artifact.
package strategy

import (
	"context"

	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// Strategy executes builds for one BuildContext at a time.
//
// Execute never panics and never returns an error value; failures are reported
// through BuildResult.Success and BuildResult.Error. Prepare and Cleanup may
// fail, and Cleanup must tolerate an already removed working directory.
type Strategy interface {
	Validate(bctx *model.BuildContext) bool
	Hash(bctx *model.BuildContext) (string, error)
	Prepare(ctx context.Context, bctx *model.BuildContext) error
	Execute(ctx context.Context, bctx *model.BuildContext, onProgress ProgressFunc) *model.BuildResult
	Cleanup(ctx context.Context, bctx *model.BuildContext) error
}

// TypeRegistry reports whether a content type has a post-processing strategy.
type TypeRegistry interface {
	Has(buildType string) bool
}
