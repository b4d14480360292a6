// Package errors provides the classified error primitives used across pagebuilder.
//
// A ClassifiedError carries a category, a severity, a retry strategy and a
// small context map. Categories mirror the failure taxonomy of the build
// pipeline: validation failures abort before any filesystem work, build
// failures come from the external compiler, post-processing failures come
// from the per-type output strategies, and cache or cleanup failures are
// logged without failing the build.
//
// Example usage:
//
//	err := errors.BuildError("compiler exited with status 1").
//		WithContext("build_id", id).
//		Build()
package errors
