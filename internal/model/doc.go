// Package model defines the data exchanged between the build pipeline components:
// the caller supplied BuildConfig, the per-build BuildContext and the BuildResult
// returned to callers and stored in the cache.
package model
