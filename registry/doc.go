// Package registry houses the stage registry: the startup-time mapping from
// stage identifiers to their adapters and declared dependencies. The registry
// is the single source of the pipeline's shape — the engine derives its
// execution layers from the dependency declarations rather than hard-coding
// stage order. Dependency cycles are a configuration error and fail at
// registration, never at run time.
package registry
