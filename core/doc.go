// Package core provides the foundational domain types and contracts used by
// NutriMesh. It defines the core abstractions for:
//
//   - Stages (units of pipeline work behind the Adapter call contract)
//   - StageResult (tagged settlement variant for every stage invocation)
//   - ProgressEvent (ordered, per-session outbound event records)
//   - Request / ParsedIntent (inbound message and its structured decomposition)
//   - AggregateResult (composite output with explicit coverage gaps)
//
// The package intentionally keeps implementation concerns (registries, engine
// orchestration, concrete adapters, transports) out of scope, exposing small
// interfaces to enable custom capabilities and extensions.
package core
