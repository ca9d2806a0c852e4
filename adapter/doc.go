// Package adapter contains the concrete stage implementations of the meal
// pipeline: the LLM-backed parse stage, the recipe / restaurant / product
// search stages over their external APIs, the pure nutrition fan-in stage
// and the plan synthesis stage.
//
// Every adapter converts its external outcome into a StageResult and never
// panics or blocks past its context: transport and rate-limit errors come
// back as transient failures eligible for retry, while malformed input or
// rejected credentials come back as permanent failures.
package adapter
