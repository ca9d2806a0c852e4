package core

import "encoding/json"

// CoverageSummary is the explicit record of which stages contributed to,
// degraded within, or were absent from a composite result. The slices are
// always non-nil so the JSON form distinguishes "empty" from "missing", and
// each stage appears in exactly one list.
type CoverageSummary struct {
	Contributed []StageID `json:"contributed"`
	Degraded    []StageID `json:"degraded"`
	TimedOut    []StageID `json:"timed_out"`
	Skipped     []StageID `json:"skipped"`
}

// AggregateResult is the composite of all settled StageResults for one run.
// It is producible whenever the parse stage succeeded, even if every optional
// stage failed: the intent and coverage summary are always present, sections
// only when their stage produced data.
//
// Building an AggregateResult is deterministic: the same StageResult set
// always yields byte-identical JSON.
type AggregateResult struct {
	Intent      ParsedIntent    `json:"intent"`
	Recipes     json.RawMessage `json:"recipes,omitempty"`
	Restaurants json.RawMessage `json:"restaurants,omitempty"`
	Products    json.RawMessage `json:"products,omitempty"`
	Nutrition   json.RawMessage `json:"nutrition_summary,omitempty"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	Coverage    CoverageSummary `json:"coverage"`
	Stages      []StageResult   `json:"stages"`
}
