package core

import "context"

// StageID identifies one capability slot in the pipeline. The engine treats
// ids as opaque; the well-known constants below cover the meal-planning
// pipeline shipped with this module.
type StageID string

const (
	// StageParse decomposes the free-form prompt into a ParsedIntent. It is
	// the mandatory gate stage: its failure is the only pipeline-fatal
	// condition.
	StageParse StageID = "parse"
	// StageRecipe searches recipes matching the parsed nutrition goals.
	StageRecipe StageID = "recipe"
	// StageRestaurant searches restaurant meals near the parsed location.
	StageRestaurant StageID = "restaurant"
	// StageProduct searches retail products matching the nutrition goals.
	StageProduct StageID = "product"
	// StageNutrition is the fan-in stage computing a nutrition summary over
	// all fan-out outputs, present or absent.
	StageNutrition StageID = "nutrition"
	// StagePlan is the synthesis stage assembling the composite meal plan.
	StagePlan StageID = "plan"
)

// StageInput is the immutable snapshot handed to an Adapter invocation.
//
// Intent is nil only for the gate stage (which produces it). Upstream holds a
// copy of every settled StageResult the stage declared a dependency on; a
// dependency that failed or timed out is present with its non-success status,
// never silently missing, so adapters can distinguish "no data found" from
// "stage did not complete".
type StageInput struct {
	SessionID string
	Request   Request
	Intent    *ParsedIntent
	Upstream  map[StageID]StageResult
}

// Adapter wraps one capability behind a uniform asynchronous call contract.
//
// Invoke must honor the deadline carried by ctx by returning a TimedOut
// result rather than blocking past it. This is cooperative: the engine
// additionally enforces a hard cutoff and discards results that arrive after
// it. Invoke must never panic across the boundary and must always return a
// settled StageResult.
type Adapter interface {
	Invoke(ctx context.Context, in StageInput) StageResult
}

// SkipEvaluator is an optional Adapter extension. When implemented, the
// engine consults ShouldSkip before invoking the stage; a true return records
// the stage as Skipped with the given cause and the adapter is never called.
// The nutrition fan-in uses this to declare itself skippable when every
// fan-out input is absent.
type SkipEvaluator interface {
	ShouldSkip(in StageInput) (bool, string)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, in StageInput) StageResult

// Invoke implements Adapter.
func (f AdapterFunc) Invoke(ctx context.Context, in StageInput) StageResult { return f(ctx, in) }
