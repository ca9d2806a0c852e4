// Package testutil provides scripted stage adapters for pipeline tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/registry"
)

// ScriptedAdapter returns pre-scripted results, optionally after a delay,
// and counts invocations. The zero value succeeds immediately with a nil
// payload.
type ScriptedAdapter struct {
	Stage core.StageID

	// Results are returned in order, one per invocation; the last entry
	// repeats once exhausted. Empty means Success with Payload.
	Results []core.StageResult

	// Payload is the success payload used when Results is empty.
	Payload json.RawMessage

	// Delay is how long Invoke blocks before returning. When the context
	// expires first, Invoke returns a deadline-reasoned TimedOut result
	// unless Uncooperative is set, in which case it keeps blocking for the
	// full Delay.
	Delay         time.Duration
	Uncooperative bool

	// Skip makes ShouldSkip report true with SkipCause.
	Skip      bool
	SkipCause string

	calls atomic.Int64
}

var _ core.Adapter = (*ScriptedAdapter)(nil)
var _ core.SkipEvaluator = (*ScriptedAdapter)(nil)

// Calls reports how many times Invoke ran.
func (a *ScriptedAdapter) Calls() int { return int(a.calls.Load()) }

// ShouldSkip implements core.SkipEvaluator.
func (a *ScriptedAdapter) ShouldSkip(core.StageInput) (bool, string) {
	return a.Skip, a.SkipCause
}

// Invoke implements core.Adapter.
func (a *ScriptedAdapter) Invoke(ctx context.Context, _ core.StageInput) core.StageResult {
	n := a.calls.Add(1)
	if a.Delay > 0 {
		if a.Uncooperative {
			time.Sleep(a.Delay)
		} else {
			select {
			case <-time.After(a.Delay):
			case <-ctx.Done():
				return core.TimedOut(a.Stage)
			}
		}
	}
	if len(a.Results) == 0 {
		return core.Success(a.Stage, a.Payload)
	}
	idx := int(n) - 1
	if idx >= len(a.Results) {
		idx = len(a.Results) - 1
	}
	return a.Results[idx]
}

// IntentPayload marshals a ParsedIntent for use as a parse-stage payload.
func IntentPayload(intent core.ParsedIntent) json.RawMessage {
	b, err := json.Marshal(intent)
	if err != nil {
		panic(err)
	}
	return b
}

// MealPipeline registers the canonical six-stage meal pipeline with the
// given adapters and returns the registry. Adapter map keys missing from
// the map get a zero-value ScriptedAdapter.
func MealPipeline(adapters map[core.StageID]core.Adapter) *registry.Registry {
	reg := registry.New()
	get := func(id core.StageID) core.Adapter {
		if a, ok := adapters[id]; ok {
			return a
		}
		return &ScriptedAdapter{Stage: id}
	}
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(reg.Register(core.StageParse, get(core.StageParse)))
	must(reg.Register(core.StageRecipe, get(core.StageRecipe), core.StageParse))
	must(reg.Register(core.StageRestaurant, get(core.StageRestaurant), core.StageParse))
	must(reg.Register(core.StageProduct, get(core.StageProduct), core.StageParse))
	must(reg.Register(core.StageNutrition, get(core.StageNutrition), core.StageRecipe, core.StageRestaurant, core.StageProduct))
	must(reg.Register(core.StagePlan, get(core.StagePlan), core.StageRecipe, core.StageRestaurant, core.StageProduct, core.StageNutrition))
	return reg
}
