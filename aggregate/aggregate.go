// Package aggregate implements the result aggregator: the deterministic,
// I/O-free composition of settled StageResults into one AggregateResult with
// an explicit coverage summary. Given the same StageResult set, Build always
// produces byte-identical JSON output.
package aggregate

import (
	"encoding/json"
	"sort"

	"github.com/nutrimesh/nutrimesh/core"
)

// canonicalOrder fixes the stage ordering of every composite result. Stages
// absent from the input set are simply omitted; unknown stages sort last in
// lexical order so the output stays deterministic for custom pipelines.
var canonicalOrder = []core.StageID{
	core.StageParse,
	core.StageRecipe,
	core.StageRestaurant,
	core.StageProduct,
	core.StageNutrition,
	core.StagePlan,
}

// Build composes the aggregate result from the parsed intent and the full
// set of settled StageResults. It performs no I/O and has no hidden state.
//
// Coverage classification: Success results contribute; PartialSuccess and
// Failure are degraded; TimedOut and Skipped are recorded distinctly. Each
// stage lands in exactly one coverage list. Sections are filled only from
// results that carry a usable payload.
func Build(intent core.ParsedIntent, results map[core.StageID]core.StageResult) core.AggregateResult {
	agg := core.AggregateResult{
		Intent: intent.Clone(),
		Coverage: core.CoverageSummary{
			Contributed: []core.StageID{},
			Degraded:    []core.StageID{},
			TimedOut:    []core.StageID{},
			Skipped:     []core.StageID{},
		},
		Stages: []core.StageResult{},
	}

	for _, id := range orderedStages(results) {
		r := results[id]
		agg.Stages = append(agg.Stages, r)

		switch r.Status {
		case core.StatusSuccess:
			agg.Coverage.Contributed = append(agg.Coverage.Contributed, id)
		case core.StatusPartial, core.StatusFailure:
			agg.Coverage.Degraded = append(agg.Coverage.Degraded, id)
		case core.StatusTimedOut:
			agg.Coverage.TimedOut = append(agg.Coverage.TimedOut, id)
		case core.StatusSkipped:
			agg.Coverage.Skipped = append(agg.Coverage.Skipped, id)
		}

		if r.Succeeded() && len(r.Payload) > 0 {
			fillSection(&agg, id, r.Payload)
		}
	}
	return agg
}

// Marshal renders the aggregate result as its canonical JSON form.
func Marshal(agg core.AggregateResult) ([]byte, error) {
	return json.Marshal(agg)
}

func fillSection(agg *core.AggregateResult, id core.StageID, payload json.RawMessage) {
	switch id {
	case core.StageRecipe:
		agg.Recipes = payload
	case core.StageRestaurant:
		agg.Restaurants = payload
	case core.StageProduct:
		agg.Products = payload
	case core.StageNutrition:
		agg.Nutrition = payload
	case core.StagePlan:
		agg.Plan = payload
	}
}

func orderedStages(results map[core.StageID]core.StageResult) []core.StageID {
	ordered := make([]core.StageID, 0, len(results))
	seen := make(map[core.StageID]bool, len(results))
	for _, id := range canonicalOrder {
		if _, ok := results[id]; ok {
			ordered = append(ordered, id)
			seen[id] = true
		}
	}
	var rest []core.StageID
	for id := range results {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	// Lexical tail ordering keeps custom stages deterministic.
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(ordered, rest...)
}
