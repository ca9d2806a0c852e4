package adapter

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

var macroKeys = []string{"calories", "protein", "carbs", "fats", "fiber"}

// NutritionOptions configures the nutrition fan-in stage.
type NutritionOptions struct {
	Logger logging.Logger
}

// NutritionAdapter is the pure fan-in stage: it consumes whatever the search
// stages produced and computes per-source and best-candidate nutrition
// against the intent's goals. It makes no external calls.
//
// A source that settled without usable data is recorded as a warning, and
// the stage distinguishes "failed upstream" from "legitimately absent"
// (skipped or empty): only the former degrades the result to partial.
type NutritionAdapter struct {
	logger logging.Logger
}

var _ core.Adapter = (*NutritionAdapter)(nil)
var _ core.SkipEvaluator = (*NutritionAdapter)(nil)

// NewNutritionAdapter builds the nutrition stage.
func NewNutritionAdapter(optFns ...func(o *NutritionOptions)) *NutritionAdapter {
	opts := NutritionOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &NutritionAdapter{logger: opts.Logger}
}

// ShouldSkip implements core.SkipEvaluator: with no source data at all there
// is nothing to analyze.
func (a *NutritionAdapter) ShouldSkip(in core.StageInput) (bool, string) {
	for _, res := range in.Upstream {
		if !res.Absent() {
			return false, ""
		}
	}
	return true, "no source data to analyze"
}

// Invoke implements core.Adapter.
func (a *NutritionAdapter) Invoke(_ context.Context, in core.StageInput) core.StageResult {
	summary := []byte(`{}`)
	var warnings []string
	degraded := false

	for _, stage := range []core.StageID{core.StageRecipe, core.StageRestaurant, core.StageProduct} {
		res, ok := in.Upstream[stage]
		if !ok || res.Status == core.StatusSkipped {
			continue
		}
		if !res.Succeeded() {
			warnings = append(warnings, fmt.Sprintf("%s data unavailable: %s", stage, res.Status))
			degraded = true
			continue
		}
		items := gjson.ParseBytes(res.Payload)
		if !items.IsArray() || len(items.Array()) == 0 {
			continue
		}
		summary = a.analyzeSource(summary, stage, items, in.Intent)
	}

	if in.Intent != nil {
		goals := in.Intent.Goals
		summary, _ = sjson.SetBytes(summary, "goals.calories", goals.Calories)
		summary, _ = sjson.SetBytes(summary, "goals.protein", goals.Protein)
		summary, _ = sjson.SetBytes(summary, "goals.carbs", goals.Carbs)
		summary, _ = sjson.SetBytes(summary, "goals.fats", goals.Fats)
	}

	a.logger.Debug("nutrition analysis settled", "warnings", len(warnings))
	if degraded {
		return core.Partial(core.StageNutrition, summary, warnings...)
	}
	return core.Success(core.StageNutrition, summary)
}

// analyzeSource appends one source's aggregate macros and its best candidate
// (highest protein, the primary ranking axis of the product) to the summary.
func (a *NutritionAdapter) analyzeSource(summary []byte, stage core.StageID, items gjson.Result, intent *core.ParsedIntent) []byte {
	nutritionPath := "nutrition"
	if stage == core.StageRestaurant {
		nutritionPath = "estimated_nutrition"
	}

	totals := map[string]float64{}
	count := 0
	bestProtein := -1.0
	bestIdx := -1

	items.ForEach(func(idx, item gjson.Result) bool {
		n := item.Get(nutritionPath)
		for _, key := range macroKeys {
			totals[key] += n.Get(key).Float()
		}
		if p := n.Get("protein").Float(); p > bestProtein {
			bestProtein = p
			bestIdx = int(idx.Int())
		}
		count++
		return true
	})
	if count == 0 {
		return summary
	}

	base := "sources." + string(stage)
	summary, _ = sjson.SetBytes(summary, base+".count", count)
	for _, key := range macroKeys {
		if totals[key] > 0 {
			summary, _ = sjson.SetBytes(summary, base+".average."+key, totals[key]/float64(count))
		}
	}
	if bestIdx >= 0 {
		summary, _ = sjson.SetBytes(summary, base+".best_index", bestIdx)
		if intent != nil && intent.Goals.Protein > 0 {
			summary, _ = sjson.SetBytes(summary, base+".best_protein_gap", intent.Goals.Protein-bestProtein)
		}
	}
	return summary
}
