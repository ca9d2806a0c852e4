package adapter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nutrimesh/nutrimesh/core"
)

func nutritionInput(upstream map[core.StageID]core.StageResult) core.StageInput {
	return core.StageInput{
		Intent:   &core.ParsedIntent{Goals: core.NutritionGoals{Protein: 200}, Targets: []string{"all"}},
		Upstream: upstream,
	}
}

func TestNutritionAdapterSummarizesSources(t *testing.T) {
	recipes, _ := json.Marshal([]core.Recipe{
		{Title: "A", Nutrition: map[string]float64{"protein": 40, "calories": 500}},
		{Title: "B", Nutrition: map[string]float64{"protein": 60, "calories": 700}},
	})
	products, _ := json.Marshal([]core.Product{
		{Name: "Whey", Nutrition: map[string]float64{"protein": 27, "calories": 110}},
	})

	a := NewNutritionAdapter()
	res := a.Invoke(context.Background(), nutritionInput(map[core.StageID]core.StageResult{
		core.StageRecipe:  core.Success(core.StageRecipe, recipes),
		core.StageProduct: core.Success(core.StageProduct, products),
	}))
	require.Equal(t, core.StatusSuccess, res.Status)

	summary := gjson.ParseBytes(res.Payload)
	assert.Equal(t, int64(2), summary.Get("sources.recipe.count").Int())
	assert.Equal(t, 50.0, summary.Get("sources.recipe.average.protein").Float())
	assert.Equal(t, 600.0, summary.Get("sources.recipe.average.calories").Float())
	// Recipe B has the highest protein, so it is the best candidate.
	assert.Equal(t, int64(1), summary.Get("sources.recipe.best_index").Int())
	assert.Equal(t, 140.0, summary.Get("sources.recipe.best_protein_gap").Float())
	assert.Equal(t, 200.0, summary.Get("goals.protein").Float())
	assert.Equal(t, int64(1), summary.Get("sources.product.count").Int())
}

func TestNutritionAdapterFailedUpstreamDegrades(t *testing.T) {
	recipes, _ := json.Marshal([]core.Recipe{
		{Title: "A", Nutrition: map[string]float64{"protein": 40}},
	})

	a := NewNutritionAdapter()
	res := a.Invoke(context.Background(), nutritionInput(map[core.StageID]core.StageResult{
		core.StageRecipe:     core.Success(core.StageRecipe, recipes),
		core.StageRestaurant: core.TimedOut(core.StageRestaurant),
	}))

	// A failed source degrades the analysis; a skipped one would not.
	assert.Equal(t, core.StatusPartial, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "restaurant data unavailable")
	assert.True(t, gjson.GetBytes(res.Payload, "sources.recipe").Exists())
}

func TestNutritionAdapterSkippedUpstreamIsNotDegradation(t *testing.T) {
	recipes, _ := json.Marshal([]core.Recipe{
		{Title: "A", Nutrition: map[string]float64{"protein": 40}},
	})

	a := NewNutritionAdapter()
	res := a.Invoke(context.Background(), nutritionInput(map[core.StageID]core.StageResult{
		core.StageRecipe:     core.Success(core.StageRecipe, recipes),
		core.StageRestaurant: core.Skipped(core.StageRestaurant, "restaurants not requested"),
	}))

	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.Empty(t, res.Warnings)
}

func TestNutritionAdapterSkipsWithoutData(t *testing.T) {
	a := NewNutritionAdapter()

	skip, cause := a.ShouldSkip(nutritionInput(map[core.StageID]core.StageResult{
		core.StageRecipe:     core.Failure(core.StageRecipe, core.ReasonPermanent, "down"),
		core.StageRestaurant: core.Skipped(core.StageRestaurant, "not requested"),
	}))
	assert.True(t, skip)
	assert.Equal(t, "no source data to analyze", cause)

	recipes, _ := json.Marshal([]core.Recipe{{Title: "A"}})
	skip, _ = a.ShouldSkip(nutritionInput(map[core.StageID]core.StageResult{
		core.StageRecipe: core.Success(core.StageRecipe, recipes),
	}))
	assert.False(t, skip)
}
