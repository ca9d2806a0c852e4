package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

const spoonacularBaseURL = "https://api.spoonacular.com"

// RecipeOptions configures the recipe search stage.
type RecipeOptions struct {
	// BaseURL overrides the Spoonacular endpoint, mainly for tests.
	BaseURL    string
	MaxResults int
	HTTPClient *http.Client
	Logger     logging.Logger
}

// RecipeAdapter searches recipes via the Spoonacular complexSearch API,
// filtered by the intent's macro targets and dietary constraints.
type RecipeAdapter struct {
	apiKey string
	opts   RecipeOptions
}

var _ core.Adapter = (*RecipeAdapter)(nil)
var _ core.SkipEvaluator = (*RecipeAdapter)(nil)

// NewRecipeAdapter builds the recipe stage. An empty apiKey makes the stage
// skip instead of fail, matching the degraded-but-alive posture of the rest
// of the pipeline.
func NewRecipeAdapter(apiKey string, optFns ...func(o *RecipeOptions)) *RecipeAdapter {
	opts := RecipeOptions{
		BaseURL:    spoonacularBaseURL,
		MaxResults: 10,
		HTTPClient: defaultHTTPClient,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RecipeAdapter{apiKey: apiKey, opts: opts}
}

// ShouldSkip implements core.SkipEvaluator.
func (a *RecipeAdapter) ShouldSkip(in core.StageInput) (bool, string) {
	if in.Intent == nil || !in.Intent.WantsTarget("recipes") {
		return true, "recipes not requested"
	}
	if a.apiKey == "" {
		return true, "recipe search not configured"
	}
	return false, ""
}

// Invoke implements core.Adapter.
func (a *RecipeAdapter) Invoke(ctx context.Context, in core.StageInput) core.StageResult {
	params := url.Values{
		"apiKey":               {a.apiKey},
		"number":               {strconv.Itoa(a.opts.MaxResults)},
		"addRecipeInformation": {"true"},
		"addRecipeNutrition":   {"true"},
	}
	intent := in.Intent
	if intent.Goals.Protein > 0 {
		params.Set("minProtein", strconv.FormatFloat(intent.Goals.Protein, 'f', -1, 64))
	}
	if intent.Goals.Calories > 0 {
		params.Set("maxCalories", strconv.FormatFloat(intent.Goals.Calories, 'f', -1, 64))
	}
	if len(intent.Context.CuisinePreference) > 0 {
		params.Set("cuisine", strings.Join(intent.Context.CuisinePreference, ","))
	}
	if len(intent.Context.DietaryRestrictions) > 0 {
		params.Set("diet", strings.Join(intent.Context.DietaryRestrictions, ","))
	}
	if intent.Context.MealType != "" {
		params.Set("type", intent.Context.MealType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.opts.BaseURL+"/recipes/complexSearch?"+params.Encode(), nil)
	if err != nil {
		return core.Failure(core.StageRecipe, core.ReasonPermanent, err.Error())
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return failureFor(ctx, core.StageRecipe, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return failureFor(ctx, core.StageRecipe, err)
	}
	if resp.StatusCode != http.StatusOK {
		return core.Failure(core.StageRecipe, reasonForStatus(resp.StatusCode),
			fmt.Sprintf("recipe search returned %d", resp.StatusCode))
	}

	recipes := decodeRecipes(body, a.opts.MaxResults)
	a.opts.Logger.Debug("recipe search settled", "count", len(recipes))
	payload, err := json.Marshal(recipes)
	if err != nil {
		return core.Failure(core.StageRecipe, core.ReasonPermanent, err.Error())
	}
	return core.Success(core.StageRecipe, payload)
}

// decodeRecipes maps the complexSearch response into Recipe records,
// folding the nutrient table into a flat macro map.
func decodeRecipes(body []byte, limit int) []core.Recipe {
	recipes := []core.Recipe{}
	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		if len(recipes) >= limit {
			return false
		}
		rec := core.Recipe{
			ID:        r.Get("id").String(),
			Title:     r.Get("title").String(),
			Nutrition: map[string]float64{},
			PrepTime:  int(r.Get("preparationMinutes").Int()),
			CookTime:  int(r.Get("cookingMinutes").Int()),
			Servings:  int(r.Get("servings").Int()),
			ImageURL:  r.Get("image").String(),
			SourceURL: r.Get("sourceUrl").String(),
		}
		r.Get("nutrition.nutrients").ForEach(func(_, n gjson.Result) bool {
			// Exact names only: the nutrient table also carries rows
			// like "Saturated Fat" and "Net Carbohydrates" that must
			// not overwrite the totals.
			name := strings.ToLower(n.Get("name").String())
			amount := n.Get("amount").Float()
			switch name {
			case "calories":
				rec.Nutrition["calories"] = amount
			case "protein":
				rec.Nutrition["protein"] = amount
			case "carbohydrates":
				rec.Nutrition["carbs"] = amount
			case "fat", "total fat":
				rec.Nutrition["fats"] = amount
			case "fiber", "dietary fiber":
				rec.Nutrition["fiber"] = amount
			}
			return true
		})
		r.Get("extendedIngredients.#.original").ForEach(func(_, ing gjson.Result) bool {
			rec.Ingredients = append(rec.Ingredients, ing.String())
			return true
		})
		recipes = append(recipes, rec)
		return true
	})
	return recipes
}
