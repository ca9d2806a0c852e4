package core

import (
	"errors"
	"strings"
)

// ErrEmptyPrompt rejects inbound messages whose prompt is missing or blank.
var ErrEmptyPrompt = errors.New("prompt must be non-empty")

// Request is one inbound message starting a pipeline run. It is immutable
// once accepted; the engine and all stages receive it by value.
//
// Context is an open key/value set. The well-known keys "location", "budget"
// and "preferences" are overlaid onto the parsed intent; everything else is
// passed through to the parse stage verbatim.
type Request struct {
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Validate rejects malformed requests before a session run starts.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// NutritionGoals holds target macro-nutrients in kcal / grams. Zero values
// mean "no target".
type NutritionGoals struct {
	Calories float64 `json:"calories,omitempty"`
	Protein  float64 `json:"protein,omitempty"`
	Carbs    float64 `json:"carbs,omitempty"`
	Fats     float64 `json:"fats,omitempty"`
	Fiber    float64 `json:"fiber,omitempty"`
}

// MealContext holds the situational constraints extracted from the request.
type MealContext struct {
	MealType            string   `json:"meal_type,omitempty"`
	Location            string   `json:"location,omitempty"`
	Budget              float64  `json:"budget,omitempty"`
	CuisinePreference   []string `json:"cuisine_preference,omitempty"`
	DietaryRestrictions []string `json:"dietary_restrictions,omitempty"`
	Preferences         []string `json:"preferences,omitempty"`
}

// ParsedIntent is the structured decomposition of the raw prompt. It is
// produced exactly once per session, by the parse stage, and consumed by all
// downstream stages. Downstream stages always receive an isolated Clone so no
// stage can mutate another stage's view of it.
//
// Targets lists which search capabilities the caller asked for, drawn from
// "recipes", "restaurants" and "products".
type ParsedIntent struct {
	RawPrompt string         `json:"raw_prompt"`
	Goals     NutritionGoals `json:"nutrition_goals"`
	Context   MealContext    `json:"meal_context"`
	Targets   []string       `json:"intent"`
}

// Clone returns a deep copy safe for independent use by one stage.
func (p ParsedIntent) Clone() ParsedIntent {
	c := p
	c.Targets = append([]string(nil), p.Targets...)
	c.Context.CuisinePreference = append([]string(nil), p.Context.CuisinePreference...)
	c.Context.DietaryRestrictions = append([]string(nil), p.Context.DietaryRestrictions...)
	c.Context.Preferences = append([]string(nil), p.Context.Preferences...)
	return c
}

// WantsTarget reports whether the intent names the given search target.
func (p ParsedIntent) WantsTarget(target string) bool {
	for _, t := range p.Targets {
		if t == target || t == "all" {
			return true
		}
	}
	return false
}

// Recipe is one recipe record produced by the recipe stage.
type Recipe struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	Ingredients  []string           `json:"ingredients"`
	Instructions []string           `json:"instructions,omitempty"`
	Nutrition    map[string]float64 `json:"nutrition"`
	PrepTime     int                `json:"prep_time,omitempty"`
	CookTime     int                `json:"cook_time,omitempty"`
	Servings     int                `json:"servings,omitempty"`
	ImageURL     string             `json:"image_url,omitempty"`
	SourceURL    string             `json:"source_url,omitempty"`
}

// RestaurantMeal is one restaurant dish produced by the restaurant stage.
type RestaurantMeal struct {
	RestaurantName     string             `json:"restaurant_name"`
	DishName           string             `json:"dish_name"`
	Description        string             `json:"description,omitempty"`
	EstimatedNutrition map[string]float64 `json:"estimated_nutrition"`
	Price              float64            `json:"price"`
	Location           string             `json:"location"`
	Rating             float64            `json:"rating,omitempty"`
	CuisineType        string             `json:"cuisine_type,omitempty"`
}

// Product is one retail product produced by the product stage.
type Product struct {
	Name         string             `json:"name"`
	Brand        string             `json:"brand,omitempty"`
	Nutrition    map[string]float64 `json:"nutrition"`
	Price        float64            `json:"price,omitempty"`
	PricePerUnit string             `json:"price_per_unit,omitempty"`
	ImageURL     string             `json:"image_url,omitempty"`
	PurchaseURL  string             `json:"purchase_url,omitempty"`
}

// MealPlanItem is one entry of a MealPlan: a recipe, restaurant meal or
// product together with its nutrition contribution.
type MealPlanItem struct {
	Type      string             `json:"type"`
	Data      any                `json:"data"`
	Nutrition map[string]float64 `json:"nutrition,omitempty"`
}

// MealPlan is the composite plan assembled by the synthesis stage.
type MealPlan struct {
	Date            string             `json:"date,omitempty"`
	Meals           []MealPlanItem     `json:"meals"`
	TotalNutrition  map[string]float64 `json:"total_nutrition"`
	TotalCost       float64            `json:"total_cost,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}
