package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

const placesBaseURL = "https://maps.googleapis.com/maps/api"

// RestaurantOptions configures the restaurant search stage.
type RestaurantOptions struct {
	BaseURL    string
	MaxResults int
	HTTPClient *http.Client
	Logger     logging.Logger
}

// RestaurantAdapter searches restaurants via the Google Places Text Search
// API near the intent's location.
type RestaurantAdapter struct {
	apiKey string
	opts   RestaurantOptions
}

var _ core.Adapter = (*RestaurantAdapter)(nil)
var _ core.SkipEvaluator = (*RestaurantAdapter)(nil)

// NewRestaurantAdapter builds the restaurant stage.
func NewRestaurantAdapter(apiKey string, optFns ...func(o *RestaurantOptions)) *RestaurantAdapter {
	opts := RestaurantOptions{
		BaseURL:    placesBaseURL,
		MaxResults: 10,
		HTTPClient: defaultHTTPClient,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RestaurantAdapter{apiKey: apiKey, opts: opts}
}

// ShouldSkip implements core.SkipEvaluator.
func (a *RestaurantAdapter) ShouldSkip(in core.StageInput) (bool, string) {
	if in.Intent == nil || !in.Intent.WantsTarget("restaurants") {
		return true, "restaurants not requested"
	}
	if a.apiKey == "" {
		return true, "restaurant search not configured"
	}
	return false, ""
}

// Invoke implements core.Adapter.
func (a *RestaurantAdapter) Invoke(ctx context.Context, in core.StageInput) core.StageResult {
	intent := in.Intent

	query := "restaurant"
	if intent.Context.MealType != "" {
		query = intent.Context.MealType + " restaurant"
	}
	if len(intent.Context.CuisinePreference) > 0 {
		query = intent.Context.CuisinePreference[0] + " " + query
	}

	params := url.Values{
		"query": {query},
		"key":   {a.apiKey},
	}
	if intent.Context.Location != "" {
		params.Set("location", intent.Context.Location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.opts.BaseURL+"/place/textsearch/json?"+params.Encode(), nil)
	if err != nil {
		return core.Failure(core.StageRestaurant, core.ReasonPermanent, err.Error())
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return failureFor(ctx, core.StageRestaurant, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return failureFor(ctx, core.StageRestaurant, err)
	}
	if resp.StatusCode != http.StatusOK {
		return core.Failure(core.StageRestaurant, reasonForStatus(resp.StatusCode),
			fmt.Sprintf("restaurant search returned %d", resp.StatusCode))
	}
	if status := gjson.GetBytes(body, "status").String(); status != "OK" && status != "ZERO_RESULTS" {
		return core.Failure(core.StageRestaurant, core.ReasonPermanent,
			fmt.Sprintf("places api status %s", status))
	}

	meals := a.decodePlaces(body, intent)
	a.opts.Logger.Debug("restaurant search settled", "count", len(meals))
	payload, err := json.Marshal(meals)
	if err != nil {
		return core.Failure(core.StageRestaurant, core.ReasonPermanent, err.Error())
	}
	return core.Success(core.StageRestaurant, payload)
}

func (a *RestaurantAdapter) decodePlaces(body []byte, intent *core.ParsedIntent) []core.RestaurantMeal {
	meals := []core.RestaurantMeal{}
	cuisine := ""
	if len(intent.Context.CuisinePreference) > 0 {
		cuisine = intent.Context.CuisinePreference[0]
	}
	gjson.GetBytes(body, "results").ForEach(func(_, p gjson.Result) bool {
		if len(meals) >= a.opts.MaxResults {
			return false
		}
		meals = append(meals, core.RestaurantMeal{
			RestaurantName:     p.Get("name").String(),
			DishName:           dishNameFor(intent),
			EstimatedNutrition: map[string]float64{},
			Price:              float64(p.Get("price_level").Int()),
			Location:           p.Get("formatted_address").String(),
			Rating:             p.Get("rating").Float(),
			CuisineType:        cuisine,
		})
		return true
	})
	return meals
}

// dishNameFor labels the suggested order; Places has no menu data, so the
// label comes from the meal context.
func dishNameFor(intent *core.ParsedIntent) string {
	if mt := intent.Context.MealType; mt != "" {
		return strings.ToUpper(mt[:1]) + mt[1:] + " selection"
	}
	return "Chef's selection"
}
