package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

const planSystemPrompt = `You are a meal planning assistant. Given a structured
meal plan in JSON, write 2-4 short, friendly recommendations for the user.
Answer with a JSON array of strings and nothing else.`

// PlanOptions configures the synthesis stage.
type PlanOptions struct {
	// Model, when set, generates the plan's recommendation notes. The plan
	// itself is always assembled deterministically.
	Model ChatModel

	// ItemsPerSource bounds how many entries of each search stage enter the
	// plan.
	ItemsPerSource int

	Logger logging.Logger
}

// PlanAdapter is the synthesis stage: it deterministically assembles the
// final MealPlan from the settled search and nutrition results. The same
// inputs always produce the same plan; only the optional LLM-written
// recommendations vary, and their failure degrades the result to partial
// instead of failing it.
type PlanAdapter struct {
	opts PlanOptions
}

var _ core.Adapter = (*PlanAdapter)(nil)

// NewPlanAdapter builds the synthesis stage.
func NewPlanAdapter(optFns ...func(o *PlanOptions)) *PlanAdapter {
	opts := PlanOptions{
		ItemsPerSource: 3,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &PlanAdapter{opts: opts}
}

// Invoke implements core.Adapter.
func (a *PlanAdapter) Invoke(ctx context.Context, in core.StageInput) core.StageResult {
	plan := a.assemble(in)
	a.opts.Logger.Debug("plan assembled", "meals", len(plan.Meals), "total_cost", plan.TotalCost)

	var warnings []string
	if a.opts.Model != nil && len(plan.Meals) > 0 {
		notes, err := a.recommend(ctx, plan)
		if err != nil {
			warnings = append(warnings, "recommendations unavailable: "+err.Error())
		} else {
			plan.Recommendations = notes
		}
	}
	if len(plan.Recommendations) == 0 {
		plan.Recommendations = defaultRecommendations(in.Intent, plan)
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		return core.Failure(core.StagePlan, core.ReasonPermanent, err.Error())
	}
	if len(warnings) > 0 {
		return core.Partial(core.StagePlan, payload, warnings...)
	}
	return core.Success(core.StagePlan, payload)
}

// assemble builds the plan from whatever upstream data survived, in a fixed
// source order so replays produce identical plans.
func (a *PlanAdapter) assemble(in core.StageInput) core.MealPlan {
	plan := core.MealPlan{
		Date:           time.Now().UTC().Format("2006-01-02"),
		Meals:          []core.MealPlanItem{},
		TotalNutrition: map[string]float64{},
	}

	type source struct {
		stage         core.StageID
		kind          string
		nutritionPath string
	}
	for _, src := range []source{
		{core.StageRecipe, "recipe", "nutrition"},
		{core.StageRestaurant, "restaurant", "estimated_nutrition"},
		{core.StageProduct, "product", "nutrition"},
	} {
		res, ok := in.Upstream[src.stage]
		if !ok || !res.Succeeded() {
			continue
		}
		taken := 0
		gjson.ParseBytes(res.Payload).ForEach(func(_, item gjson.Result) bool {
			if taken >= a.opts.ItemsPerSource {
				return false
			}
			var data any
			if err := json.Unmarshal([]byte(item.Raw), &data); err != nil {
				return true
			}
			nutrition := map[string]float64{}
			item.Get(src.nutritionPath).ForEach(func(k, v gjson.Result) bool {
				nutrition[k.String()] = v.Float()
				return true
			})
			plan.Meals = append(plan.Meals, core.MealPlanItem{
				Type:      src.kind,
				Data:      data,
				Nutrition: nutrition,
			})
			for k, v := range nutrition {
				plan.TotalNutrition[k] += v
			}
			plan.TotalCost += item.Get("price").Float()
			taken++
			return true
		})
	}
	return plan
}

// recommend asks the model for plan notes.
func (a *PlanAdapter) recommend(ctx context.Context, plan core.MealPlan) ([]string, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	answer, err := a.opts.Model.Complete(ctx, planSystemPrompt,
		fmt.Sprintf("Meal plan:\n%s", planJSON))
	if err != nil {
		return nil, err
	}
	notes := stringSlice(gjson.Parse(extractJSON(answer)))
	if len(notes) == 0 {
		return nil, fmt.Errorf("model answer contained no recommendations")
	}
	return notes, nil
}

// defaultRecommendations renders deterministic notes when no model is
// configured or the model produced nothing usable.
func defaultRecommendations(intent *core.ParsedIntent, plan core.MealPlan) []string {
	if len(plan.Meals) == 0 {
		return []string{"No meal options were found for this request. Try broadening your criteria."}
	}
	notes := []string{fmt.Sprintf("Your plan combines %d meal options.", len(plan.Meals))}
	if intent != nil && intent.Goals.Protein > 0 {
		got := plan.TotalNutrition["protein"]
		if got >= intent.Goals.Protein {
			notes = append(notes, fmt.Sprintf("The plan meets your %.0fg protein target.", intent.Goals.Protein))
		} else {
			notes = append(notes, fmt.Sprintf("The plan covers %.0fg of your %.0fg protein target; consider adding a protein-rich snack.", got, intent.Goals.Protein))
		}
	}
	return notes
}
