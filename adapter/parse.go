package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

const parseSystemPrompt = `You are a nutrition request analyzer. Extract structured
information from the user's meal-planning request. Always answer with a single
JSON object and nothing else.`

const parseUserTemplate = `Parse this user request: %s

Return valid JSON with the following structure:
{
    "nutrition_goals": {"calories": number, "protein": number, "carbs": number, "fats": number},
    "meal_context": {"meal_type": string, "location": string, "budget": number, "cuisine_preference": [string], "dietary_restrictions": [string]},
    "intent": ["recipes", "restaurants", "products"]
}
Include in "intent" only what the user asked for.`

// defaultTargets is the intent used when the model's answer cannot be
// decoded: searching recipes and restaurants covers the common case without
// failing the whole run.
var defaultTargets = []string{"recipes", "restaurants"}

// ParseOptions configures the parse stage.
type ParseOptions struct {
	Logger logging.Logger
}

// ParseAdapter is the gate stage: it turns the raw prompt into a
// ParsedIntent using a chat model. It is the only stage whose failure is
// pipeline-fatal, so it degrades softly — an answer that is not valid JSON
// still yields an intent with default targets.
type ParseAdapter struct {
	model  ChatModel
	logger logging.Logger
}

var _ core.Adapter = (*ParseAdapter)(nil)

// NewParseAdapter builds the parse stage around the given model.
func NewParseAdapter(model ChatModel, optFns ...func(o *ParseOptions)) *ParseAdapter {
	opts := ParseOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ParseAdapter{model: model, logger: opts.Logger}
}

// Invoke implements core.Adapter.
func (a *ParseAdapter) Invoke(ctx context.Context, in core.StageInput) core.StageResult {
	prompt := in.Request.Prompt
	if len(in.Request.Context) > 0 {
		if extra, err := json.Marshal(in.Request.Context); err == nil {
			prompt += "\n\nAdditional context: " + string(extra)
		}
	}

	answer, err := a.model.Complete(ctx, parseSystemPrompt, fmt.Sprintf(parseUserTemplate, prompt))
	if err != nil {
		if ctx.Err() != nil {
			return core.TimedOut(core.StageParse)
		}
		// Model/transport errors are worth one retry.
		return core.Failure(core.StageParse, core.ReasonTransient, err.Error())
	}

	intent := a.decode(answer, in.Request)
	payload, err := json.Marshal(intent)
	if err != nil {
		return core.Failure(core.StageParse, core.ReasonPermanent, err.Error())
	}
	return core.Success(core.StageParse, payload)
}

// decode extracts the ParsedIntent from the model's answer, falling back to
// default targets when the answer is not usable JSON.
func (a *ParseAdapter) decode(answer string, req core.Request) core.ParsedIntent {
	intent := core.ParsedIntent{RawPrompt: req.Prompt}

	body := extractJSON(answer)
	parsed := gjson.Parse(body)
	if !parsed.IsObject() {
		a.logger.Warn("model answer is not a JSON object, using default intent")
		intent.Targets = append([]string(nil), defaultTargets...)
		overlayContext(&intent, req.Context)
		return intent
	}

	if g := parsed.Get("nutrition_goals"); g.IsObject() {
		intent.Goals = core.NutritionGoals{
			Calories: g.Get("calories").Float(),
			Protein:  g.Get("protein").Float(),
			Carbs:    g.Get("carbs").Float(),
			Fats:     g.Get("fats").Float(),
			Fiber:    g.Get("fiber").Float(),
		}
	}
	if c := parsed.Get("meal_context"); c.IsObject() {
		intent.Context = core.MealContext{
			MealType:            c.Get("meal_type").String(),
			Location:            c.Get("location").String(),
			Budget:              c.Get("budget").Float(),
			CuisinePreference:   stringSlice(c.Get("cuisine_preference")),
			DietaryRestrictions: stringSlice(c.Get("dietary_restrictions")),
		}
	}
	if t := parsed.Get("intent"); t.IsArray() {
		intent.Targets = stringSlice(t)
	}
	if len(intent.Targets) == 0 {
		intent.Targets = append([]string(nil), defaultTargets...)
	}
	overlayContext(&intent, req.Context)
	return intent
}

// overlayContext applies the request's well-known context keys on top of
// what the model extracted; caller-provided facts win over inferred ones.
func overlayContext(intent *core.ParsedIntent, reqCtx map[string]any) {
	if reqCtx == nil {
		return
	}
	if loc, ok := reqCtx["location"].(string); ok && loc != "" {
		intent.Context.Location = loc
	}
	if budget, ok := reqCtx["budget"].(float64); ok && budget > 0 {
		intent.Context.Budget = budget
	}
	if prefs, ok := reqCtx["preferences"].([]any); ok {
		for _, p := range prefs {
			if s, ok := p.(string); ok {
				intent.Context.Preferences = append(intent.Context.Preferences, s)
			}
		}
	}
}

// extractJSON strips markdown code fences that chat models like to wrap
// around JSON answers.
func extractJSON(answer string) string {
	if i := strings.Index(answer, "```json"); i >= 0 {
		rest := answer[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(answer, "```"); i >= 0 {
		rest := answer[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(answer)
}

func stringSlice(res gjson.Result) []string {
	if !res.IsArray() {
		return nil
	}
	var out []string
	res.ForEach(func(_, v gjson.Result) bool {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}
