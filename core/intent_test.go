package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequest_Validate(t *testing.T) {
	assert.ErrorIs(t, Request{}.Validate(), ErrEmptyPrompt)
	assert.ErrorIs(t, Request{Prompt: "   "}.Validate(), ErrEmptyPrompt)
	assert.NoError(t, Request{Prompt: "200g protein"}.Validate())
}

func TestParsedIntent_CloneIsolation(t *testing.T) {
	orig := ParsedIntent{
		RawPrompt: "200g protein, Bangalore",
		Goals:     NutritionGoals{Protein: 200},
		Context:   MealContext{Location: "Bangalore", DietaryRestrictions: []string{"vegetarian"}},
		Targets:   []string{"recipes", "restaurants"},
	}

	clone := orig.Clone()
	clone.Targets[0] = "products"
	clone.Context.DietaryRestrictions[0] = "vegan"

	assert.Equal(t, "recipes", orig.Targets[0])
	assert.Equal(t, "vegetarian", orig.Context.DietaryRestrictions[0])
	assert.Equal(t, orig.Goals, clone.Goals)
}

func TestParsedIntent_WantsTarget(t *testing.T) {
	p := ParsedIntent{Targets: []string{"recipes"}}
	assert.True(t, p.WantsTarget("recipes"))
	assert.False(t, p.WantsTarget("products"))

	all := ParsedIntent{Targets: []string{"all"}}
	assert.True(t, all.WantsTarget("products"))
}
