package registry

import (
	"context"
	"testing"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopAdapter() core.Adapter {
	return core.AdapterFunc(func(_ context.Context, in core.StageInput) core.StageResult {
		return core.Success("", nil)
	})
}

func registerMealPipeline(t *testing.T, r *Registry) {
	t.Helper()
	require.NoError(t, r.Register(core.StageParse, noopAdapter()))
	require.NoError(t, r.Register(core.StageRecipe, noopAdapter(), core.StageParse))
	require.NoError(t, r.Register(core.StageRestaurant, noopAdapter(), core.StageParse))
	require.NoError(t, r.Register(core.StageProduct, noopAdapter(), core.StageParse))
	require.NoError(t, r.Register(core.StageNutrition, noopAdapter(), core.StageRecipe, core.StageRestaurant, core.StageProduct))
	require.NoError(t, r.Register(core.StagePlan, noopAdapter(), core.StageParse, core.StageNutrition))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(core.StageParse, noopAdapter()))
	assert.ErrorIs(t, r.Register(core.StageParse, noopAdapter()), ErrDuplicate)
}

func TestRegistry_Register_NilAdapter(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(core.StageParse, nil))
}

func TestRegistry_Register_SelfDependency(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Register(core.StageParse, noopAdapter(), core.StageParse), ErrCycle)
}

func TestRegistry_Register_CycleFailsFast(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("a", noopAdapter(), "b"))
	require.NoError(t, r.Register("c", noopAdapter()))

	// Closing the a->b->a loop must fail and leave the registry unchanged.
	err := r.Register("b", noopAdapter(), "a")
	assert.ErrorIs(t, err, ErrCycle)
	_, ok := r.Adapter("b")
	assert.False(t, ok)
}

func TestRegistry_Layers_MealPipeline(t *testing.T) {
	r := New()
	registerMealPipeline(t, r)

	layers, err := r.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 4)

	assert.Equal(t, []core.StageID{core.StageParse}, layers[0])
	assert.ElementsMatch(t, []core.StageID{core.StageProduct, core.StageRecipe, core.StageRestaurant}, layers[1])
	assert.Equal(t, []core.StageID{core.StageNutrition}, layers[2])
	assert.Equal(t, []core.StageID{core.StagePlan}, layers[3])
}

func TestRegistry_Layers_Deterministic(t *testing.T) {
	r := New()
	registerMealPipeline(t, r)

	first, err := r.Layers()
	require.NoError(t, err)
	second, err := r.Layers()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRegistry_Layers_UnknownDependency(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("a", noopAdapter(), "ghost"))

	_, err := r.Layers()
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestRegistry_Layers_Subset(t *testing.T) {
	r := New()
	registerMealPipeline(t, r)

	layers, err := r.Layers(core.StageParse, core.StageRecipe)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, []core.StageID{core.StageParse}, layers[0])
	assert.Equal(t, []core.StageID{core.StageRecipe}, layers[1])
}

func TestRegistry_Dependencies_Copy(t *testing.T) {
	r := New()
	registerMealPipeline(t, r)

	deps, ok := r.Dependencies(core.StagePlan)
	require.True(t, ok)
	deps[0] = "mutated"

	again, _ := r.Dependencies(core.StagePlan)
	assert.Equal(t, core.StageParse, again[0])
}
