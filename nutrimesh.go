// Package nutrimesh provides a high-level façade over the pipeline engine
// and its services (sessions, stage registry, progress streaming) enabling
// rapid construction of meal-planning orchestration backends. Most
// applications interact with this package by:
//  1. Creating a NutriMesh via New() (optionally overriding config and services)
//  2. Registering the pipeline stages (RegisterStage, or RegisterMealPipeline
//     for the standard six-stage layout)
//  3. Running requests asynchronously (Run) or synchronously (RunSync)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply API credentials for the
// search stages and a structured logger.
package nutrimesh

import (
	"context"

	"github.com/nutrimesh/nutrimesh/adapter"
	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/engine"
	"github.com/nutrimesh/nutrimesh/logging"
	"github.com/nutrimesh/nutrimesh/registry"
	"github.com/nutrimesh/nutrimesh/session"
)

// Options configures the NutriMesh instance.
type Options struct {
	// EngineConfig tunes stage deadlines, retries and event buffering.
	EngineConfig engine.Config

	// Sessions defaults to an in-process sharded session manager.
	Sessions *session.Manager

	// Logger defaults to the NoOp logger if nil.
	Logger logging.Logger
}

// NutriMesh is the high-level façade aggregating the stage registry and the
// pipeline engine.
type NutriMesh struct {
	opts     Options
	registry *registry.Registry
	engine   *engine.Engine
}

// New creates a NutriMesh instance with optional overrides. The engine is
// built lazily on the first Run so all stages can be registered first.
func New(optFns ...func(o *Options)) *NutriMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &NutriMesh{opts: opts, registry: registry.New()}
}

// RegisterStage adds one stage and its dependencies to the pipeline.
func (m *NutriMesh) RegisterStage(id core.StageID, a core.Adapter, dependsOn ...core.StageID) error {
	return m.registry.Register(id, a, dependsOn...)
}

// StandardStages bundles the adapters of the canonical six-stage meal
// pipeline.
type StandardStages struct {
	Parse      core.Adapter
	Recipe     core.Adapter
	Restaurant core.Adapter
	Product    core.Adapter
	Nutrition  core.Adapter
	Plan       core.Adapter
}

// RegisterMealPipeline registers the canonical layout: parse gates the three
// concurrent search stages, nutrition fans their results in, and plan
// synthesizes the final answer.
func (m *NutriMesh) RegisterMealPipeline(stages StandardStages) error {
	if stages.Nutrition == nil {
		stages.Nutrition = adapter.NewNutritionAdapter(func(o *adapter.NutritionOptions) { o.Logger = m.opts.Logger })
	}
	if stages.Plan == nil {
		stages.Plan = adapter.NewPlanAdapter(func(o *adapter.PlanOptions) { o.Logger = m.opts.Logger })
	}
	type reg struct {
		id   core.StageID
		a    core.Adapter
		deps []core.StageID
	}
	for _, r := range []reg{
		{core.StageParse, stages.Parse, nil},
		{core.StageRecipe, stages.Recipe, []core.StageID{core.StageParse}},
		{core.StageRestaurant, stages.Restaurant, []core.StageID{core.StageParse}},
		{core.StageProduct, stages.Product, []core.StageID{core.StageParse}},
		{core.StageNutrition, stages.Nutrition, []core.StageID{core.StageRecipe, core.StageRestaurant, core.StageProduct}},
		{core.StagePlan, stages.Plan, []core.StageID{core.StageRecipe, core.StageRestaurant, core.StageProduct, core.StageNutrition}},
	} {
		if err := m.registry.Register(r.id, r.a, r.deps...); err != nil {
			return err
		}
	}
	return nil
}

// Engine resolves the registered stages into a runnable engine. After the
// first successful call the pipeline shape is fixed.
func (m *NutriMesh) Engine() (*engine.Engine, error) {
	if m.engine != nil {
		return m.engine, nil
	}
	eng, err := engine.New(m.registry, func(o *engine.Options) {
		o.Config = m.opts.EngineConfig
		o.Sessions = m.opts.Sessions
		o.Logger = m.opts.Logger
	})
	if err != nil {
		return nil, err
	}
	m.engine = eng
	return eng, nil
}

// Run starts an asynchronous pipeline run returning the session and the
// ordered event stream.
func (m *NutriMesh) Run(ctx context.Context, req core.Request) (*session.Session, <-chan core.ProgressEvent, error) {
	eng, err := m.Engine()
	if err != nil {
		return nil, nil, err
	}
	return eng.Run(ctx, req)
}

// RunSync is a synchronous helper that drains the event stream and returns
// only the terminal event.
func (m *NutriMesh) RunSync(ctx context.Context, req core.Request) (core.ProgressEvent, error) {
	eng, err := m.Engine()
	if err != nil {
		return core.ProgressEvent{}, err
	}
	return eng.RunSync(ctx, req)
}

// Close releases the session manager's background resources.
func (m *NutriMesh) Close() {
	if m.engine != nil {
		m.engine.Sessions().Close()
	}
}
