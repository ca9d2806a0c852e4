// Command nutrimeshd runs the meal-planning orchestration server: the
// standard six-stage pipeline behind the WebSocket and /chat endpoints.
//
// Configuration comes from the environment:
//
//	NUTRIMESH_ADDR          listen address (default ":8000")
//	OPENAI_API_KEY          primary chat model (read by the OpenAI client)
//	ANTHROPIC_API_KEY       fallback chat model
//	SPOONACULAR_API_KEY     recipe search; stage skips when unset
//	GOOGLE_MAPS_API_KEY     restaurant search; stage skips when unset
//	PERPLEXITY_API_KEY      product search; stage skips when unset
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nutrimesh/nutrimesh"
	"github.com/nutrimesh/nutrimesh/adapter"
	"github.com/nutrimesh/nutrimesh/logging"
	"github.com/nutrimesh/nutrimesh/server"
)

func main() {
	level := logging.LogLevelInfo
	if os.Getenv("NUTRIMESH_DEBUG") != "" {
		level = logging.LogLevelDebug
	}
	logger := logging.NewSlogLogger(level, "json", false)

	addr := os.Getenv("NUTRIMESH_ADDR")
	if addr == "" {
		addr = ":8000"
	}

	var model adapter.ChatModel = adapter.NewOpenAIModel()
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		model = adapter.NewFallbackModel(model, adapter.NewAnthropicModel(), logger.WithComponent("model"))
	}

	mesh := nutrimesh.New(func(o *nutrimesh.Options) {
		o.Logger = logger.WithComponent("engine")
	})
	defer mesh.Close()

	adapterLogger := logger.WithComponent("adapter")
	err := mesh.RegisterMealPipeline(nutrimesh.StandardStages{
		Parse: adapter.NewParseAdapter(model, func(o *adapter.ParseOptions) { o.Logger = adapterLogger }),
		Recipe: adapter.NewRecipeAdapter(os.Getenv("SPOONACULAR_API_KEY"),
			func(o *adapter.RecipeOptions) { o.Logger = adapterLogger }),
		Restaurant: adapter.NewRestaurantAdapter(os.Getenv("GOOGLE_MAPS_API_KEY"),
			func(o *adapter.RestaurantOptions) { o.Logger = adapterLogger }),
		Product: adapter.NewProductAdapter(os.Getenv("PERPLEXITY_API_KEY"),
			func(o *adapter.ProductOptions) { o.Logger = adapterLogger }),
		Plan: adapter.NewPlanAdapter(func(o *adapter.PlanOptions) {
			o.Model = model
			o.Logger = adapterLogger
		}),
	})
	if err != nil {
		logger.Error("pipeline registration failed", "error", err.Error())
		os.Exit(1)
	}

	eng, err := mesh.Engine()
	if err != nil {
		logger.Error("engine construction failed", "error", err.Error())
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(eng, func(o *server.Options) { o.Logger = logger.WithComponent("server") }),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err.Error())
	}
}
