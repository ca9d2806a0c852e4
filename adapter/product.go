package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/logging"
)

const (
	perplexityBaseURL = "https://api.perplexity.ai/chat/completions"
	perplexityModel   = "sonar"
)

const productSystemPrompt = `You are a nutrition product researcher. Find real,
currently available nutrition products, supplements and packaged foods. Always
answer with a single JSON array and nothing else, where each element has the
fields: name, brand, nutrition (object with calories, protein, carbs, fats),
price, purchase_url.`

// ProductOptions configures the product search stage.
type ProductOptions struct {
	BaseURL    string
	Model      string
	MaxResults int
	HTTPClient *http.Client
	Logger     logging.Logger
}

// ProductAdapter searches retail nutrition products through the Perplexity
// online-search chat API.
type ProductAdapter struct {
	apiKey string
	opts   ProductOptions
}

var _ core.Adapter = (*ProductAdapter)(nil)
var _ core.SkipEvaluator = (*ProductAdapter)(nil)

// NewProductAdapter builds the product stage.
func NewProductAdapter(apiKey string, optFns ...func(o *ProductOptions)) *ProductAdapter {
	opts := ProductOptions{
		BaseURL:    perplexityBaseURL,
		Model:      perplexityModel,
		MaxResults: 5,
		HTTPClient: defaultHTTPClient,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ProductAdapter{apiKey: apiKey, opts: opts}
}

// ShouldSkip implements core.SkipEvaluator.
func (a *ProductAdapter) ShouldSkip(in core.StageInput) (bool, string) {
	if in.Intent == nil || !in.Intent.WantsTarget("products") {
		return true, "products not requested"
	}
	if a.apiKey == "" {
		return true, "product search not configured"
	}
	return false, ""
}

// Invoke implements core.Adapter.
func (a *ProductAdapter) Invoke(ctx context.Context, in core.StageInput) core.StageResult {
	reqBody, err := a.buildRequest(in.Intent)
	if err != nil {
		return core.Failure(core.StageProduct, core.ReasonPermanent, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return core.Failure(core.StageProduct, core.ReasonPermanent, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return failureFor(ctx, core.StageProduct, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return failureFor(ctx, core.StageProduct, err)
	}
	if resp.StatusCode != http.StatusOK {
		return core.Failure(core.StageProduct, reasonForStatus(resp.StatusCode),
			fmt.Sprintf("product search returned %d", resp.StatusCode))
	}

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	products := decodeProducts(content, a.opts.MaxResults)
	a.opts.Logger.Debug("product search settled", "count", len(products))
	payload, err := json.Marshal(products)
	if err != nil {
		return core.Failure(core.StageProduct, core.ReasonPermanent, err.Error())
	}
	return core.Success(core.StageProduct, payload)
}

// buildRequest assembles the Perplexity chat payload.
func (a *ProductAdapter) buildRequest(intent *core.ParsedIntent) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString("Find nutrition products and supplements")
	if intent.Goals.Protein > 0 {
		fmt.Fprintf(&sb, " with at least %.0fg of protein per serving", intent.Goals.Protein)
	}
	if intent.Goals.Calories > 0 {
		fmt.Fprintf(&sb, " within %.0f calories per serving", intent.Goals.Calories)
	}
	if len(intent.Context.DietaryRestrictions) > 0 {
		fmt.Fprintf(&sb, " that are %s", strings.Join(intent.Context.DietaryRestrictions, ", "))
	}
	fmt.Fprintf(&sb, ". Return exactly %d products.", a.opts.MaxResults)

	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", a.opts.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages.0.role", "system"); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages.0.content", productSystemPrompt); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages.1.role", "user"); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "messages.1.content", sb.String()); err != nil {
		return nil, err
	}
	return body, nil
}

// decodeProducts parses the model's JSON array answer, tolerating markdown
// fences. A non-decodable answer yields an empty slice, not a failure.
func decodeProducts(content string, limit int) []core.Product {
	products := []core.Product{}
	gjson.Parse(extractJSON(content)).ForEach(func(_, p gjson.Result) bool {
		if len(products) >= limit {
			return false
		}
		prod := core.Product{
			Name:        p.Get("name").String(),
			Brand:       p.Get("brand").String(),
			Nutrition:   map[string]float64{},
			Price:       p.Get("price").Float(),
			PurchaseURL: p.Get("purchase_url").String(),
		}
		p.Get("nutrition").ForEach(func(k, v gjson.Result) bool {
			prod.Nutrition[k.String()] = v.Float()
			return true
		})
		if prod.Name != "" {
			products = append(products, prod)
		}
		return true
	})
	return products
}
