package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/pricing"
	"github.com/basket/taskbridge/internal/safety"
	"github.com/basket/taskbridge/internal/tokenutil"
)

// maxContextTokens caps how much plan document context rides along in
// one prompt. Oversized documents are truncated, not rejected.
const maxContextTokens = 2000

// Config selects the generation provider and model.
type Config struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// BaseURL overrides the provider endpoint (openai_compatible).
	BaseURL string
}

const systemPrompt = `You are a project planning assistant. Given two adjacent tasks in a ` +
	`project plan, identify the intermediate work that was skipped between them. ` +
	`Respond with ONLY a JSON array of 1 to 3 candidate tasks. Each element must have: ` +
	`"text" (10-200 chars, imperative, concrete), "estimated_effort_hours" (8-160), ` +
	`"required_cognition" ("low", "medium", or "high"), ` +
	`"confidence" (0-1), and "reasoning" (one sentence). No prose outside the JSON.`

// Client is the genkit-backed generation collaborator. When no API key
// is configured it degrades to a deterministic fallback so the review
// flow stays exercisable offline.
type Client struct {
	g         *genkit.Genkit
	validator *Validator
	modelName string
	modelID   string
	logger    *slog.Logger
	llmOn     bool
	fallback  Fallback
	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector
}

// NewClient initializes genkit with the configured provider.
// Supports: google (Gemini), anthropic (Claude), openai (GPT),
// openai_compatible.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			logger.Info("generator initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			logger.Info("generator initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai_compatible",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("generator initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			logger.Info("generator initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &Client{
		g:         g,
		validator: validator,
		modelName: modelNameForProvider(provider, modelID),
		modelID:   modelID,
		logger:    logger,
		llmOn:     llmOn,
		sanitizer: safety.NewSanitizer(),
		leaks:     safety.NewLeakDetector(),
	}, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

// Genkit exposes the underlying instance for embedder lookup.
func (c *Client) Genkit() *genkit.Genkit { return c.g }

// LLMOn reports whether a real provider is configured.
func (c *Client) LLMOn() bool { return c.llmOn }

// Generate asks the provider for bridging candidates. Malformed output
// gets one corrective retry carrying the validation error before the
// call is reported as failed.
func (c *Client) Generate(ctx context.Context, req pipeline.Request) ([]pipeline.RawCandidate, error) {
	if !c.llmOn {
		return c.fallback.Generate(ctx, req)
	}

	prompt := buildPrompt(c.prepareRequest(req))
	raw, err := c.generateOnce(ctx, prompt)
	if err == nil {
		return raw, nil
	}

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		return nil, err
	}
	c.logger.Warn("candidate output failed validation, retrying once", "error", schemaErr.Message)
	corrective := prompt + "\n\nYour previous response was rejected: " + schemaErr.Message +
		"\nRespond again with ONLY the corrected JSON array."
	return c.generateOnce(ctx, corrective)
}

func (c *Client) generateOnce(ctx context.Context, prompt string) ([]pipeline.RawCandidate, error) {
	sys := strings.ReplaceAll(systemPrompt, "%", "%%")
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithSystem(sys),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	promptTokens := tokenutil.EstimateTokens(sys + prompt)
	completionTokens := tokenutil.EstimateTokens(resp.Text())
	c.logger.Debug("generation call completed",
		"model", c.modelID,
		"prompt_tokens_est", promptTokens,
		"completion_tokens_est", completionTokens,
		"cost_usd_est", pricing.EstimateCost(c.modelID, promptTokens, completionTokens))

	for _, warn := range c.leaks.Scan(resp.Text()) {
		c.logger.Warn("provider output may contain a secret", "pattern", warn.Pattern, "sample", warn.Sample)
	}

	validated, err := c.validator.Validate(resp.Text())
	if err != nil {
		return nil, err
	}
	var out []pipeline.RawCandidate
	if err := json.Unmarshal([]byte(validated), &out); err != nil {
		return nil, &SchemaError{Message: fmt.Sprintf("decode candidates: %s", err), Raw: validated}
	}
	return out, nil
}

// prepareRequest screens and bounds the untrusted document context
// before it is interpolated into a prompt. Injection attempts drop the
// context entirely; oversized documents get truncated to the token
// budget.
func (c *Client) prepareRequest(req pipeline.Request) pipeline.Request {
	if check := c.sanitizer.Check(req.DocumentContext); check.Action != safety.ActionAllow {
		if check.Action == safety.ActionBlock {
			c.logger.Warn("document context dropped from prompt", "reason", check.Reason)
			req.DocumentContext = ""
		} else {
			c.logger.Warn("suspicious document context kept in prompt", "reason", check.Reason)
		}
	}
	if tokens := tokenutil.EstimateTokens(req.DocumentContext); tokens > maxContextTokens {
		req.DocumentContext = truncate(req.DocumentContext, len(req.DocumentContext)*maxContextTokens/tokens)
		c.logger.Debug("document context truncated", "estimated_tokens", tokens, "budget", maxContextTokens)
	}
	return req
}

func buildPrompt(req pipeline.Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Predecessor task: %s\n", req.PredecessorText)
	fmt.Fprintf(&sb, "Successor task: %s\n", req.SuccessorText)
	if req.Outcome != "" {
		fmt.Fprintf(&sb, "Plan outcome: %s\n", req.Outcome)
	}
	if req.DocumentContext != "" {
		fmt.Fprintf(&sb, "\nPlan context:\n%s\n", req.DocumentContext)
	}
	if len(req.SimilarTasks) > 0 {
		sb.WriteString("\nSimilar tasks from this plan, for granularity and tone:\n")
		for _, s := range req.SimilarTasks {
			fmt.Fprintf(&sb, "- %s\n", s.Text)
		}
	}
	sb.WriteString("\nList the intermediate tasks missing between the predecessor and the successor.")
	return sb.String()
}

// Fallback produces one deterministic bridging candidate without any
// external call. It keeps analysis sessions usable in tests and when no
// API key is configured.
type Fallback struct{}

// Generate implements pipeline.Generator.
func (Fallback) Generate(_ context.Context, req pipeline.Request) ([]pipeline.RawCandidate, error) {
	pred := truncate(strings.TrimSpace(req.PredecessorText), 60)
	succ := truncate(strings.TrimSpace(req.SuccessorText), 60)
	text := truncate(fmt.Sprintf("Break down the work needed between %q and %q", pred, succ), 200)
	return []pipeline.RawCandidate{{
		Text:                 text,
		EstimatedEffortHours: 16,
		RequiredCognition:    "medium",
		Confidence:           0.5,
		Reasoning:            "Deterministic placeholder generated without a configured provider.",
	}}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
