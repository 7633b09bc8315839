package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	defaultLLMBaseURL  = "https://api.openai.com/v1"
	defaultLLMModel    = "gpt-4o-mini"
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
)

// Rate limiter defaults: 30 requests per minute.
const (
	defaultRateLimit = 30.0 / 60.0
	defaultBurst     = 3
)

// generateSystemPrompt frames every generation request.
const generateSystemPrompt = `You are an expert Solidity engineer. Write one complete, production-quality smart contract for the request below.

Rules:
- Solidity ^0.8.20. Use OpenZeppelin 5 imports where standard behavior exists.
- One file, self-contained apart from library imports.
- No placeholder logic.
- Respond ONLY with Solidity source. No prose, no markdown fences.`

// LLMConfig configures the language-model generator.
type LLMConfig struct {
	// BaseURL is an OpenAI-compatible chat completion endpoint.
	BaseURL string
	// Model is the model name.
	Model string
	// APIKey authenticates requests. Required.
	APIKey string
	// MaxTokens caps the completion length.
	MaxTokens int
	// Temperature controls sampling. Defaults low for reproducible
	// output.
	Temperature float64
	// RateLimit is requests per second against the endpoint.
	RateLimit float64
	// Burst is the rate limiter burst size.
	Burst int
}

func (c *LLMConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultLLMBaseURL
	}
	if c.Model == "" {
		c.Model = defaultLLMModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
}

// LLMGenerator produces contract source through an OpenAI-compatible
// chat completion endpoint.
type LLMGenerator struct {
	llm        llms.Model
	config     LLMConfig
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewLLMGenerator creates a generator backed by the configured model.
func NewLLMGenerator(cfg LLMConfig, logger *zap.Logger) (*LLMGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generator API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return &LLMGenerator{
		llm:        llm,
		config:     cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		maxRetries: defaultMaxRetries,
		logger:     logger,
	}, nil
}

// Generate produces contract source for the prompt, folding retrieved
// reference documents into the request. Markdown fences are stripped
// from the completion; the caller validates and retries.
func (g *LLMGenerator) Generate(ctx context.Context, prompt string, contextDocs []string) (string, error) {
	// Wait for rate limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	full := buildGeneratePrompt(prompt, contextDocs)

	// Make request with retries
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		completion, err := llms.GenerateFromSinglePrompt(ctx, g.llm, full,
			llms.WithTemperature(g.config.Temperature),
			llms.WithMaxTokens(g.config.MaxTokens),
		)
		if err == nil {
			return ExtractSource(completion), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.Warn("generation request failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// buildGeneratePrompt assembles the full request: system framing, the
// operator's request, then numbered reference contracts.
func buildGeneratePrompt(prompt string, contextDocs []string) string {
	var b strings.Builder
	b.WriteString(generateSystemPrompt)
	b.WriteString("\n\nRequest:\n")
	b.WriteString(prompt)
	if len(contextDocs) > 0 {
		b.WriteString("\n\nReference contracts:\n")
		for i, doc := range contextDocs {
			fmt.Fprintf(&b, "--- reference %d ---\n%s\n", i+1, doc)
		}
	}
	return b.String()
}

// Ensure interfaces are implemented at compile time.
var _ Generator = (*LLMGenerator)(nil)
