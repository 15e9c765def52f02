package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/retry"
)

// Gateway wraps an LLMClient with structured-output handling: it appends a
// JSON schema hint to the system message, extracts JSON from the raw
// completion, and on parse failure re-prompts the model with its own broken
// output plus a repair instruction.
type Gateway struct {
	client  LLMClient
	cfg     *retry.Config
	timeout time.Duration
	logger  *zap.Logger
}

// NewGateway creates a structured-output gateway over client.
func NewGateway(client LLMClient, logger *zap.Logger) *Gateway {
	return &Gateway{
		client: client,
		cfg: &retry.Config{
			MaxRetries:   2,
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		logger: logger.Named("llm-gateway"),
	}
}

// WithCallTimeout bounds every individual completion call. Zero means no
// per-call bound beyond the caller's context. Returns g for chaining.
func (g *Gateway) WithCallTimeout(timeout time.Duration) *Gateway {
	g.timeout = timeout
	return g
}

// Client returns the underlying LLM client.
func (g *Gateway) Client() LLMClient {
	return g.client
}

// Generate runs a plain completion with transport-level retries. Each
// attempt gets its own timeout so one stalled call cannot eat the retry
// budget of the ones after it.
func (g *Gateway) Generate(ctx context.Context, prompt, systemMessage string, temperature float64) (string, error) {
	return retry.DoWithResult(ctx, g.cfg, func() (string, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		content, err := g.client.GenerateResponse(callCtx, prompt, systemMessage, temperature)
		if err != nil && !IsRetryable(err) {
			return "", err
		}
		return content, err
	})
}

// GenerateStructured asks the gateway's model for output matching schemaHint
// (a prose or JSON-shaped description appended to the system message) and
// unmarshals the extracted JSON into T. Transport errors follow the retry
// config; malformed JSON triggers up to two repair prompts carrying the
// model's previous answer.
func GenerateStructured[T any](ctx context.Context, g *Gateway, prompt, systemMessage, schemaHint string, temperature float64) (T, error) {
	var zero T

	system := systemMessage
	if schemaHint != "" {
		system = systemMessage + "\n\nRespond with JSON only, matching this schema:\n" + schemaHint
	}

	currentPrompt := prompt
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		content, err := g.Generate(ctx, currentPrompt, system, temperature)
		if err != nil {
			return zero, fmt.Errorf("failed to generate structured response: %w", err)
		}

		result, parseErr := ParseJSONResponse[T](content)
		if parseErr == nil {
			return result, nil
		}
		lastErr = parseErr

		g.logger.Warn("structured response did not parse, asking model to repair",
			zap.Int("attempt", attempt+1),
			zap.Error(parseErr))

		currentPrompt = prompt +
			"\n\nYour previous answer was:\n" + content +
			"\n\nThat answer was not valid JSON for the requested schema (" + parseErr.Error() +
			"). Reply again with only the corrected JSON."
	}

	return zero, fmt.Errorf("failed to obtain valid JSON after repair attempts: %w", lastErr)
}
