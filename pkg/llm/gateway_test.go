package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type planShape struct {
	WorkflowName string `json:"workflow_name"`
}

func TestGatewayGenerate(t *testing.T) {
	mock := NewMockLLMClient()
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		return "hello", nil
	}
	g := NewGateway(mock, zap.NewNop())

	out, err := g.Generate(context.Background(), "prompt", "system", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, 1, mock.GenerateResponseCalls)
}

func TestGatewayCallTimeoutBoundsEachAttempt(t *testing.T) {
	mock := NewMockLLMClient()
	var sawDeadline bool
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		_, sawDeadline = ctx.Deadline()
		return "hello", nil
	}
	g := NewGateway(mock, zap.NewNop()).WithCallTimeout(30 * time.Second)

	_, err := g.Generate(context.Background(), "prompt", "", 0.0)
	require.NoError(t, err)
	assert.True(t, sawDeadline, "each provider call must carry a deadline")
}

func TestGatewayNoCallTimeoutLeavesContextAlone(t *testing.T) {
	mock := NewMockLLMClient()
	var sawDeadline bool
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		_, sawDeadline = ctx.Deadline()
		return "hello", nil
	}
	g := NewGateway(mock, zap.NewNop())

	_, err := g.Generate(context.Background(), "prompt", "", 0.0)
	require.NoError(t, err)
	assert.False(t, sawDeadline)
}

func TestGatewayGenerateNonRetryableFailsFast(t *testing.T) {
	mock := NewMockLLMClient()
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		return "", NewError(ErrorTypeAuth, "authentication failed", false, errors.New("401"))
	}
	g := NewGateway(mock, zap.NewNop())

	_, err := g.Generate(context.Background(), "prompt", "", 0.0)
	require.Error(t, err)
	assert.Equal(t, 1, mock.GenerateResponseCalls, "non-retryable errors must not be retried")
}

func TestGenerateStructured(t *testing.T) {
	mock := NewMockLLMClient()
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		return `{"workflow_name": "Report Pipeline"}`, nil
	}
	g := NewGateway(mock, zap.NewNop())

	plan, err := GenerateStructured[planShape](context.Background(), g, "plan it", "you are a planner", `{"workflow_name": ""}`, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "Report Pipeline", plan.WorkflowName)
}

func TestGenerateStructuredRepairLoop(t *testing.T) {
	mock := NewMockLLMClient()
	call := 0
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		call++
		if call == 1 {
			return "I think the workflow should be named Report Pipeline.", nil
		}
		return `{"workflow_name": "Report Pipeline"}`, nil
	}
	g := NewGateway(mock, zap.NewNop())

	plan, err := GenerateStructured[planShape](context.Background(), g, "plan it", "", "", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "Report Pipeline", plan.WorkflowName)
	assert.Equal(t, 2, call)

	// The repair prompt must carry the broken answer back to the model.
	require.Len(t, mock.Prompts, 2)
	assert.Contains(t, mock.Prompts[1], "Your previous answer was")
	assert.Contains(t, mock.Prompts[1], "I think the workflow should be named")
}

func TestGenerateStructuredGivesUpAfterRepairs(t *testing.T) {
	mock := NewMockLLMClient()
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		return "still not json", nil
	}
	g := NewGateway(mock, zap.NewNop())

	_, err := GenerateStructured[planShape](context.Background(), g, "plan it", "", "", 0.2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repair attempts")
	assert.Equal(t, 3, mock.GenerateResponseCalls)
}

func TestGenerateStructuredAppendsSchemaHint(t *testing.T) {
	var seenSystem string
	mock := NewMockLLMClient()
	mock.GenerateResponseFunc = func(ctx context.Context, prompt, system string, temperature float64) (string, error) {
		seenSystem = system
		return `{"workflow_name": "x"}`, nil
	}
	g := NewGateway(mock, zap.NewNop())

	_, err := GenerateStructured[planShape](context.Background(), g, "p", "base system", `{"workflow_name": ""}`, 0)
	require.NoError(t, err)
	assert.Contains(t, seenSystem, "base system")
	assert.Contains(t, seenSystem, "Respond with JSON only")
	assert.Contains(t, seenSystem, `{"workflow_name": ""}`)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err       error
		errType   ErrorType
		retryable bool
	}{
		{fmt.Errorf("status 401 unauthorized"), ErrorTypeAuth, false},
		{fmt.Errorf("model llama3 not found"), ErrorTypeModel, false},
		{fmt.Errorf("404 page not found"), ErrorTypeEndpoint, false},
		{fmt.Errorf("dial tcp: connection refused"), ErrorTypeEndpoint, true},
		{fmt.Errorf("context deadline exceeded"), ErrorTypeEndpoint, true},
		{fmt.Errorf("429 too many requests"), ErrorTypeUnknown, true},
		{fmt.Errorf("502 bad gateway"), ErrorTypeEndpoint, true},
		{fmt.Errorf("something odd"), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			classified := ClassifyError(tt.err)
			assert.Equal(t, tt.errType, classified.Type)
			assert.Equal(t, tt.retryable, classified.Retryable)
			assert.Equal(t, tt.retryable, IsRetryable(classified))
		})
	}
}
