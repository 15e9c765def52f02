package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/cache"
	"github.com/agentmesh/agentmesh-server/pkg/services"
)

type noopTx struct{}

func (noopTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func newTasksMux(t *testing.T) *http.ServeMux {
	t.Helper()

	// Repositories stay nil: these tests only exercise request validation,
	// which fails before any repository call.
	coordinator := services.NewCoordinatorService(
		noopTx{}, nil, nil, nil, nil, nil, nil, nil,
		cache.New(nil, zap.NewNop()), zap.NewNop())

	mux := http.NewServeMux()
	NewTasksHandler(nil, coordinator, zap.NewNop()).
		RegisterRoutes(mux, NewAuthMiddleware("tok", zap.NewNop()))
	return mux
}

func TestCreateTasksRejectsEmptyRequest(t *testing.T) {
	mux := newTasksMux(t)

	for _, body := range []string{`{}`, `{"user_request": "   "}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "body: %s", body)
	}
}

func TestCreateTasksRejectsInvalidJSON(t *testing.T) {
	mux := newTasksMux(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("not json"))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollAnswersTaskNullOnFailure(t *testing.T) {
	mux := newTasksMux(t)

	// Unknown capability fails validation; the worker still gets a normal
	// empty poll answer rather than an error.
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/ready?agent_id=w1&agent_capabilities=sorcerer", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp PollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Task)
}

func TestPollRequiresAuth(t *testing.T) {
	mux := newTasksMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/ready?agent_id=w1&agent_capabilities=analyst", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPollRequestFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/v1/tasks/ready?agent_id=w1&agent_capabilities=researcher&agent_capabilities=writer,analyst&preferred_task_id=TID0000000007", nil)

	parsed := pollRequestFromQuery(req)
	assert.Equal(t, "w1", parsed.ClientID)
	assert.Equal(t, []string{"researcher", "writer", "analyst"}, parsed.Capabilities)
	assert.Equal(t, "TID0000000007", parsed.PreferredTaskID)
}

func TestPollRequestFromQueryEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/ready", nil)

	parsed := pollRequestFromQuery(req)
	assert.Empty(t, parsed.ClientID)
	assert.Empty(t, parsed.Capabilities)
}
