package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/service"
	"github.com/bastiqui/TSAE75644-2024/internal/storage/recipes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, ready func(context.Context) error) (*AdminServer, *service.ReplicaService) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("A", reg)
	replica, err := service.NewReplicaService(service.ReplicaConfig{NodeID: "A", Participants: []string{"B"}},
		recipes.NewMemoryStore(zap.NewNop()), m, zap.NewNop())
	require.NoError(t, err)

	s := NewAdminServer(&AdminServerConfig{Port: 0, ReadyCheck: ready}, replica, reg, m, zap.NewNop())
	return s, replica
}

func do(t *testing.T, s *AdminServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdminServer_Health(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = do(t, s, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminServer_NotReady(t *testing.T) {
	s, _ := newTestServer(t, func(context.Context) error { return fmt.Errorf("redis unreachable") })

	rec := do(t, s, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unreachable")
}

func TestAdminServer_RecipeLifecycle(t *testing.T) {
	s, replica := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/recipes", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/recipes", `{"title":"Soup","body":"water"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.Recipe
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Soup", created.Title)
	assert.Equal(t, model.NewTimestamp("A", 1), created.Timestamp)

	rec = do(t, s, http.MethodGet, "/recipes/Soup", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/recipes/Soup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var removed model.OperationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &removed))
	assert.Equal(t, model.OperationKindRemove, removed.Kind)
	require.NotNil(t, removed.RecipeTimestamp)
	assert.Equal(t, created.Timestamp, *removed.RecipeTimestamp)

	rec = do(t, s, http.MethodGet, "/recipes/Soup", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"not_found"`)

	assert.Equal(t, 2, replica.LogLen())
}

func TestAdminServer_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/recipes", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/recipes", `{"title":"","body":"water"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"invalid_argument"`)

	rec = do(t, s, http.MethodDelete, "/recipes/Missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPut, "/recipes", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminServer_State(t *testing.T) {
	s, replica := newTestServer(t, nil)
	_, err := replica.AddRecipe(context.Background(), "Soup", "water")
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state model.ReplicaState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "A", state.NodeID)
	assert.Len(t, state.Recipes, 1)
	assert.Len(t, state.Log, 1)
	assert.Equal(t, int64(1), state.Summary["A"])
	assert.Equal(t, model.NullSeq, state.Summary["B"])
}

func TestAdminServer_Metrics(t *testing.T) {
	s, replica := newTestServer(t, nil)
	_, err := replica.AddRecipe(context.Background(), "Soup", "water")
	require.NoError(t, err)
	s.updateSystemMetrics()

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tsae_replica_operations_applied_total")
	assert.Contains(t, body, "tsae_replica_log_size")
	assert.Contains(t, body, "tsae_replica_goroutines")
}

// brokenStoreReplica fails every listing with whatever err holds
type brokenStoreReplica struct {
	*service.ReplicaService
	err error
}

func (r *brokenStoreReplica) ListRecipes(ctx context.Context) ([]model.Recipe, error) {
	return nil, r.err
}

func TestAdminServer_InternalErrorsHideCause(t *testing.T) {
	_, replica := newTestServer(t, nil)

	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "raw store error",
			err:     fmt.Errorf("dial tcp 10.0.0.7:6379: connection refused"),
			message: "internal error",
		},
		{
			name:    "classified error",
			err:     errors.InternalError("log insert failed", nil),
			message: "log insert failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := &brokenStoreReplica{ReplicaService: replica, err: tt.err}
			s := NewAdminServer(&AdminServerConfig{Port: 0}, broken, prometheus.NewRegistry(), nil, zap.NewNop())

			rec := do(t, s, http.MethodGet, "/recipes", "")
			require.Equal(t, http.StatusInternalServerError, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Message, tt.message)
			assert.NotContains(t, rec.Body.String(), "10.0.0.7")
		})
	}
}
