package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token")
}

func TestCreateProjectSendsBearerToken(t *testing.T) {
	var gotAuth string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(ProjectState{Name: "matrix", State: "creating"})
	})

	state, err := c.CreateProject(context.Background(), "matrix", CreateProjectOptions{IdleMinutes: 30})
	require.NoError(t, err)
	assert.Equal(t, "matrix", state.Name)
	assert.Equal(t, "creating", state.State)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestGetProjectNotFoundReturnsAPIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Message: "project not found", StatusCode: http.StatusNotFound})
	})

	_, err := c.GetProject(context.Background(), "ghost")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "project not found", apiErr.Message)
}

func TestDeleteProjectReturnsState(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "destroyed"})
	})

	state, err := c.DeleteProject(context.Background(), "matrix")
	require.NoError(t, err)
	assert.Equal(t, "destroyed", state)
}

func TestListEventsDecodesArray(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/matrix/events", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []AuditEvent{{ID: "1", TenantName: "matrix", Kind: "created"}},
		})
	})

	events, err := c.ListEvents(context.Background(), "matrix")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "created", events[0].Kind)
}

func TestReviveDecodesRevivedList(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/revive", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"revived": []string{"matrix", "zion"}})
	})

	revived, err := c.Revive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"matrix", "zion"}, revived)
}
