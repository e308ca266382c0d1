package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
)

// fakeVerifier authenticates any non-empty token as the given identity,
// sidestepping JWT signing in tests that only exercise routing/handlers.
type fakeVerifier struct {
	identity *Identity
	err      error
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.identity, nil
}

func fullScopeIdentity() *Identity {
	return &Identity{
		OwnerID:    "trinity",
		OwnerEmail: "trinity@zion.example",
		Scopes:     map[string]bool{"projects:read": true, "projects:write": true, "admin": true},
	}
}

func newTestServer(t *testing.T) (*Server, storage.Store, *scheduler.Scheduler) {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")))
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(store, runtime.NewFakeEngine(), healthyProber{}, testTenantConfig, scheduler.WithWorkers(2))
	sched.Start()
	t.Cleanup(sched.Stop)

	s := NewServer(store, sched, &fakeVerifier{identity: fullScopeIdentity()}, nil)
	return s, store, sched
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		buf, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestCreateProjectThenGet(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/projects/matrix", createProjectRequest{IdleMinutes: 30})
	require.Equal(t, http.StatusOK, w.Code)

	var created projectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "matrix", created.Name)
	assert.Equal(t, string(types.PhaseCreating), created.State)

	w = doRequest(s, http.MethodGet, "/projects/matrix", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateProjectNameAlreadyTaken(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/projects/matrix", createProjectRequest{})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodPost, "/projects/matrix", createProjectRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var errBody errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, http.StatusBadRequest, errBody.StatusCode)
}

func TestGetProjectNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/projects/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteProjectIsIdempotentOnceDestroyed(t *testing.T) {
	s, store, _ := newTestServer(t)

	require.NoError(t, store.CreateTenant(context.Background(), &types.Tenant{
		Name: "matrix", State: types.Sandbox{Phase: types.PhaseDestroyed},
	}))

	w := doRequest(s, http.MethodDelete, "/projects/matrix", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "destroyed", resp["state"])

	_, err := store.GetTenant(context.Background(), "matrix")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteProjectEnqueuesDestroyWhenLive(t *testing.T) {
	s, store, _ := newTestServer(t)

	require.NoError(t, store.CreateTenant(context.Background(), &types.Tenant{
		Name: "matrix", State: types.Sandbox{Phase: types.PhaseReady},
	}))

	w := doRequest(s, http.MethodDelete, "/projects/matrix", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "destroying", resp["state"])
}

func TestUnauthorizedWithoutBearerToken(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/projects/matrix", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestForbiddenWithoutScope(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID("test-cluster")))

	sched := scheduler.New(store, runtime.NewFakeEngine(), healthyProber{}, testTenantConfig, scheduler.WithWorkers(1))
	sched.Start()
	t.Cleanup(sched.Stop)

	readOnly := &Identity{OwnerID: "neo", Scopes: map[string]bool{"projects:read": true}}
	s := NewServer(store, sched, &fakeVerifier{identity: readOnly}, nil)

	w := doRequest(s, http.MethodPost, "/projects/matrix", createProjectRequest{})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestCertificateWithoutACMEAccountConfigured(t *testing.T) {
	s, store, _ := newTestServer(t)

	require.NoError(t, store.CreateTenant(context.Background(), &types.Tenant{
		Name: "matrix", State: types.Sandbox{Phase: types.PhaseReady},
	}))

	w := doRequest(s, http.MethodPost, "/admin/acme/request/matrix/matrix.example.com", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviveNoErroredTenants(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/admin/revive", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp["revived"])
}
