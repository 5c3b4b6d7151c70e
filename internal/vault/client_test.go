package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVaultServer(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReadSecretField_KVv2(t *testing.T) {
	srv := newVaultServer(t, map[string]any{
		"/v1/secret/data/dbrun/sanity": map[string]any{
			"data": map[string]any{
				"data":     map[string]any{"token": "sk-live"},
				"metadata": map[string]any{"version": 3},
			},
		},
	})
	t.Setenv("VAULT_TOKEN", "")

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("root"))
	require.NoError(t, err)

	got, err := c.ReadSecretField(context.Background(), "secret/data/dbrun/sanity", "token")
	require.NoError(t, err)
	assert.Equal(t, "sk-live", got)
}

func TestReadSecretField_KVv1(t *testing.T) {
	srv := newVaultServer(t, map[string]any{
		"/v1/kv/dbrun": map[string]any{
			"data": map[string]any{"api_token": "sk-v1"},
		},
	})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("root"))
	require.NoError(t, err)

	got, err := c.ReadSecretField(context.Background(), "kv/dbrun", "api_token")
	require.NoError(t, err)
	assert.Equal(t, "sk-v1", got)

	_, err = c.ReadSecretField(context.Background(), "kv/dbrun", "token")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestReadSecretField_MissingPath(t *testing.T) {
	srv := newVaultServer(t, map[string]any{})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("root"))
	require.NoError(t, err)

	_, err = c.ReadSecretField(context.Background(), "secret/data/none", "token")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestNewClient_AppRoleLogin(t *testing.T) {
	srv := newVaultServer(t, map[string]any{
		"/v1/auth/approle/role/dbrun/secret-id": map[string]any{
			"data": map[string]any{"secret_id": "sid"},
		},
		"/v1/auth/approle/login": map[string]any{
			"auth": map[string]any{"client_token": "issued"},
		},
	})

	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("bootstrap"), WithAppRole("role-1", "dbrun"))
	require.NoError(t, err)
	assert.Equal(t, "issued", c.api.Token())
}

func TestNewClient_AppRoleLoginFails(t *testing.T) {
	srv := newVaultServer(t, map[string]any{})

	_, err := NewClient(context.Background(), WithAddress(srv.URL), WithAppRole("role-1", "dbrun"))
	require.ErrorIs(t, err, ErrClientInit)
}
